package trainer

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorgonia.org/tensor"

	"dcgan-sagemaker/internal/dataset"
	"dcgan-sagemaker/internal/metrics"
	"dcgan-sagemaker/internal/nn"
)

// DefaultReportEvery is the number of iterations between progress lines.
const DefaultReportEvery = 50

const (
	realLabel = 1.0
	fakeLabel = 0.0
)

// Network is the capability set the loop needs from a trainable model.
// Backward accumulates parameter gradients for the most recent Forward and
// returns the gradient with respect to that Forward's input.
type Network interface {
	Forward(x *tensor.Dense) *tensor.Dense
	Backward(grad *tensor.Dense) *tensor.Dense
	ZeroGrad()
}

// Optimizer applies the accumulated gradients of one network.
type Optimizer interface {
	Step()
}

// Criterion scores predictions against targets and returns the gradient of
// the loss with respect to the predictions.
type Criterion interface {
	Loss(pred *tensor.Dense, target []float64) (float64, *tensor.Dense)
}

// BatchSource yields the same finite batch sequence once per epoch.
type BatchSource interface {
	Len() int
	Batches(ctx context.Context, epoch int) (<-chan dataset.Batch, <-chan error)
}

// NoiseFunc draws a [n, latent, 1, 1] latent batch.
type NoiseFunc func(n int) *tensor.Dense

// Stats describes one finished iteration. Epoch and Batch are zero based;
// Iteration counts every iteration of the run starting at 1.
type Stats struct {
	Epoch     int
	Epochs    int
	Batch     int
	Batches   int
	Iteration int
	LossD     float64
	LossG     float64
	DX        float64
	DGZ1      float64
	DGZ2      float64
}

// History is the per-iteration trace of a run.
type History struct {
	LossD []float64
	LossG []float64
	DX    []float64
	DGZ1  []float64
	DGZ2  []float64
}

func (h *History) add(s Stats) {
	h.LossD = append(h.LossD, s.LossD)
	h.LossG = append(h.LossG, s.LossG)
	h.DX = append(h.DX, s.DX)
	h.DGZ1 = append(h.DGZ1, s.DGZ1)
	h.DGZ2 = append(h.DGZ2, s.DGZ2)
}

// Len returns the number of recorded iterations.
func (h History) Len() int { return len(h.LossD) }

// GAN alternates discriminator and generator updates over a batch source.
type GAN struct {
	Generator        Network
	Discriminator    Network
	GeneratorOpt     Optimizer
	DiscriminatorOpt Optimizer
	Criterion        Criterion
	Noise            NoiseFunc

	// ReportEvery defaults to DefaultReportEvery.
	ReportEvery int
	Logger      *log.Logger

	// Observer is called after every iteration; EpochEnd after every epoch.
	// A non-nil error from either stops training.
	Observer func(Stats) error
	EpochEnd func(epoch int) error
}

// Train runs epochs passes over src. It returns the trace of every
// completed iteration, also when stopping early with an error.
func (g *GAN) Train(ctx context.Context, src BatchSource, epochs int) (History, error) {
	var hist History
	if epochs <= 0 {
		return hist, nil
	}
	logger := g.Logger
	if logger == nil {
		logger = log.Default()
	}
	every := g.ReportEvery
	if every <= 0 {
		every = DefaultReportEvery
	}

	logger.Println("Starting Training Loop...")
	var window metrics.Window
	iters := 0
	numBatches := src.Len()

	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		if err := g.runEpoch(ctx, src, epoch, func(i int, b dataset.Batch, dataTime time.Duration) error {
			start := time.Now()
			s := g.Step(b.Images)
			window.Record(b.Size(), dataTime, time.Since(start))

			s.Epoch, s.Epochs = epoch, epochs
			s.Batch, s.Batches = i, numBatches
			iters++
			s.Iteration = iters
			hist.add(s)

			if iters%every == 0 {
				logger.Printf("%s %s", FormatProgress(s), window.Snapshot())
			}
			if g.Observer != nil {
				return g.Observer(s)
			}
			return nil
		}); err != nil {
			return hist, err
		}
		if g.EpochEnd != nil {
			if err := g.EpochEnd(epoch); err != nil {
				return hist, err
			}
		}
	}
	return hist, nil
}

func (g *GAN) runEpoch(parent context.Context, src BatchSource, epoch int, fn func(int, dataset.Batch, time.Duration) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	batches, errs := src.Batches(ctx, epoch)
	i := 0
	for {
		wait := time.Now()
		b, ok := <-batches
		if !ok {
			break
		}
		if err := fn(i, b, time.Since(wait)); err != nil {
			cancel()
			drain(batches)
			return err
		}
		i++
	}
	if err := <-errs; err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	return parent.Err()
}

func drain(batches <-chan dataset.Batch) {
	for range batches {
	}
}

// Step performs one discriminator update followed by one generator update
// on a batch of real images and reports the losses and diagnostics.
func (g *GAN) Step(images *tensor.Dense) Stats {
	b := images.Shape()[0]
	var s Stats

	// Discriminator: real batch, then the detached fake batch. Gradients of
	// both passes are summed before the optimizer step.
	g.Discriminator.ZeroGrad()
	out := g.Discriminator.Forward(images)
	errReal, grad := g.Criterion.Loss(out, nn.Full(b, realLabel))
	g.Discriminator.Backward(grad)
	s.DX = nn.Mean(out)

	fake := g.Generator.Forward(g.Noise(b))
	out = g.Discriminator.Forward(fake)
	errFake, grad := g.Criterion.Loss(out, nn.Full(b, fakeLabel))
	g.Discriminator.Backward(grad)
	s.DGZ1 = nn.Mean(out)
	s.LossD = errReal + errFake
	g.DiscriminatorOpt.Step()

	// Generator: the same fake batch through the updated discriminator,
	// scored against real labels, with the input gradient flowing back
	// into the generator.
	g.Generator.ZeroGrad()
	out = g.Discriminator.Forward(fake)
	errG, grad := g.Criterion.Loss(out, nn.Full(b, realLabel))
	g.Generator.Backward(g.Discriminator.Backward(grad))
	s.DGZ2 = nn.Mean(out)
	s.LossG = errG
	g.GeneratorOpt.Step()

	return s
}

// FormatProgress renders the progress line SageMaker metric definitions
// scrape.
func FormatProgress(s Stats) string {
	return fmt.Sprintf("[%d/%d] [%d/%d] Loss_D: %.4f Loss_G: %.4f D(x): %.4f D(G(z))_before: %.4f D(G(z))_after: %.4f",
		s.Epoch, s.Epochs, s.Batch, s.Batches, s.LossD, s.LossG, s.DX, s.DGZ1, s.DGZ2)
}
