package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"gorgonia.org/tensor"
)

// Batch is one minibatch of transformed images, shaped [B, C, S, S].
type Batch struct {
	Images *tensor.Dense
	Labels []int
	Keys   []string
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return len(b.Keys) }

// LoaderOptions configures the batch loader.
type LoaderOptions struct {
	BatchSize  int
	ImageSize  int
	Channels   int
	NumWorkers int
	Shuffle    bool
	Seed       int64
}

// Loader yields the same record set once per epoch, decoded and batched.
// The final batch of an epoch may be short.
type Loader struct {
	records []Record
	opts    LoaderOptions
}

func NewLoader(records []Record, opts LoaderOptions) (*Loader, error) {
	if len(records) == 0 {
		return nil, errors.New("loader: no records")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, fmt.Errorf("loader: image size must be > 0 (got %d)", opts.ImageSize)
	}
	if opts.Channels <= 0 {
		opts.Channels = 3
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{records: records, opts: opts}, nil
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.records) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// NumRecords is the number of samples per epoch.
func (l *Loader) NumRecords() int { return len(l.records) }

// Order returns the record indices visited in the given epoch. With Shuffle
// set the permutation depends only on the seed and the epoch.
func (l *Loader) Order(epoch int) []int {
	order := make([]int, len(l.records))
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

// Batches decodes one epoch with NumWorkers goroutines and emits batches in
// order. Both channels are closed when the epoch ends; the error channel
// carries at most one error.
func (l *Loader) Batches(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	ctx, cancel := context.WithCancel(parent)

	order := l.Order(epoch)
	jobs := make(chan decodeJob, l.opts.NumWorkers)
	results := make(chan decoded, l.opts.NumWorkers*2)
	out := make(chan Batch, 1)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, order)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.worker(ctx, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := l.assemble(ctx, len(order), results, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

type decodeJob struct {
	seq    int
	record int
}

type decoded struct {
	seq    int
	record Record
	pixels []float64
	err    error
}

func produceJobs(ctx context.Context, jobs chan<- decodeJob, order []int) {
	defer close(jobs)
	for seq, idx := range order {
		select {
		case <-ctx.Done():
			return
		case jobs <- decodeJob{seq: seq, record: idx}:
		}
	}
}

func (l *Loader) worker(ctx context.Context, jobs <-chan decodeJob, results chan<- decoded) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			rec := l.records[job.record]
			res := decoded{seq: job.seq, record: rec}
			raw, err := load(rec)
			if err == nil {
				res.pixels, err = Transform(raw, l.opts.ImageSize, l.opts.Channels)
			}
			if err != nil {
				res.err = fmt.Errorf("decode %s: %w", rec.Key, err)
			}
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func load(rec Record) ([]byte, error) {
	if rec.Data != nil {
		return rec.Data, nil
	}
	return os.ReadFile(rec.Path)
}

// assemble restores sequence order from the out-of-order worker results and
// cuts batches.
func (l *Loader) assemble(ctx context.Context, total int, results <-chan decoded, out chan<- Batch) error {
	pending := make(map[int]decoded)
	next := 0
	var cur []decoded
	for next < total {
		res, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case res, ok = <-results:
				if !ok {
					return ctx.Err()
				}
				if res.err != nil {
					return res.err
				}
				pending[res.seq] = res
			}
			continue
		}
		delete(pending, next)
		next++
		cur = append(cur, res)
		if len(cur) == l.opts.BatchSize || next == total {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- l.batch(cur):
			}
			cur = nil
		}
	}
	return nil
}

func (l *Loader) batch(items []decoded) Batch {
	plane := l.opts.Channels * l.opts.ImageSize * l.opts.ImageSize
	data := make([]float64, 0, len(items)*plane)
	b := Batch{
		Labels: make([]int, len(items)),
		Keys:   make([]string, len(items)),
	}
	for i, it := range items {
		data = append(data, it.pixels...)
		b.Labels[i] = it.record.Label
		b.Keys[i] = it.record.Key
	}
	b.Images = tensor.New(
		tensor.WithShape(len(items), l.opts.Channels, l.opts.ImageSize, l.opts.ImageSize),
		tensor.WithBacking(data),
	)
	return b
}
