package model

import (
	"math/rand"

	"dcgan-sagemaker/internal/nn"
)

const leakySlope = 0.2

// NewGenerator builds the DCGAN generator: a latent vector of shape
// [latent,1,1] is projected to a 4×4 map and doubled in resolution by
// transposed convolutions until it reaches ImageSize, ending in Tanh.
func NewGenerator(cfg Config, device nn.Device, rng *rand.Rand) (*nn.Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stages, _ := Stages(cfg.ImageSize)

	width := cfg.GenFeatures << (stages - 1)
	layers := []nn.Layer{
		nn.NewConvTranspose2d(cfg.LatentSize, width, 4, 1, 0),
		nn.NewBatchNorm2d(width),
		&nn.ReLU{},
	}
	for ; width > cfg.GenFeatures; width /= 2 {
		layers = append(layers,
			nn.NewConvTranspose2d(width, width/2, 4, 2, 1),
			nn.NewBatchNorm2d(width/2),
			&nn.ReLU{},
		)
	}
	layers = append(layers,
		nn.NewConvTranspose2d(cfg.GenFeatures, cfg.Channels, 4, 2, 1),
		&nn.Tanh{},
	)

	g := nn.NewSequential("generator", device, layers...)
	initWeights(g, rng)
	return g, nil
}

// NewDiscriminator builds the DCGAN discriminator: strided convolutions
// halve the image down to 4×4, a final 4×4 convolution yields one logit per
// sample, and Sigmoid turns it into P(real).
func NewDiscriminator(cfg Config, device nn.Device, rng *rand.Rand) (*nn.Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stages, _ := Stages(cfg.ImageSize)

	width := cfg.DiscFeatures
	layers := []nn.Layer{
		nn.NewConv2d(cfg.Channels, width, 4, 2, 1),
		&nn.LeakyReLU{Slope: leakySlope},
	}
	for i := 1; i < stages; i++ {
		layers = append(layers,
			nn.NewConv2d(width, width*2, 4, 2, 1),
			nn.NewBatchNorm2d(width*2),
			&nn.LeakyReLU{Slope: leakySlope},
		)
		width *= 2
	}
	layers = append(layers,
		nn.NewConv2d(width, 1, 4, 1, 0),
		&nn.Sigmoid{},
	)

	d := nn.NewSequential("discriminator", device, layers...)
	initWeights(d, rng)
	return d, nil
}

// initWeights draws convolution weights from N(0, 0.02) and batch-norm
// scales from N(1, 0.02) with zero shift.
func initWeights(s *nn.Sequential, rng *rand.Rand) {
	for _, l := range s.Layers {
		switch l := l.(type) {
		case *nn.Conv2d:
			normal(rng, l.Weight.Value, 0, 0.02)
		case *nn.ConvTranspose2d:
			normal(rng, l.Weight.Value, 0, 0.02)
		case *nn.BatchNorm2d:
			normal(rng, l.Gamma.Value, 1, 0.02)
			clear(l.Beta.Value)
		}
	}
}

func normal(rng *rand.Rand, dst []float64, mean, std float64) {
	for i := range dst {
		dst[i] = mean + std*rng.NormFloat64()
	}
}
