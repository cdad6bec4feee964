package model

import (
	"fmt"
	"math/bits"
)

// Config sizes the DCGAN pair.
type Config struct {
	ImageSize    int
	Channels     int
	LatentSize   int
	GenFeatures  int
	DiscFeatures int
}

// Stages is the number of stride-2 layers between a 4×4 feature map and an
// image of the given size.
func Stages(imageSize int) (int, error) {
	if imageSize < 8 || bits.OnesCount(uint(imageSize)) != 1 {
		return 0, fmt.Errorf("model: image size must be a power of two >= 8 (got %d)", imageSize)
	}
	return bits.TrailingZeros(uint(imageSize)) - 2, nil
}

// Validate reports a config that cannot produce a network.
func (c Config) Validate() error {
	if _, err := Stages(c.ImageSize); err != nil {
		return err
	}
	if c.Channels <= 0 || c.LatentSize <= 0 || c.GenFeatures <= 0 || c.DiscFeatures <= 0 {
		return fmt.Errorf("model: sizes must be > 0 (channels=%d latent=%d gen_features=%d disc_features=%d)",
			c.Channels, c.LatentSize, c.GenFeatures, c.DiscFeatures)
	}
	return nil
}
