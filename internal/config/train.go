package config

import (
	"errors"
	"fmt"
	"math/bits"
)

// Train configures the training container.
type Train struct {
	DataLoader    DataLoader    `yaml:"DATALOADER"`
	Generator     Generator     `yaml:"GENERATOR"`
	Discriminator Discriminator `yaml:"DISCRIMINATOR"`
	Training      Training      `yaml:"TRAINING"`
}

type DataLoader struct {
	DataDir    string `yaml:"DATA_DIR"`
	NumWorkers int    `yaml:"NUM_WORKERS"`
	BatchSize  int    `yaml:"BATCH_SIZE"`
	ImageSize  int    `yaml:"IMAGE_SIZE"`
	Shuffle    bool   `yaml:"SHUFFLE"`
}

type Generator struct {
	NumChannels int `yaml:"NUM_CHANNELS"`
	LatentSize  int `yaml:"LATENT_SIZE"`
	FeatureSize int `yaml:"FEATURE_SIZE"`
}

type Discriminator struct {
	NumChannels int `yaml:"NUM_CHANNELS"`
	FeatureSize int `yaml:"FEATURE_SIZE"`
}

type Training struct {
	NumEpochs    int     `yaml:"NUM_EPOCHS"`
	LearningRate float64 `yaml:"LEARNING_RATE"`
	Beta1        float64 `yaml:"BETA_1"`
	Beta2        float64 `yaml:"BETA_2"`
	NumGPU       int     `yaml:"NUM_GPU"`
	Seed         int64   `yaml:"SEED"`
	// Device is auto, cpu or cuda.
	Device string `yaml:"DEVICE"`
	// CheckpointEvery is the epoch interval between checkpoints; 0 keeps
	// only the final one.
	CheckpointEvery int `yaml:"CHECKPOINT_EVERY"`
	// SampleGrid is the number of fixed-noise samples rendered after each
	// epoch; 0 disables sample grids.
	SampleGrid int `yaml:"SAMPLE_GRID"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir    string
	NumEpochs  int
	BatchSize  int
	NumWorkers int
	Seed       int64
	Device     string
}

// DefaultTrain returns the training config defaults.
func DefaultTrain() *Train {
	return &Train{
		DataLoader: DataLoader{
			DataDir:    "data/train",
			NumWorkers: 2,
			BatchSize:  64,
			ImageSize:  64,
			Shuffle:    true,
		},
		Generator: Generator{
			NumChannels: 3,
			LatentSize:  32,
			FeatureSize: 64,
		},
		Discriminator: Discriminator{
			NumChannels: 3,
			FeatureSize: 64,
		},
		Training: Training{
			NumEpochs:       5,
			LearningRate:    1e-4,
			Beta1:           0.5,
			Beta2:           0.999,
			NumGPU:          1,
			Seed:            999,
			Device:          "auto",
			CheckpointEvery: 1,
			SampleGrid:      64,
		},
	}
}

// LoadTrain reads a training config from path, applies the KEY VALUE
// overrides and validates the result.
func LoadTrain(path string, overrides []string) (*Train, error) {
	cfg := DefaultTrain()
	if err := MergeFile(cfg, path); err != nil {
		return nil, err
	}
	if err := MergeFromList(cfg, overrides); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Train) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataLoader.DataDir = o.DataDir
	}
	if o.NumEpochs > 0 {
		c.Training.NumEpochs = o.NumEpochs
	}
	if o.BatchSize > 0 {
		c.DataLoader.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.DataLoader.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Training.Seed = o.Seed
	}
	if o.Device != "" {
		c.Training.Device = o.Device
	}
}

// Validate verifies the config is runnable.
func (c *Train) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	dl := c.DataLoader
	if dl.BatchSize <= 0 {
		return fmt.Errorf("DATALOADER.BATCH_SIZE must be > 0 (got %d)", dl.BatchSize)
	}
	if dl.NumWorkers <= 0 {
		return fmt.Errorf("DATALOADER.NUM_WORKERS must be > 0 (got %d)", dl.NumWorkers)
	}
	if dl.ImageSize < 8 || bits.OnesCount(uint(dl.ImageSize)) != 1 {
		return fmt.Errorf("DATALOADER.IMAGE_SIZE must be a power of two >= 8 (got %d)", dl.ImageSize)
	}
	if c.Generator.NumChannels != 1 && c.Generator.NumChannels != 3 {
		return fmt.Errorf("GENERATOR.NUM_CHANNELS must be 1 or 3 (got %d)", c.Generator.NumChannels)
	}
	if c.Generator.NumChannels != c.Discriminator.NumChannels {
		return fmt.Errorf("GENERATOR.NUM_CHANNELS (%d) and DISCRIMINATOR.NUM_CHANNELS (%d) must match",
			c.Generator.NumChannels, c.Discriminator.NumChannels)
	}
	if c.Generator.LatentSize <= 0 || c.Generator.FeatureSize <= 0 || c.Discriminator.FeatureSize <= 0 {
		return errors.New("GENERATOR and DISCRIMINATOR sizes must be > 0")
	}
	tr := c.Training
	if tr.NumEpochs < 0 {
		return fmt.Errorf("TRAINING.NUM_EPOCHS must be >= 0 (got %d)", tr.NumEpochs)
	}
	if tr.LearningRate <= 0 {
		return fmt.Errorf("TRAINING.LEARNING_RATE must be > 0 (got %g)", tr.LearningRate)
	}
	if tr.Beta1 < 0 || tr.Beta1 >= 1 || tr.Beta2 < 0 || tr.Beta2 >= 1 {
		return fmt.Errorf("TRAINING.BETA_1 and BETA_2 must be in [0, 1) (got %g, %g)", tr.Beta1, tr.Beta2)
	}
	if tr.CheckpointEvery < 0 || tr.SampleGrid < 0 {
		return errors.New("TRAINING.CHECKPOINT_EVERY and SAMPLE_GRID must be >= 0")
	}
	return nil
}
