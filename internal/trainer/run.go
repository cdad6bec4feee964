package trainer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"dcgan-sagemaker/internal/config"
	"dcgan-sagemaker/internal/dataset"
	"dcgan-sagemaker/internal/model"
	"dcgan-sagemaker/internal/nn"
	"dcgan-sagemaker/internal/store"
)

const (
	ledgerFile = "ledger.sqlite"
	modelFile  = "model.sqlite"
)

// RunConfig captures what the container entry point resolved for a run.
type RunConfig struct {
	Train *config.Train
	// DataDir overrides DATALOADER.DATA_DIR when set.
	DataDir string
	// OutputDir receives the ledger and sample grids; ModelDir, when set,
	// receives a copy of the ledger after training.
	OutputDir string
	ModelDir  string
	NumGPUs   int
	Logger    *log.Logger

	// ReportEvery overrides DefaultReportEvery.
	ReportEvery int
}

// Result summarizes a finished run.
type Result struct {
	RunID   int64
	History History
	Ledger  string
}

// Run executes the training workload.
func Run(ctx context.Context, cfg RunConfig) (Result, error) {
	tc := cfg.Train
	if tc == nil {
		return Result{}, errors.New("trainer: training config is nil")
	}
	if err := tc.Validate(); err != nil {
		return Result{}, err
	}
	if cfg.OutputDir == "" {
		return Result{}, errors.New("trainer: output dir must be set")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	device, err := nn.Probe(tc.Training.Device)
	if err != nil {
		return Result{}, err
	}
	if cfg.NumGPUs > 0 {
		logger.Printf("num_gpus=%d visible; training on the cpu backend", cfg.NumGPUs)
	}
	logger.Printf("device=%s", device)

	dataDir := tc.DataLoader.DataDir
	if cfg.DataDir != "" {
		dataDir = cfg.DataDir
	}
	records, err := dataset.Discover(ctx, dataDir)
	if err != nil {
		return Result{}, err
	}
	if len(records) == 0 {
		return Result{}, fmt.Errorf("trainer: no images found under %s", dataDir)
	}
	loader, err := dataset.NewLoader(records, dataset.LoaderOptions{
		BatchSize:  tc.DataLoader.BatchSize,
		ImageSize:  tc.DataLoader.ImageSize,
		Channels:   tc.Generator.NumChannels,
		NumWorkers: tc.DataLoader.NumWorkers,
		Shuffle:    tc.DataLoader.Shuffle,
		Seed:       tc.Training.Seed,
	})
	if err != nil {
		return Result{}, err
	}
	logger.Printf("data_dir=%s images=%d batches_per_epoch=%d", dataDir, loader.NumRecords(), loader.Len())

	rng := rand.New(rand.NewSource(tc.Training.Seed))
	mcfg := model.Config{
		ImageSize:    tc.DataLoader.ImageSize,
		Channels:     tc.Generator.NumChannels,
		LatentSize:   tc.Generator.LatentSize,
		GenFeatures:  tc.Generator.FeatureSize,
		DiscFeatures: tc.Discriminator.FeatureSize,
	}
	gen, err := model.NewGenerator(mcfg, device, rng)
	if err != nil {
		return Result{}, err
	}
	disc, err := model.NewDiscriminator(mcfg, device, rng)
	if err != nil {
		return Result{}, err
	}
	logger.Printf("generator_params=%d discriminator_params=%d", gen.NumParams(), disc.NumParams())

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	ledgerPath := filepath.Join(cfg.OutputDir, ledgerFile)
	ledger, err := store.Open(ctx, ledgerPath)
	if err != nil {
		return Result{}, err
	}
	defer ledger.Close()

	snapshot, err := yaml.Marshal(tc)
	if err != nil {
		return Result{}, fmt.Errorf("encode config: %w", err)
	}
	runID, err := ledger.BeginRun(ctx, string(snapshot), time.Now())
	if err != nil {
		return Result{}, err
	}
	res := Result{RunID: runID, Ledger: ledgerPath}

	latent := tc.Generator.LatentSize
	var fixedNoise *tensor.Dense
	if tc.Training.SampleGrid > 0 {
		fixedNoise = nn.Normal(rng, tc.Training.SampleGrid, latent, 1, 1)
	}

	checkpoint := func(completed int) error {
		if err := ledger.SaveCheckpoint(ctx, runID, completed, gen.Name, gen.Params()); err != nil {
			return err
		}
		return ledger.SaveCheckpoint(ctx, runID, completed, disc.Name, disc.Params())
	}
	every := tc.Training.CheckpointEvery

	gan := &GAN{
		Generator:        gen,
		Discriminator:    disc,
		GeneratorOpt:     nn.NewAdam(gen.Params(), tc.Training.LearningRate, tc.Training.Beta1, tc.Training.Beta2),
		DiscriminatorOpt: nn.NewAdam(disc.Params(), tc.Training.LearningRate, tc.Training.Beta1, tc.Training.Beta2),
		Criterion:        nn.BCELoss{},
		Noise: func(n int) *tensor.Dense {
			return nn.Normal(rng, n, latent, 1, 1)
		},
		ReportEvery: cfg.ReportEvery,
		Logger:      logger,
		Observer: func(s Stats) error {
			return ledger.RecordIteration(ctx, runID, store.Iteration{
				Iteration: s.Iteration,
				Epoch:     s.Epoch,
				Batch:     s.Batch,
				LossD:     s.LossD,
				LossG:     s.LossG,
				DX:        s.DX,
				DGZ1:      s.DGZ1,
				DGZ2:      s.DGZ2,
			})
		},
		EpochEnd: func(epoch int) error {
			completed := epoch + 1
			if every > 0 && completed%every == 0 {
				if err := checkpoint(completed); err != nil {
					return err
				}
				logger.Printf("checkpoint run=%d epoch=%d", runID, completed)
			}
			if fixedNoise == nil {
				return nil
			}
			path := filepath.Join(cfg.OutputDir, fmt.Sprintf("samples_epoch_%d.png", completed))
			if err := SaveGrid(path, gen.Forward(fixedNoise)); err != nil {
				return err
			}
			logger.Printf("samples=%s", path)
			return nil
		},
	}

	epochs := tc.Training.NumEpochs
	res.History, err = gan.Train(ctx, loader, epochs)
	if err != nil {
		return res, err
	}
	if epochs > 0 && (every <= 0 || epochs%every != 0) {
		if err := checkpoint(epochs); err != nil {
			return res, err
		}
		logger.Printf("checkpoint run=%d epoch=%d", runID, epochs)
	}

	if cfg.ModelDir != "" {
		if err := exportModel(ctx, ledger, cfg.ModelDir); err != nil {
			return res, err
		}
	}
	logger.Printf("training finished run=%d iterations=%d", runID, res.History.Len())
	return res, nil
}

func exportModel(ctx context.Context, ledger *store.Ledger, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	path := filepath.Join(dir, modelFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace model export: %w", err)
	}
	return ledger.Export(ctx, path)
}
