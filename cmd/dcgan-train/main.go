package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"dcgan-sagemaker/internal/config"
	"dcgan-sagemaker/internal/container"
	"dcgan-sagemaker/internal/trainer"
)

func main() {
	args := os.Args[1:]
	// SageMaker starts bring-your-own images as "<entrypoint> train".
	if len(args) > 0 && args[0] == "train" {
		args = args[1:]
	}

	env, err := container.FromEnv(os.LookupEnv, container.HyperparametersPath)
	if err != nil {
		log.Fatalf("failed to read container environment: %v", err)
	}

	fs := flag.NewFlagSet("dcgan-train", flag.ExitOnError)
	trainConfig := fs.String("train_config", env.TrainConfig, "Training config file, or the directory holding it")
	trainCfgFilename := fs.String("train_cfg_filename", env.Hyperparameter("train_cfg_filename", "train.yaml"), "Config file name inside a -train_config directory")
	trainData := fs.String("train_data", env.TrainData, "Directory where training images from S3 are downloaded")
	datasetBaseDir := fs.String("dataset_base_dir", env.Hyperparameter("dataset_base_dir", ""), "Base directory for a relative DATALOADER.DATA_DIR")
	outputDir := fs.String("output_dir", env.Hyperparameter("output_dir", ""), "Directory for checkpoints and samples, synced with S3")
	modelDir := fs.String("model_dir", env.ModelDir, "Directory for the final model export")
	numGPUs := fs.Int("num_gpus", env.NumGPUs, "Number of GPUs visible to the container")
	epochs := fs.Int("epochs", 0, "Override TRAINING.NUM_EPOCHS")
	batchSize := fs.Int("batch-size", 0, "Override DATALOADER.BATCH_SIZE")
	numWorkers := fs.Int("num-workers", 0, "Override DATALOADER.NUM_WORKERS")
	seed := fs.Int64("seed", 0, "Override TRAINING.SEED")
	device := fs.String("device", "", "Override TRAINING.DEVICE")
	var sets config.ListFlag
	fs.Var(&sets, "set", "Override a config key as KEY=VALUE (repeatable)")

	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	if *outputDir == "" {
		log.Fatalf("-output_dir is required")
	}

	cfgPath, err := container.ConfigPath(*trainConfig, *trainCfgFilename)
	if err != nil {
		log.Fatalf("failed to locate training config: %v", err)
	}
	cfg, err := config.LoadTrain(cfgPath, sets.Pairs())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		NumEpochs:  *epochs,
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Seed:       *seed,
		Device:     *device,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	dataDir := *trainData
	if dataDir == "" && *datasetBaseDir != "" && !filepath.IsAbs(cfg.DataLoader.DataDir) {
		dataDir = filepath.Join(*datasetBaseDir, cfg.DataLoader.DataDir)
	}

	out := *outputDir
	if !env.IsMaster() {
		out = filepath.Join(out, env.CurrentHost)
		log.Printf("host=%s is not the master host; writing outputs to %s", env.CurrentHost, out)
	}
	log.Printf("config=%s output_dir=%s model_dir=%s hosts=%v", cfgPath, out, *modelDir, env.Hosts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = trainer.Run(ctx, trainer.RunConfig{
		Train:     cfg,
		DataDir:   dataDir,
		OutputDir: out,
		ModelDir:  *modelDir,
		NumGPUs:   *numGPUs,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
