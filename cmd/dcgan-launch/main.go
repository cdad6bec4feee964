package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dcgan-sagemaker/internal/config"
	"dcgan-sagemaker/internal/launcher"
	"dcgan-sagemaker/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/job.yaml", "Path to SageMaker job config")
	wait := flag.Bool("wait", false, "Wait until the training job finishes")
	poll := flag.Duration("poll", 30*time.Second, "Status poll interval with -wait")
	localOutput := flag.String("local-output", "", "Output directory for local instance types")
	var sets config.ListFlag
	flag.Var(&sets, "set", "Override a config key as KEY=VALUE (repeatable)")

	flag.Parse()

	cfg, err := config.LoadJob(*cfgPath, sets.Pairs())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := &launcher.Launcher{Config: cfg, ConfigPath: *cfgPath, Logger: log.Default()}
	if !cfg.IsLocal() {
		sess, err := launcher.NewSession(cfg)
		if err != nil {
			log.Fatalf("aws: %v", err)
		}
		l = launcher.New(sess, cfg, *cfgPath, log.Default())
	}

	job, err := l.Launch(ctx)
	if errors.Is(err, launcher.ErrLocalMode) {
		if err := runLocal(ctx, l, *localOutput); err != nil {
			log.Fatalf("local training failed: %v", err)
		}
		return
	}
	if err != nil {
		log.Fatalf("launch failed: %v", err)
	}
	if !*wait {
		return
	}
	status, err := l.Wait(ctx, job.Name, *poll)
	if err != nil {
		log.Fatalf("job %s: %v", job.Name, err)
	}
	log.Printf("job=%s finished status=%s", job.Name, status)
}

// runLocal runs the container entry point in-process against local paths.
func runLocal(ctx context.Context, l *launcher.Launcher, outputDir string) error {
	plan := l.LocalPlan(outputDir)
	log.Printf("instance_type=%s: training locally config=%s output_dir=%s", l.Config.SageMaker.InstanceType, plan.TrainConfig, plan.OutputDir)

	tc, err := config.LoadTrain(plan.TrainConfig, nil)
	if err != nil {
		return err
	}
	_, err = trainer.Run(ctx, trainer.RunConfig{
		Train:     tc,
		DataDir:   plan.DataDir,
		OutputDir: plan.OutputDir,
		ModelDir:  filepath.Join(plan.OutputDir, "model"),
		Logger:    log.Default(),
	})
	return err
}
