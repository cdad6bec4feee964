package trainer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"dcgan-sagemaker/internal/config"
	"dcgan-sagemaker/internal/model"
	"dcgan-sagemaker/internal/nn"
	"dcgan-sagemaker/internal/store"
)

func writeDataset(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(30 * i), G: uint8(8 * x), B: uint8(8 * y), A: 255})
			}
		}
		buf := &bytes.Buffer{}
		if err := png.Encode(buf, img); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%03d.png", i)), buf.Bytes(), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func smallTrainConfig(dataDir string) *config.Train {
	cfg := config.DefaultTrain()
	cfg.DataLoader.DataDir = dataDir
	cfg.DataLoader.BatchSize = 4
	cfg.DataLoader.ImageSize = 8
	cfg.DataLoader.NumWorkers = 2
	cfg.DataLoader.Shuffle = false
	cfg.Generator.LatentSize = 4
	cfg.Generator.FeatureSize = 4
	cfg.Discriminator.FeatureSize = 4
	cfg.Training.NumEpochs = 1
	cfg.Training.Device = "cpu"
	cfg.Training.SampleGrid = 4
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	dataDir, outDir, modelDir := t.TempDir(), t.TempDir(), t.TempDir()
	writeDataset(t, dataDir, 8)
	cfg := smallTrainConfig(dataDir)

	var logs bytes.Buffer
	res, err := Run(context.Background(), RunConfig{
		Train:     cfg,
		OutputDir: outDir,
		ModelDir:  modelDir,
		Logger:    log.New(&logs, "", 0),
	})
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, logs.String())
	}
	if res.History.Len() != 2 {
		t.Fatalf("expected 2 iterations, got %d", res.History.Len())
	}
	if strings.Contains(logs.String(), "Loss_D") {
		t.Fatalf("unexpected progress line:\n%s", logs.String())
	}
	for _, name := range []string{"samples_epoch_1.png", ledgerFile} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("missing output %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(modelDir, modelFile)); err != nil {
		t.Fatalf("missing model export: %v", err)
	}

	ctx := context.Background()
	ledger, err := store.Open(ctx, res.Ledger)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	its, err := ledger.Iterations(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Iterations: %v", err)
	}
	if len(its) != 2 || its[1].Iteration != 2 || its[1].Batch != 1 || its[0].LossD != res.History.LossD[0] {
		t.Fatalf("unexpected ledger trace %+v", its)
	}

	// Rebuild the initial networks from the seed and compare with the
	// checkpoint taken after the epoch.
	mcfg := model.Config{ImageSize: 8, Channels: 3, LatentSize: 4, GenFeatures: 4, DiscFeatures: 4}
	rng := rand.New(rand.NewSource(cfg.Training.Seed))
	initG, _ := model.NewGenerator(mcfg, nn.CPU(), rng)
	initD, _ := model.NewDiscriminator(mcfg, nn.CPU(), rng)
	trainedG, _ := model.NewGenerator(mcfg, nn.CPU(), rand.New(rand.NewSource(0)))
	trainedD, _ := model.NewDiscriminator(mcfg, nn.CPU(), rand.New(rand.NewSource(0)))
	if err := ledger.LoadCheckpoint(ctx, res.RunID, 1, "generator", trainedG.Params()); err != nil {
		t.Fatalf("LoadCheckpoint generator: %v", err)
	}
	if err := ledger.LoadCheckpoint(ctx, res.RunID, 1, "discriminator", trainedD.Params()); err != nil {
		t.Fatalf("LoadCheckpoint discriminator: %v", err)
	}
	if reflect.DeepEqual(values(initG), values(trainedG)) {
		t.Fatal("generator parameters unchanged after training")
	}
	if reflect.DeepEqual(values(initD), values(trainedD)) {
		t.Fatal("discriminator parameters unchanged after training")
	}
}

func TestRunDeterministic(t *testing.T) {
	dataDir := t.TempDir()
	writeDataset(t, dataDir, 6)

	run := func() History {
		cfg := smallTrainConfig(dataDir)
		cfg.DataLoader.Shuffle = true
		cfg.Training.NumEpochs = 2
		cfg.Training.SampleGrid = 0
		res, err := Run(context.Background(), RunConfig{
			Train:     cfg,
			OutputDir: t.TempDir(),
			Logger:    log.New(&bytes.Buffer{}, "", 0),
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res.History
	}
	a, b := run(), run()
	if a.Len() != 4 {
		t.Fatalf("expected 4 iterations, got %d", a.Len())
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different traces:\n%v\n%v", a.LossD, b.LossD)
	}
}

func TestRunRejectsAccelerator(t *testing.T) {
	dataDir := t.TempDir()
	writeDataset(t, dataDir, 2)
	cfg := smallTrainConfig(dataDir)
	cfg.Training.Device = "cuda"
	_, err := Run(context.Background(), RunConfig{Train: cfg, OutputDir: t.TempDir(), Logger: log.New(&bytes.Buffer{}, "", 0)})
	if err == nil {
		t.Fatal("expected cuda to be rejected")
	}
}

func TestRunEmptyDataset(t *testing.T) {
	cfg := smallTrainConfig(t.TempDir())
	_, err := Run(context.Background(), RunConfig{Train: cfg, OutputDir: t.TempDir(), Logger: log.New(&bytes.Buffer{}, "", 0)})
	if err == nil {
		t.Fatal("expected error for empty dataset")
	}
}

func values(s *nn.Sequential) [][]float64 {
	var out [][]float64
	for _, p := range s.Params() {
		out = append(out, append([]float64(nil), p.Value...))
	}
	return out
}
