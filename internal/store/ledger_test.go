package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dcgan-sagemaker/internal/nn"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestIterationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	run, err := l.BeginRun(ctx, "TRAINING:\n  NUM_EPOCHS: 1\n", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	other, err := l.BeginRun(ctx, "{}", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if other == run {
		t.Fatalf("runs share id %d", run)
	}

	want := []Iteration{
		{Iteration: 1, Epoch: 1, Batch: 1, LossD: 1.38, LossG: 0.69, DX: 0.5, DGZ1: 0.5, DGZ2: 0.49},
		{Iteration: 2, Epoch: 1, Batch: 2, LossD: 1.2, LossG: 0.8, DX: 0.6, DGZ1: 0.45, DGZ2: 0.44},
	}
	for i := len(want) - 1; i >= 0; i-- {
		if err := l.RecordIteration(ctx, run, want[i]); err != nil {
			t.Fatalf("RecordIteration: %v", err)
		}
	}
	if err := l.RecordIteration(ctx, other, Iteration{Iteration: 1}); err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}

	got, err := l.Iterations(ctx, run)
	if err != nil {
		t.Fatalf("Iterations: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d iterations, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iteration %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	if err := l.RecordIteration(ctx, run, want[0]); err == nil {
		t.Fatal("expected duplicate iteration to fail")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	run, _ := l.BeginRun(ctx, "", time.Now())

	src := nn.NewSequential("generator", nn.CPU(), nn.NewConvTranspose2d(2, 3, 4, 2, 1), nn.NewBatchNorm2d(3))
	for i, p := range src.Params() {
		for j := range p.Value {
			p.Value[j] = float64(i*100+j) / 7
		}
	}
	if err := l.SaveCheckpoint(ctx, run, 1, "generator", src.Params()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := l.SaveCheckpoint(ctx, run, 3, "generator", src.Params()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	dst := nn.NewSequential("generator", nn.CPU(), nn.NewConvTranspose2d(2, 3, 4, 2, 1), nn.NewBatchNorm2d(3))
	if err := l.LoadCheckpoint(ctx, run, 1, "generator", dst.Params()); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	for i, p := range dst.Params() {
		want := src.Params()[i].Value
		for j := range p.Value {
			if p.Value[j] != want[j] {
				t.Fatalf("param %s[%d]=%f want %f", p.Name, j, p.Value[j], want[j])
			}
		}
	}

	epoch, err := l.LatestCheckpoint(ctx, run, "generator")
	if err != nil || epoch != 3 {
		t.Fatalf("LatestCheckpoint=%d, %v", epoch, err)
	}
	if _, err := l.LatestCheckpoint(ctx, run, "discriminator"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	if err := l.LoadCheckpoint(ctx, run, 2, "generator", dst.Params()); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	wrong := nn.NewSequential("generator", nn.CPU(), nn.NewConvTranspose2d(2, 4, 4, 2, 1))
	if err := l.LoadCheckpoint(ctx, run, 1, "generator", wrong.Params()); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	run, _ := l.BeginRun(ctx, "", time.Now())
	if err := l.RecordIteration(ctx, run, Iteration{Iteration: 1, LossD: 1}); err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.sqlite")
	if err := l.Export(ctx, path); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("export missing: %v", err)
	}
	copyLedger, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open export: %v", err)
	}
	defer copyLedger.Close()
	got, err := copyLedger.Iterations(ctx, run)
	if err != nil || len(got) != 1 || got[0].LossD != 1 {
		t.Fatalf("exported trace %+v, %v", got, err)
	}
}

func TestLedgerStaysSingleFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := Open(ctx, filepath.Join(dir, "ledger.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var mode string
	if err := l.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "delete" {
		t.Fatalf("journal_mode=%s, want delete", mode)
	}

	run, _ := l.BeginRun(ctx, "", time.Now())
	net := nn.NewSequential("generator", nn.CPU(), nn.NewConvTranspose2d(2, 3, 4, 2, 1))
	if err := l.SaveCheckpoint(ctx, run, 1, "generator", net.Params()); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := l.RecordIteration(ctx, run, Iteration{Iteration: 1}); err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "ledger.sqlite" {
			t.Fatalf("unexpected file %s next to the ledger", e.Name())
		}
	}
}
