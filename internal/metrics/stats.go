package metrics

import (
	"fmt"
	"time"
)

// Window accumulates timing stats across the iterations between two
// progress lines.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
}

// Record adds one iteration: dataTime is spent waiting on the loader,
// computeTime on the forward, backward and optimizer passes.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
}

func (s Snapshot) String() string {
	return fmt.Sprintf("images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f", s.ImagesPerSec, s.AvgDataMS, s.AvgComputeMS)
}
