package nn

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrNoAccelerator is returned when an accelerator device is requested
// explicitly. Only the CPU backend is built into this binary.
var ErrNoAccelerator = errors.New("nn: no accelerator backend available")

// Device identifies where tensors and parameters live. Every network and
// tensor taking part in one training run must share a Device.
type Device struct {
	Kind     string
	Name     string
	Threads  int
	Features []string
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%s threads=%d features=%s)", d.Kind, d.Name, d.Threads, strings.Join(d.Features, ","))
}

var simdFeatures = []cpuid.FeatureID{
	cpuid.SSE4,
	cpuid.AVX,
	cpuid.AVX2,
	cpuid.FMA3,
	cpuid.AVX512F,
	cpuid.ASIMD,
	cpuid.SVE,
}

// Probe resolves a configured device name. "auto" and "cpu" select the host
// CPU; "cuda" and "gpu" fail with ErrNoAccelerator.
func Probe(kind string) (Device, error) {
	switch strings.ToLower(kind) {
	case "", "auto", "cpu":
	case "cuda", "gpu":
		return Device{}, fmt.Errorf("device %q: %w", kind, ErrNoAccelerator)
	default:
		return Device{}, fmt.Errorf("nn: unknown device %q", kind)
	}
	d := Device{
		Kind:    "cpu",
		Name:    strings.TrimSpace(cpuid.CPU.BrandName),
		Threads: cpuid.CPU.LogicalCores,
	}
	if d.Name == "" {
		d.Name = runtime.GOARCH
	}
	if d.Threads <= 0 {
		d.Threads = runtime.NumCPU()
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			d.Features = append(d.Features, f.String())
		}
	}
	return d, nil
}

// CPU returns the host CPU device without probing features.
func CPU() Device {
	return Device{Kind: "cpu", Name: runtime.GOARCH, Threads: runtime.NumCPU()}
}
