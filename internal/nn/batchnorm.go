package nn

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

const batchNormEps = 1e-5

// BatchNorm2d normalizes each channel with the statistics of the current
// batch, then applies a learned scale (gamma) and shift (beta).
type BatchNorm2d struct {
	Channels int
	Gamma    *Param
	Beta     *Param

	n, h, w int
	xhat    []float64
	invStd  []float64
}

func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels: channels,
		Gamma:    newParam("gamma", channels),
		Beta:     newParam("beta", channels),
	}
	for i := range bn.Gamma.Value {
		bn.Gamma.Value[i] = 1
	}
	return bn
}

func (b *BatchNorm2d) Forward(x *tensor.Dense) *tensor.Dense {
	n, c, h, w := Dims4(x)
	if c != b.Channels {
		panic(fmt.Sprintf("nn: batchnorm2d expects %d channels, got %d", b.Channels, c))
	}
	in := Values(x)
	hw := h * w
	m := float64(n * hw)

	b.n, b.h, b.w = n, h, w
	b.xhat = make([]float64, len(in))
	b.invStd = make([]float64, c)
	y := make([]float64, len(in))

	for ci := 0; ci < c; ci++ {
		var mean float64
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * hw
			for p := 0; p < hw; p++ {
				mean += in[base+p]
			}
		}
		mean /= m

		var variance float64
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * hw
			for p := 0; p < hw; p++ {
				d := in[base+p] - mean
				variance += d * d
			}
		}
		variance /= m

		inv := 1 / math.Sqrt(variance+batchNormEps)
		b.invStd[ci] = inv
		gamma, beta := b.Gamma.Value[ci], b.Beta.Value[ci]
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * hw
			for p := 0; p < hw; p++ {
				xh := (in[base+p] - mean) * inv
				b.xhat[base+p] = xh
				y[base+p] = gamma*xh + beta
			}
		}
	}
	return New(y, n, c, h, w)
}

func (b *BatchNorm2d) Backward(grad *tensor.Dense) *tensor.Dense {
	dy := Values(grad)
	n, c, hw := b.n, b.Channels, b.h*b.w
	m := float64(n * hw)
	dx := make([]float64, len(dy))

	for ci := 0; ci < c; ci++ {
		var sumDy, sumDyXhat float64
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * hw
			for p := 0; p < hw; p++ {
				sumDy += dy[base+p]
				sumDyXhat += dy[base+p] * b.xhat[base+p]
			}
		}
		b.Beta.Grad[ci] += sumDy
		b.Gamma.Grad[ci] += sumDyXhat

		scale := b.Gamma.Value[ci] * b.invStd[ci] / m
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * hw
			for p := 0; p < hw; p++ {
				dx[base+p] = scale * (m*dy[base+p] - sumDy - b.xhat[base+p]*sumDyXhat)
			}
		}
	}
	return New(dx, n, c, b.h, b.w)
}

func (b *BatchNorm2d) Params() []*Param { return []*Param{b.Gamma, b.Beta} }
