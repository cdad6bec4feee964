// Package nn implements the small set of layers a DCGAN needs, each with a
// hand-written backward pass, plus the BCE criterion and the Adam optimizer.
//
// Activations and gradients travel as gorgonia dense tensors backed by
// []float64 in NCHW order. Layers never mutate their inputs, so a tensor
// produced by one network can be fed to another network more than once.
package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// New wraps data in a dense tensor of the given shape. The slice is not copied.
func New(data []float64, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros allocates a zero filled tensor.
func Zeros(shape ...int) *tensor.Dense {
	return New(make([]float64, volume(shape)), shape...)
}

// Values returns the backing slice of t.
func Values(t *tensor.Dense) []float64 {
	return t.Data().([]float64)
}

// Dims4 returns the NCHW extents of a 4-d tensor.
func Dims4(t *tensor.Dense) (n, c, h, w int) {
	s := t.Shape()
	if len(s) != 4 {
		panic(fmt.Sprintf("nn: expected a 4-d tensor, got shape %v", []int(s)))
	}
	return s[0], s[1], s[2], s[3]
}

// Full returns a vector of n copies of v.
func Full(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Mean returns the arithmetic mean of all elements of t.
func Mean(t *tensor.Dense) float64 {
	v := Values(t)
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(v) / float64(len(v))
}

// Normal draws a tensor of i.i.d. standard normal samples.
func Normal(rng *rand.Rand, shape ...int) *tensor.Dense {
	data := make([]float64, volume(shape))
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return New(data, shape...)
}

// Copy returns a deep copy of t.
func Copy(t *tensor.Dense) *tensor.Dense {
	v := Values(t)
	return New(append([]float64(nil), v...), append([]int(nil), t.Shape()...)...)
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
