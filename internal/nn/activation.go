package nn

import (
	"math"

	"gorgonia.org/tensor"
)

// elementwise applies f to every element and keeps what Backward needs.
type elementwise struct {
	in, out []float64
	shape   []int
}

func (e *elementwise) forward(x *tensor.Dense, f func(float64) float64) *tensor.Dense {
	e.in = Values(x)
	e.shape = append([]int(nil), x.Shape()...)
	e.out = make([]float64, len(e.in))
	for i, v := range e.in {
		e.out[i] = f(v)
	}
	return New(e.out, append([]int(nil), e.shape...)...)
}

// backward multiplies the incoming gradient by d(i), the local derivative
// at element i.
func (e *elementwise) backward(grad *tensor.Dense, d func(i int) float64) *tensor.Dense {
	dy := Values(grad)
	dx := make([]float64, len(dy))
	for i, g := range dy {
		dx[i] = g * d(i)
	}
	return New(dx, append([]int(nil), e.shape...)...)
}

type ReLU struct{ elementwise }

func (r *ReLU) Forward(x *tensor.Dense) *tensor.Dense {
	return r.forward(x, func(v float64) float64 { return math.Max(v, 0) })
}

func (r *ReLU) Backward(grad *tensor.Dense) *tensor.Dense {
	return r.backward(grad, func(i int) float64 {
		if r.in[i] > 0 {
			return 1
		}
		return 0
	})
}

func (r *ReLU) Params() []*Param { return nil }

type LeakyReLU struct {
	Slope float64
	elementwise
}

func (l *LeakyReLU) Forward(x *tensor.Dense) *tensor.Dense {
	return l.forward(x, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return l.Slope * v
	})
}

func (l *LeakyReLU) Backward(grad *tensor.Dense) *tensor.Dense {
	return l.backward(grad, func(i int) float64 {
		if l.in[i] > 0 {
			return 1
		}
		return l.Slope
	})
}

func (l *LeakyReLU) Params() []*Param { return nil }

type Tanh struct{ elementwise }

func (t *Tanh) Forward(x *tensor.Dense) *tensor.Dense {
	return t.forward(x, math.Tanh)
}

func (t *Tanh) Backward(grad *tensor.Dense) *tensor.Dense {
	return t.backward(grad, func(i int) float64 { return 1 - t.out[i]*t.out[i] })
}

func (t *Tanh) Params() []*Param { return nil }

type Sigmoid struct{ elementwise }

func (s *Sigmoid) Forward(x *tensor.Dense) *tensor.Dense {
	return s.forward(x, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
}

func (s *Sigmoid) Backward(grad *tensor.Dense) *tensor.Dense {
	return s.backward(grad, func(i int) float64 { return s.out[i] * (1 - s.out[i]) })
}

func (s *Sigmoid) Params() []*Param { return nil }
