package nn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Param is a trainable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := volume(shape)
	return &Param{
		Name:  name,
		Shape: shape,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Layer is one differentiable stage of a network. Forward caches whatever
// Backward needs; Backward adds parameter gradients into Param.Grad and
// returns the gradient with respect to the most recent Forward input.
type Layer interface {
	Forward(x *tensor.Dense) *tensor.Dense
	Backward(grad *tensor.Dense) *tensor.Dense
	Params() []*Param
}

// Sequential chains layers and exposes the capability set the training
// loop relies on: forward, backward, gradient reset and parameter access.
type Sequential struct {
	Name   string
	Device Device
	Layers []Layer
}

// NewSequential names every parameter "<index>.<param>" so checkpoints have
// stable keys.
func NewSequential(name string, device Device, layers ...Layer) *Sequential {
	for i, l := range layers {
		for _, p := range l.Params() {
			p.Name = fmt.Sprintf("%d.%s", i, p.Name)
		}
	}
	return &Sequential{Name: name, Device: device, Layers: layers}
}

func (s *Sequential) Forward(x *tensor.Dense) *tensor.Dense {
	for _, l := range s.Layers {
		x = l.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(grad *tensor.Dense) *tensor.Dense {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

// ZeroGrad clears every accumulated parameter gradient.
func (s *Sequential) ZeroGrad() {
	for _, p := range s.Params() {
		clear(p.Grad)
	}
}

func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

// NumParams counts scalar parameters.
func (s *Sequential) NumParams() int {
	n := 0
	for _, p := range s.Params() {
		n += len(p.Value)
	}
	return n
}
