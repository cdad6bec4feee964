package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// geometry describes a convolution over an n×c×h×w image producing an
// oh×ow grid of kernel windows.
type geometry struct {
	n, c, h, w          int
	kernel, stride, pad int
	oh, ow              int
}

func (g geometry) windows() int { return g.n * g.oh * g.ow }
func (g geometry) patch() int   { return g.c * g.kernel * g.kernel }

// im2col lays every kernel window out as one row; column order is
// (channel, ky, kx), matching the flattened weight layout.
func im2col(x []float64, g geometry) []float64 {
	patch := g.patch()
	cols := make([]float64, g.windows()*patch)
	for n := 0; n < g.n; n++ {
		for oy := 0; oy < g.oh; oy++ {
			for ox := 0; ox < g.ow; ox++ {
				row := ((n*g.oh+oy)*g.ow + ox) * patch
				for c := 0; c < g.c; c++ {
					plane := (n*g.c + c) * g.h
					for ky := 0; ky < g.kernel; ky++ {
						iy := oy*g.stride - g.pad + ky
						if iy < 0 || iy >= g.h {
							continue
						}
						for kx := 0; kx < g.kernel; kx++ {
							ix := ox*g.stride - g.pad + kx
							if ix < 0 || ix >= g.w {
								continue
							}
							cols[row+(c*g.kernel+ky)*g.kernel+kx] = x[(plane+iy)*g.w+ix]
						}
					}
				}
			}
		}
	}
	return cols
}

// col2im is the adjoint of im2col: it scatter-adds rows back into dst.
func col2im(cols []float64, g geometry, dst []float64) {
	patch := g.patch()
	for n := 0; n < g.n; n++ {
		for oy := 0; oy < g.oh; oy++ {
			for ox := 0; ox < g.ow; ox++ {
				row := ((n*g.oh+oy)*g.ow + ox) * patch
				for c := 0; c < g.c; c++ {
					plane := (n*g.c + c) * g.h
					for ky := 0; ky < g.kernel; ky++ {
						iy := oy*g.stride - g.pad + ky
						if iy < 0 || iy >= g.h {
							continue
						}
						for kx := 0; kx < g.kernel; kx++ {
							ix := ox*g.stride - g.pad + kx
							if ix < 0 || ix >= g.w {
								continue
							}
							dst[(plane+iy)*g.w+ix] += cols[row+(c*g.kernel+ky)*g.kernel+kx]
						}
					}
				}
			}
		}
	}
}

// toRows converts NCHW to a (n*h*w)×c row-per-pixel matrix.
func toRows(x []float64, n, c, h, w int) []float64 {
	out := make([]float64, len(x))
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for p := 0; p < h*w; p++ {
				out[(ni*h*w+p)*c+ci] = x[(ni*c+ci)*h*w+p]
			}
		}
	}
	return out
}

// fromRows is the inverse of toRows.
func fromRows(rows []float64, n, c, h, w int) []float64 {
	out := make([]float64, len(rows))
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for p := 0; p < h*w; p++ {
				out[(ni*c+ci)*h*w+p] = rows[(ni*h*w+p)*c+ci]
			}
		}
	}
	return out
}

func rawData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		out = append(out, raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols]...)
	}
	return out
}

// Conv2d is a bias-free 2-d convolution. Weight layout is out×in×k×k.
type Conv2d struct {
	In, Out, Kernel, Stride, Pad int
	Weight                       *Param

	geom geometry
	cols []float64
}

func NewConv2d(in, out, kernel, stride, pad int) *Conv2d {
	return &Conv2d{
		In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad,
		Weight: newParam("weight", out, in, kernel, kernel),
	}
}

func (c *Conv2d) Forward(x *tensor.Dense) *tensor.Dense {
	n, ch, h, w := Dims4(x)
	if ch != c.In {
		panic(fmt.Sprintf("nn: conv2d expects %d input channels, got %d", c.In, ch))
	}
	g := geometry{
		n: n, c: ch, h: h, w: w,
		kernel: c.Kernel, stride: c.Stride, pad: c.Pad,
		oh: (h+2*c.Pad-c.Kernel)/c.Stride + 1,
		ow: (w+2*c.Pad-c.Kernel)/c.Stride + 1,
	}
	c.geom = g
	c.cols = im2col(Values(x), g)

	var out mat.Dense
	out.Mul(
		mat.NewDense(g.windows(), g.patch(), c.cols),
		mat.NewDense(c.Out, g.patch(), c.Weight.Value).T(),
	)
	return New(fromRows(rawData(&out), n, c.Out, g.oh, g.ow), n, c.Out, g.oh, g.ow)
}

func (c *Conv2d) Backward(grad *tensor.Dense) *tensor.Dense {
	g := c.geom
	dy := mat.NewDense(g.windows(), c.Out, toRows(Values(grad), g.n, c.Out, g.oh, g.ow))

	var dw mat.Dense
	dw.Mul(dy.T(), mat.NewDense(g.windows(), g.patch(), c.cols))
	floats.Add(c.Weight.Grad, rawData(&dw))

	var dcols mat.Dense
	dcols.Mul(dy, mat.NewDense(c.Out, g.patch(), c.Weight.Value))
	dx := make([]float64, g.n*g.c*g.h*g.w)
	col2im(rawData(&dcols), g, dx)
	return New(dx, g.n, g.c, g.h, g.w)
}

func (c *Conv2d) Params() []*Param { return []*Param{c.Weight} }

// ConvTranspose2d is the adjoint of Conv2d, used by the generator to grow
// spatial resolution. Weight layout is in×out×k×k.
type ConvTranspose2d struct {
	In, Out, Kernel, Stride, Pad int
	Weight                       *Param

	geom geometry
	rows []float64
}

func NewConvTranspose2d(in, out, kernel, stride, pad int) *ConvTranspose2d {
	return &ConvTranspose2d{
		In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad,
		Weight: newParam("weight", in, out, kernel, kernel),
	}
}

func (c *ConvTranspose2d) Forward(x *tensor.Dense) *tensor.Dense {
	n, ch, h, w := Dims4(x)
	if ch != c.In {
		panic(fmt.Sprintf("nn: conv_transpose2d expects %d input channels, got %d", c.In, ch))
	}
	// the output image seen as the input of the equivalent convolution
	g := geometry{
		n: n, c: c.Out,
		h: (h-1)*c.Stride - 2*c.Pad + c.Kernel,
		w: (w-1)*c.Stride - 2*c.Pad + c.Kernel,
		kernel: c.Kernel, stride: c.Stride, pad: c.Pad,
		oh: h, ow: w,
	}
	c.geom = g
	c.rows = toRows(Values(x), n, ch, h, w)

	var cols mat.Dense
	cols.Mul(
		mat.NewDense(g.windows(), c.In, c.rows),
		mat.NewDense(c.In, g.patch(), c.Weight.Value),
	)
	y := make([]float64, g.n*g.c*g.h*g.w)
	col2im(rawData(&cols), g, y)
	return New(y, g.n, g.c, g.h, g.w)
}

func (c *ConvTranspose2d) Backward(grad *tensor.Dense) *tensor.Dense {
	g := c.geom
	dcols := mat.NewDense(g.windows(), g.patch(), im2col(Values(grad), g))

	var dw mat.Dense
	dw.Mul(mat.NewDense(g.windows(), c.In, c.rows).T(), dcols)
	floats.Add(c.Weight.Grad, rawData(&dw))

	var dx mat.Dense
	dx.Mul(dcols, mat.NewDense(c.In, g.patch(), c.Weight.Value).T())
	return New(fromRows(rawData(&dx), g.n, c.In, g.oh, g.ow), g.n, c.In, g.oh, g.ow)
}

func (c *ConvTranspose2d) Params() []*Param { return []*Param{c.Weight} }
