package trainer

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
	"gorgonia.org/tensor"

	"dcgan-sagemaker/internal/nn"
)

const gridPadding = 2

// SaveGrid tiles a [N, C, S, S] batch of generator outputs in [-1, 1] into a
// near-square PNG grid at path. C must be 1 or 3.
func SaveGrid(path string, images *tensor.Dense) error {
	img, err := Grid(images)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create sample grid: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode sample grid: %w", err)
	}
	return f.Close()
}

// Grid renders a batch as one image with gridPadding pixels between tiles.
func Grid(images *tensor.Dense) (*image.RGBA, error) {
	n, c, h, w := nn.Dims4(images)
	if c != 1 && c != 3 {
		return nil, fmt.Errorf("sample grid: unsupported channel count %d", c)
	}
	if n == 0 {
		return nil, fmt.Errorf("sample grid: empty batch")
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	canvas := image.NewRGBA(image.Rect(0, 0, cols*(w+gridPadding)+gridPadding, rows*(h+gridPadding)+gridPadding))

	data := nn.Values(images)
	plane := h * w
	tile := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < n; i++ {
		sample := data[i*c*plane : (i+1)*c*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				r := toByte(sample[p])
				g, b := r, r
				if c == 3 {
					g, b = toByte(sample[plane+p]), toByte(sample[2*plane+p])
				}
				tile.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
		x0 := gridPadding + (i%cols)*(w+gridPadding)
		y0 := gridPadding + (i/cols)*(h+gridPadding)
		draw.Draw(canvas, image.Rect(x0, y0, x0+w, y0+h), tile, image.Point{}, draw.Src)
	}
	return canvas, nil
}

func toByte(v float64) uint8 {
	v = (v + 1) / 2 * 255
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
