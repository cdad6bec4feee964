package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Transform decodes an image, resizes its shorter side to size, center crops
// it to size×size and returns CHW pixels normalized to [-1, 1].
// channels must be 1 (luma) or 3 (RGB).
func Transform(raw []byte, size, channels int) ([]float64, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("transform: unsupported channel count %d", channels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}

	rw, rh := size, size
	if width < height {
		rh = height * size / width
	} else {
		rw = width * size / height
	}
	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)

	x0, y0 := (rw-size)/2, (rh-size)/2
	plane := size * size
	out := make([]float64, channels*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := resized.RGBAAt(x0+x, y0+y)
			r, g, b := float64(c.R)/255, float64(c.G)/255, float64(c.B)/255
			i := y*size + x
			if channels == 1 {
				out[i] = normalize(0.299*r + 0.587*g + 0.114*b)
				continue
			}
			out[i] = normalize(r)
			out[plane+i] = normalize(g)
			out[2*plane+i] = normalize(b)
		}
	}
	return out, nil
}

// normalize maps [0,1] to [-1,1] with mean 0.5 and std 0.5.
func normalize(v float64) float64 {
	return (v - 0.5) / 0.5
}
