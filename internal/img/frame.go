// internal/img/frame.go
package img

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// Percentiles clipped by the default stretch.
const (
	LowPercentile  = 0.25
	HighPercentile = 99.75
)

// Stretch maps raw pixel values linearly from the [lo, hi] percentiles onto
// 0..255. Rows are flipped so north is up as in FITS viewers.
func Stretch(raw *Raw, lo, hi float64) (*image.Gray, error) {
	if raw == nil || raw.Width <= 0 || raw.Height <= 0 || len(raw.Pix) < raw.Width*raw.Height {
		return nil, fmt.Errorf("stretch: bad image dimensions")
	}
	low, high := percentileRange(raw.Pix, lo, hi)
	scale := 0.0
	if high > low {
		scale = 255 / (high - low)
	}
	out := image.NewGray(image.Rect(0, 0, raw.Width, raw.Height))
	for y := 0; y < raw.Height; y++ {
		row := raw.Pix[(raw.Height-1-y)*raw.Width : (raw.Height-y)*raw.Width]
		for x, v := range row {
			out.Pix[y*out.Stride+x] = clamp((v - low) * scale)
		}
	}
	return out, nil
}

// Frame turns raw FITS pixels into a grayscale frame fitting in size x size.
func Frame(raw *Raw, size int) (*image.Gray, error) {
	g, err := Stretch(raw, LowPercentile, HighPercentile)
	if err != nil {
		return nil, err
	}
	if size <= 0 || (g.Bounds().Dx() <= size && g.Bounds().Dy() <= size) {
		return g, nil
	}
	return toGray(imaging.Fit(g, size, size, imaging.Lanczos)), nil
}

// toGray copies one channel of a gray NRGBA image.
func toGray(src *image.NRGBA) *image.Gray {
	b := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = src.Pix[y*src.Stride+x*4]
		}
	}
	return out
}

func percentileRange(pix []float64, lo, hi float64) (float64, float64) {
	vals := make([]float64, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, 0
	}
	sort.Float64s(vals)
	at := func(p float64) float64 {
		i := int(math.Round(p / 100 * float64(len(vals)-1)))
		return vals[i]
	}
	return at(lo), at(hi)
}

func clamp(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
