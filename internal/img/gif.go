package img

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"math"
	"os"
)

var grayPalette = func() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}()

type GIFRenderer struct{}

func (GIFRenderer) Format() string { return "gif" }

func (GIFRenderer) Render(ctx context.Context, frames []*image.Gray, fps float64, dst string) error {
	if fps <= 0 {
		return fmt.Errorf("fps must be positive (got %v)", fps)
	}
	if err := sameSize(frames); err != nil {
		return err
	}
	delay := int(math.Round(100 / fps))
	if delay < 1 {
		delay = 1
	}
	anim := &gif.GIF{LoopCount: 0}
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := f.Bounds()
		p := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), grayPalette)
		for y := 0; y < b.Dy(); y++ {
			copy(p.Pix[y*p.Stride:y*p.Stride+b.Dx()], f.Pix[y*f.Stride:y*f.Stride+b.Dx()])
		}
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, delay)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if err := gif.EncodeAll(out, anim); err != nil {
		out.Close()
		return fmt.Errorf("encode gif: %w", err)
	}
	return out.Close()
}
