package img

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
)

// DateField is the FITS header holding the observation time.
const DateField = "DATE-OBS"

var (
	ErrNoDate  = errors.New("observation date not found")
	ErrNoImage = errors.New("no 2-D image HDU")
)

var dateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Raw is the pixel data of the first 2-D image HDU, bottom row first.
type Raw struct {
	Width  int
	Height int
	Pix    []float64
}

// ObservationDate returns DATE-OBS from the first HDU that has it.
func ObservationDate(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	ff, err := fitsio.Open(f)
	if err != nil {
		return time.Time{}, fmt.Errorf("read fits: %w", err)
	}
	defer ff.Close()

	for _, hdu := range ff.HDUs() {
		card := hdu.Header().Get(DateField)
		if card == nil {
			continue
		}
		s, ok := card.Value.(string)
		if !ok {
			return time.Time{}, fmt.Errorf("%s is %T, not a string", DateField, card.Value)
		}
		return parseDate(s)
	}
	return time.Time{}, ErrNoDate
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s %q", DateField, s)
}

// ReadRaw decodes the first HDU carrying a 2-D image.
func ReadRaw(path string) (*Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ff, err := fitsio.Open(f)
	if err != nil {
		return nil, fmt.Errorf("read fits: %w", err)
	}
	defer ff.Close()

	for _, hdu := range ff.HDUs() {
		im, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := hdu.Header().Axes()
		if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		w, h := axes[0], axes[1]
		pix, err := readPixels(im, hdu.Header().Bitpix(), w*h)
		if err != nil {
			return nil, err
		}
		return &Raw{Width: w, Height: h, Pix: pix}, nil
	}
	return nil, ErrNoImage
}

func readPixels(im fitsio.Image, bitpix, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix {
	case 8:
		data := make([]uint8, n)
		if err := im.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data[:n] {
			out[i] = float64(v)
		}
	case 16:
		data := make([]int16, n)
		if err := im.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data[:n] {
			out[i] = float64(v)
		}
	case 32:
		data := make([]int32, n)
		if err := im.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data[:n] {
			out[i] = float64(v)
		}
	case 64:
		data := make([]int64, n)
		if err := im.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data[:n] {
			out[i] = float64(v)
		}
	case -32:
		data := make([]float32, n)
		if err := im.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data[:n] {
			out[i] = float64(v)
		}
	case -64:
		if err := im.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}
