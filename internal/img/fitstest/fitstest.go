// Package fitstest writes small FITS files for tests.
package fitstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"testing"
)

const block = 2880

// Image describes a single-HDU 16-bit FITS file.
type Image struct {
	Width, Height int
	// DateObs is written as DATE-OBS when non-empty.
	DateObs string
	// Pix holds Width*Height values, bottom row first. Nil means a gradient.
	Pix []int16
}

// Encode returns the FITS bytes for img.
func Encode(img Image) []byte {
	var hdr bytes.Buffer
	card := func(s string) { fmt.Fprintf(&hdr, "%-80s", s) }
	card(fmt.Sprintf("%-8s= %20s", "SIMPLE", "T"))
	card(fmt.Sprintf("%-8s= %20d", "BITPIX", 16))
	card(fmt.Sprintf("%-8s= %20d", "NAXIS", 2))
	card(fmt.Sprintf("%-8s= %20d", "NAXIS1", img.Width))
	card(fmt.Sprintf("%-8s= %20d", "NAXIS2", img.Height))
	if img.DateObs != "" {
		card(fmt.Sprintf("%-8s= '%s'", "DATE-OBS", img.DateObs))
	}
	card("END")
	pad(&hdr, ' ')

	pix := img.Pix
	if pix == nil {
		pix = make([]int16, img.Width*img.Height)
		for i := range pix {
			pix[i] = int16(i % 1000)
		}
	}
	var data bytes.Buffer
	_ = binary.Write(&data, binary.BigEndian, pix)
	pad(&data, 0)
	return append(hdr.Bytes(), data.Bytes()...)
}

func pad(b *bytes.Buffer, c byte) {
	if r := b.Len() % block; r != 0 {
		b.Write(bytes.Repeat([]byte{c}, block-r))
	}
}

// WriteFile writes img to path and fails the test on error.
func WriteFile(t testing.TB, path string, img Image) {
	t.Helper()
	if err := os.WriteFile(path, Encode(img), 0o644); err != nil {
		t.Fatalf("write fits %s: %v", path, err)
	}
}
