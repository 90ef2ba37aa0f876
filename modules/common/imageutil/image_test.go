package imageutil

import (
	"image"
	"image/color"
	"testing"
)

func TestThresholdMidpointCut(t *testing.T) {
	// Setup: left half dark, right half bright
	src := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		src.SetNRGBA(0, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		src.SetNRGBA(1, y, color.NRGBA{R: 100, G: 120, B: 140, A: 255}) // mean 120, below 128
		src.SetNRGBA(2, y, color.NRGBA{R: 120, G: 130, B: 140, A: 255}) // mean 130, above
		src.SetNRGBA(3, y, color.NRGBA{R: 250, G: 250, B: 250, A: 255})
	}

	// Execution
	out := Threshold(src)

	// Assertions
	wantBlack := []int{0, 1}
	wantWhite := []int{2, 3}
	for _, x := range wantBlack {
		c := out.NRGBAAt(x, 0)
		if c.R != 0 || c.G != 0 || c.B != 0 {
			t.Errorf("Expected pixel %d to be black, got %+v", x, c)
		}
	}
	for _, x := range wantWhite {
		c := out.NRGBAAt(x, 0)
		if c.R != 255 || c.G != 255 || c.B != 255 {
			t.Errorf("Expected pixel %d to be white, got %+v", x, c)
		}
	}
}

func TestThresholdUsesStraightAlphaLuminance(t *testing.T) {
	// Setup: a bright but semi-transparent pixel. Premultiplied channels would
	// read it as dark gray and cut it to black; straight alpha keeps it white.
	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 200, B: 200, A: 128})

	// Execution
	out := Threshold(src)

	// Assertions
	c := out.NRGBAAt(0, 0)
	if c.R != 255 || c.G != 255 || c.B != 255 {
		t.Errorf("Expected bright translucent pixel to cut white, got %+v", c)
	}
}

func TestThresholdPreservesAlpha(t *testing.T) {
	// Setup
	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 200, B: 200, A: 128})

	// Execution
	out := Threshold(src)

	// Assertions
	if a := out.NRGBAAt(0, 0).A; a != 128 {
		t.Errorf("Expected alpha 128 to survive the cut, got %d", a)
	}
}
