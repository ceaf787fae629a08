package resample

import (
	"bytes"
	"math"
	"testing"

	"histostack/internal/models"
	"histostack/pkg/geometry"
	"histostack/pkg/imaging"
)

func gradient(w, h int) *imaging.Gray {
	g := imaging.NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.Set(x, y, float64(x+2*y)/float64(w+2*h))
		}
	}
	return g
}

// TestNewCanvas centres the reference section
func TestNewCanvas(t *testing.T) {
	secs := []models.Section{
		{OrderIndex: 0, Width: 100, Height: 80},
		{OrderIndex: 1, Width: 60, Height: 40},
	}

	c := NewCanvas(secs, 1, 0.1)
	if c.Width != 110 || c.Height != 88 {
		t.Fatalf("Expected 110x88 canvas, got %dx%d", c.Width, c.Height)
	}
	if !c.Origin.Equal(geometry.Translation(25, 24), 0) {
		t.Errorf("Expected origin (25,24), got %v", c.Origin)
	}
}

// TestWarpIntegerShift moves pixels by whole pixels without blurring
func TestWarpIntegerShift(t *testing.T) {
	src := gradient(20, 10)
	w := NewWarper(Canvas{Width: 30, Height: 20, Origin: geometry.Identity()})

	for _, k := range []Kernel{Nearest, Linear, Cubic} {
		out := w.Warp(src, geometry.Translation(3, 2), 1, k)
		for y := 0; y < 10; y++ {
			for x := 0; x < 20; x++ {
				if d := math.Abs(out.At(x+3, y+2) - src.At(x, y)); d > 1e-4 {
					t.Fatalf("%s: pixel (%d,%d) off by %g", k, x, y, d)
				}
			}
		}
		if out.At(0, 0) != 0 || out.At(29, 19) != 0 {
			t.Errorf("%s: expected uncovered canvas to stay 0", k)
		}
	}
}

// TestWarpDeterministic produces byte-identical encodings on re-runs
func TestWarpDeterministic(t *testing.T) {
	src := gradient(64, 48)
	w := NewWarper(Canvas{Width: 80, Height: 80, Origin: geometry.Translation(8, 16)})
	tr := geometry.RigidAbout(0.07, 32, 24, 1.3, -2.6)

	a, err := imaging.EncodePNG16(w.Aligned(src, tr))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := imaging.EncodePNG16(w.Aligned(src, tr))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Expected identical output for identical input")
	}
}

// TestPreviewGrid matches the downsampled canvas
func TestPreviewGrid(t *testing.T) {
	src := imaging.NewGray(40, 40)
	for i := range src.Pix {
		src.Pix[i] = 0.5
	}
	w := NewWarper(Canvas{Width: 64, Height: 48, Origin: geometry.Translation(12, 4)})

	p := w.Preview(src, geometry.Identity(), 4)
	if p.Width != 16 || p.Height != 12 {
		t.Fatalf("Expected 16x12 preview, got %dx%d", p.Width, p.Height)
	}
	// Canvas pixels 12..51 hold the section: preview pixel 7 (28..31) is inside.
	if math.Abs(p.At(7, 5)-0.5) > 1e-3 {
		t.Errorf("Expected section intensity inside preview, got %f", p.At(7, 5))
	}
	if p.At(0, 0) != 0 {
		t.Errorf("Expected empty preview corner, got %f", p.At(0, 0))
	}
}

// TestCanvasScaled agrees with the box downsample grid
func TestCanvasScaled(t *testing.T) {
	c := Canvas{Width: 10, Height: 7, Origin: geometry.Identity()}
	s := c.Scaled(2)
	if s.Width != 5 || s.Height != 4 {
		t.Fatalf("Expected 5x4, got %dx%d", s.Width, s.Height)
	}
	// Canvas pixel 2.5 is the centre of scaled pixel 1 (canvas 2..3).
	x, y := s.Origin.Apply(2.5, 2.5)
	if math.Abs(x-1) > 1e-12 || math.Abs(y-1) > 1e-12 {
		t.Errorf("Expected (1,1), got (%f,%f)", x, y)
	}
}
