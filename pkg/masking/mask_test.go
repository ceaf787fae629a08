package masking

import (
	"errors"
	"math"
	"testing"

	"histostack/pkg/imaging"
)

func testParams() Params {
	return Params{
		Downsample:      4,
		CloseRadius:     1,
		CloseIterations: 1,
		MinObjectArea:   4,
		MinConfidence:   0.6,
	}
}

// brightfield draws dark discs on a bright slide.
func brightfield(w, h int, discs ...[3]float64) *imaging.Gray {
	img := imaging.NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 0.9
			for _, d := range discs {
				if math.Hypot(float64(x)-d[0], float64(y)-d[1]) <= d[2] {
					v = 0.3
				}
			}
			img.Pix[y*w+x] = v
		}
	}
	return img
}

// TestGenerateSingleSection checks a clean section yields full confidence
func TestGenerateSingleSection(t *testing.T) {
	g := NewGenerator(testParams())
	img := brightfield(256, 192, [3]float64{128, 96, 60})

	m, err := g.Generate(img)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if m.Width != 64 || m.Height != 48 {
		t.Errorf("Expected 64x48 proxy mask, got %dx%d", m.Width, m.Height)
	}
	if m.Confidence != 1 {
		t.Errorf("Expected confidence 1, got %f", m.Confidence)
	}
	if m.Scale != 0.25 {
		t.Errorf("Expected scale 0.25, got %f", m.Scale)
	}

	// Disc of radius 15 proxy pixels.
	want := math.Pi * 15 * 15
	if math.Abs(float64(m.Area)-want)/want > 0.15 {
		t.Errorf("Expected area near %.0f, got %d", want, m.Area)
	}
	if math.Abs(m.Centroid.X-32) > 1 || math.Abs(m.Centroid.Y-24) > 1 {
		t.Errorf("Expected centroid near (32,24), got %+v", m.Centroid)
	}
}

// TestGenerateKeepsLargestRegion drops debris and reports partial confidence
func TestGenerateKeepsLargestRegion(t *testing.T) {
	g := NewGenerator(testParams())
	img := brightfield(256, 256,
		[3]float64{100, 128, 60},
		[3]float64{220, 40, 14},
	)

	m, err := g.Generate(img)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if m.Confidence >= 1 || m.Confidence < 0.85 {
		t.Errorf("Expected confidence in [0.85, 1), got %f", m.Confidence)
	}
	// Debris centre must be background.
	if m.Pix[10*m.Width+55] != 0 {
		t.Error("Expected debris to be excluded from the mask")
	}
	if m.Pix[32*m.Width+25] != 1 {
		t.Error("Expected tissue centre to be in the mask")
	}
}

// TestGenerateLowConfidence returns the mask together with the sentinel error
func TestGenerateLowConfidence(t *testing.T) {
	g := NewGenerator(testParams())
	img := brightfield(256, 256,
		[3]float64{70, 128, 40},
		[3]float64{186, 128, 40},
	)

	m, err := g.Generate(img)
	if !errors.Is(err, ErrLowMaskConfidence) {
		t.Fatalf("Expected ErrLowMaskConfidence, got %v", err)
	}
	if m == nil {
		t.Fatal("Expected mask alongside low confidence error")
	}
	if math.Abs(m.Confidence-0.5) > 0.05 {
		t.Errorf("Expected confidence near 0.5, got %f", m.Confidence)
	}
}

// TestFillHoles closes a ring into a solid disc
func TestFillHoles(t *testing.T) {
	w, h := 9, 9
	pix := make([]uint8, w*h)
	for y := 2; y <= 6; y++ {
		for x := 2; x <= 6; x++ {
			if x == 2 || x == 6 || y == 2 || y == 6 {
				pix[y*w+x] = 1
			}
		}
	}

	out := fillHoles(pix, w, h)
	if out[4*w+4] != 1 {
		t.Error("Expected hole to be filled")
	}
	if out[0] != 0 || out[8*w+8] != 0 {
		t.Error("Expected outside background to stay background")
	}
}

// TestClosingBridgesGap joins two blocks separated by one pixel
func TestClosingBridgesGap(t *testing.T) {
	w, h := 12, 5
	pix := make([]uint8, w*h)
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 4; x++ {
			pix[y*w+x] = 1
		}
		for x := 6; x <= 9; x++ {
			pix[y*w+x] = 1
		}
	}

	out := closing(pix, w, h, 1, 1)
	if out[2*w+5] != 1 {
		t.Error("Expected gap to be bridged")
	}
	_, comps := label(out, w, h)
	if len(comps) != 1 {
		t.Errorf("Expected one component, got %d", len(comps))
	}
}

// TestOtsuThreshold separates a bimodal sample
func TestOtsuThreshold(t *testing.T) {
	values := make([]float64, 0, 200)
	for i := 0; i < 100; i++ {
		values = append(values, 0.2, 0.8)
	}
	th := OtsuThreshold(values, 256)
	if th <= 0.2 || th >= 0.8 {
		t.Errorf("Expected threshold between modes, got %f", th)
	}
}

// TestEncodeDecode preserves mask pixels
func TestEncodeDecode(t *testing.T) {
	g := NewGenerator(testParams())
	m, err := g.Generate(brightfield(128, 128, [3]float64{64, 64, 30}))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := Decode(data, m.Scale)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if back.Area != m.Area {
		t.Errorf("Expected area %d, got %d", m.Area, back.Area)
	}
	for i := range m.Pix {
		if m.Pix[i] != back.Pix[i] {
			t.Fatalf("Pixel %d differs after round trip", i)
		}
	}
}

// TestApply zeroes background pixels of the raw image
func TestApply(t *testing.T) {
	m := &Mask{Width: 2, Height: 1, Pix: []uint8{1, 0}, Scale: 0.5}
	raw := imaging.NewGray(4, 2)
	for i := range raw.Pix {
		raw.Pix[i] = 0.7
	}

	out := m.Apply(raw)
	if out.At(1, 1) != 0.7 {
		t.Errorf("Expected tissue pixel kept, got %f", out.At(1, 1))
	}
	if out.At(2, 0) != 0 || out.At(3, 1) != 0 {
		t.Error("Expected background pixels zeroed")
	}
	if raw.At(3, 1) != 0.7 {
		t.Error("Apply must not modify its input")
	}
}
