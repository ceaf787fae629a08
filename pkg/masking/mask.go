// Package masking separates tissue from slide background and scan artifacts.
//
// A mask is computed on a downsampled proxy of the raw section: the image is
// contrast stretched, thresholded (Otsu unless a fixed threshold is given),
// cleaned up morphologically and reduced to its primary connected region.
// The ratio of the primary region to all remaining foreground is reported as
// the mask confidence.
package masking

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"

	"gonum.org/v1/gonum/stat"

	"histostack/pkg/geometry"
	"histostack/pkg/imaging"
)

// ErrLowMaskConfidence is returned when the primary tissue region is too
// small a share of the detected foreground to trust.
var ErrLowMaskConfidence = errors.New("low mask confidence")

// Params controls mask generation.
type Params struct {
	// Downsample is the integer factor between raw pixels and mask pixels.
	Downsample int

	// Threshold in (0,1) overrides Otsu's threshold when non-zero.
	Threshold float64

	// Invert treats bright pixels as tissue.
	Invert bool

	CloseRadius     int
	CloseIterations int
	MinObjectArea   int
	MinConfidence   float64
}

// Mask is a binary tissue mask on the proxy grid.
type Mask struct {
	Width  int
	Height int

	// Pix holds 1 for tissue and 0 for background.
	Pix []uint8

	// Scale is the number of mask pixels per raw pixel.
	Scale float64

	// Confidence is area(primary region) / area(all foreground).
	Confidence float64

	Area     int
	Centroid geometry.Point
}

// Generator produces masks. It holds no state besides its parameters and is
// safe for concurrent use.
type Generator struct {
	params Params
}

// NewGenerator creates a mask generator.
func NewGenerator(params Params) *Generator {
	if params.Downsample < 1 {
		params.Downsample = 1
	}
	return &Generator{params: params}
}

// Generate computes the mask of a raw section image. When the confidence is
// below the configured minimum the mask is still returned together with an
// error wrapping ErrLowMaskConfidence.
func (g *Generator) Generate(raw *imaging.Gray) (*Mask, error) {
	if raw == nil || raw.Width == 0 || raw.Height == 0 {
		return nil, fmt.Errorf("masking: empty image")
	}

	proxy, err := raw.Downsample(g.params.Downsample)
	if err != nil {
		return nil, err
	}

	// Contrast stretch between the 1st and 99th percentile so the threshold
	// does not depend on scanner exposure.
	work := proxy.Stretch(proxy.Percentile(1), proxy.Percentile(99))
	if !g.params.Invert {
		// Brightfield: tissue absorbs light and is darker than the slide.
		work = work.Invert()
	}

	threshold := g.params.Threshold
	if threshold <= 0 {
		threshold = OtsuThreshold(work.Pix, 256)
	}

	w, h := work.Width, work.Height
	fg := make([]uint8, len(work.Pix))
	for i, v := range work.Pix {
		if v > threshold {
			fg[i] = 1
		}
	}

	fg = closing(fg, w, h, g.params.CloseRadius, g.params.CloseIterations)
	fg = fillHoles(fg, w, h)

	labels, comps := label(fg, w, h)
	total := 0
	keep := make(map[int]bool, len(comps))
	for _, c := range comps {
		if c.area >= g.params.MinObjectArea {
			keep[c.label] = true
			total += c.area
		}
	}

	primary := selectPrimary(comps, keep)

	m := &Mask{
		Width:  w,
		Height: h,
		Pix:    make([]uint8, w*h),
		Scale:  1 / float64(g.params.Downsample),
	}
	if primary != nil {
		for i, l := range labels {
			if l == primary.label {
				m.Pix[i] = 1
			}
		}
		m.Area = primary.area
		if total > 0 {
			m.Confidence = float64(primary.area) / float64(total)
		}
	}
	m.Centroid = m.centroid()

	if m.Confidence < g.params.MinConfidence {
		return m, fmt.Errorf("%w: %.3f < %.3f", ErrLowMaskConfidence, m.Confidence, g.params.MinConfidence)
	}
	return m, nil
}

// selectPrimary returns the largest kept component touching at most two
// image borders, falling back to the largest kept component.
func selectPrimary(comps []component, keep map[int]bool) *component {
	var best, fallback *component
	for i := range comps {
		c := &comps[i]
		if !keep[c.label] {
			continue
		}
		if fallback == nil || c.area > fallback.area {
			fallback = c
		}
		if c.borders <= 2 && (best == nil || c.area > best.area) {
			best = c
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

// OtsuThreshold returns the threshold in [0,1] maximising the between-class
// variance of values binned into the given number of bins.
func OtsuThreshold(values []float64, bins int) float64 {
	if len(values) == 0 || bins < 2 {
		return 0.5
	}

	hist := make([]float64, bins)
	for _, v := range values {
		b := int(v * float64(bins-1))
		b = max(0, min(bins-1, b))
		hist[b]++
	}

	centres := make([]float64, bins)
	for i := range centres {
		centres[i] = float64(i) / float64(bins-1)
	}

	total := float64(len(values))
	meanAll := stat.Mean(centres, hist)

	var wB, sumB, bestVar float64
	best := 0
	for i := 0; i < bins; i++ {
		wB += hist[i]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += centres[i] * hist[i]
		mB := sumB / wB
		mF := (meanAll*total - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			best = i
		}
	}

	// Threshold sits between bin best and the next bin.
	return (float64(best) + 0.5) / float64(bins-1)
}

func (m *Mask) centroid() geometry.Point {
	var sx, sy float64
	var n int
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Pix[y*m.Width+x] != 0 {
				sx += float64(x)
				sy += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return geometry.Point{X: float64(m.Width) / 2, Y: float64(m.Height) / 2}
	}
	return geometry.Point{X: sx / float64(n), Y: sy / float64(n)}
}

// ToGray returns the mask as a 0/1 float image.
func (m *Mask) ToGray() *imaging.Gray {
	g := imaging.NewGray(m.Width, m.Height)
	for i, v := range m.Pix {
		if v != 0 {
			g.Pix[i] = 1
		}
	}
	return g
}

// Apply zeroes every raw pixel whose proxy mask pixel is background. The raw
// image is not modified.
func (m *Mask) Apply(raw *imaging.Gray) *imaging.Gray {
	out := raw.Clone()
	for y := 0; y < raw.Height; y++ {
		my := int(math.Floor(float64(y) * m.Scale))
		for x := 0; x < raw.Width; x++ {
			mx := int(math.Floor(float64(x) * m.Scale))
			if mx >= m.Width || my >= m.Height || m.Pix[my*m.Width+mx] == 0 {
				out.Pix[y*raw.Width+x] = 0
			}
		}
	}
	return out
}

// Encode stores the mask as an 8-bit PNG (0 or 255).
func (m *Mask) Encode() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Pix {
		if v != 0 {
			img.Pix[i] = 255
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a mask written by Encode. Scale is not part of the encoding.
func Decode(data []byte, scale float64) (*Mask, error) {
	g, err := imaging.DecodeGray(data)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}

	m := &Mask{Width: g.Width, Height: g.Height, Pix: make([]uint8, len(g.Pix)), Scale: scale}
	for i, v := range g.Pix {
		if v >= 0.5 {
			m.Pix[i] = 1
			m.Area++
		}
	}
	m.Confidence = 1
	m.Centroid = m.centroid()
	return m, nil
}
