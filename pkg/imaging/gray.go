// Package imaging holds the single-channel raster used by every stage and the
// conversions between it and the standard image types.
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
)

// Gray is a single-channel image with intensities in [0, 1], stored row-major.
type Gray struct {
	Width  int
	Height int
	Pix    []float64
}

// NewGray allocates a zeroed width x height image.
func NewGray(width, height int) *Gray {
	return &Gray{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// At returns the intensity at (x, y), or 0 outside the image.
func (g *Gray) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return 0
	}
	return g.Pix[y*g.Width+x]
}

// Set stores v at (x, y). Out of range writes are ignored.
func (g *Gray) Set(x, y int, v float64) {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return
	}
	g.Pix[y*g.Width+x] = v
}

// Clone returns a deep copy.
func (g *Gray) Clone() *Gray {
	out := &Gray{Width: g.Width, Height: g.Height, Pix: make([]float64, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// Bilinear samples the image at a fractional location, treating everything
// outside the image as 0.
func (g *Gray) Bilinear(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := g.At(x0, y0)
	v10 := g.At(x0+1, y0)
	v01 := g.At(x0, y0+1)
	v11 := g.At(x0+1, y0+1)

	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy
}

// FromImage converts any image to luminance in [0, 1].
func FromImage(img image.Image) *Gray {
	b := img.Bounds()
	out := NewGray(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535.0
			}
		}
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255.0
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				c := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Pix[y*out.Width+x] = float64(c.Y) / 65535.0
			}
		}
	}

	return out
}

// ToGray16 quantises the image to 16 bits, rounding to nearest.
func (g *Gray) ToGray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: Quantize16(g.Pix[y*g.Width+x])})
		}
	}
	return img
}

// ToGray8 quantises the image to 8 bits, rounding to nearest.
func (g *Gray) ToGray8() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for i, v := range g.Pix {
		img.Pix[i] = uint8(math.Round(clamp01(v) * 255))
	}
	return img
}

// Quantize16 maps an intensity in [0, 1] onto the uint16 range.
func Quantize16(v float64) uint16 {
	return uint16(math.Round(clamp01(v) * 65535))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Downsample shrinks the image by an integer factor using a box mean. The
// output is ceil(w/factor) x ceil(h/factor); edge boxes average the pixels
// they actually cover.
func (g *Gray) Downsample(factor int) (*Gray, error) {
	if factor < 1 {
		return nil, fmt.Errorf("imaging: invalid downsample factor %d", factor)
	}
	if factor == 1 {
		return g.Clone(), nil
	}

	w := (g.Width + factor - 1) / factor
	h := (g.Height + factor - 1) / factor
	out := NewGray(w, h)

	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			var sum float64
			var n int
			for y := oy * factor; y < min((oy+1)*factor, g.Height); y++ {
				row := y * g.Width
				for x := ox * factor; x < min((ox+1)*factor, g.Width); x++ {
					sum += g.Pix[row+x]
					n++
				}
			}
			out.Pix[oy*w+ox] = sum / float64(n)
		}
	}

	return out, nil
}

// Percentile returns the p-th percentile (0..100) of the intensities.
func (g *Gray) Percentile(p float64) float64 {
	if len(g.Pix) == 0 {
		return 0
	}
	sorted := make([]float64, len(g.Pix))
	copy(sorted, g.Pix)
	sort.Float64s(sorted)

	idx := int(math.Round(p / 100 * float64(len(sorted)-1)))
	idx = max(0, min(len(sorted)-1, idx))
	return sorted[idx]
}

// Stretch linearly maps [lo, hi] onto [0, 1] and clamps.
func (g *Gray) Stretch(lo, hi float64) *Gray {
	out := NewGray(g.Width, g.Height)
	span := hi - lo
	if span <= 0 {
		copy(out.Pix, g.Pix)
		return out
	}
	for i, v := range g.Pix {
		out.Pix[i] = clamp01((v - lo) / span)
	}
	return out
}

// Invert returns 1 - v for every pixel.
func (g *Gray) Invert() *Gray {
	out := NewGray(g.Width, g.Height)
	for i, v := range g.Pix {
		out.Pix[i] = 1 - v
	}
	return out
}

// Blur applies a separable Gaussian filter with the given standard deviation
// in pixels. Pixels outside the image count as 0.
func (g *Gray) Blur(sigma float64) *Gray {
	if sigma <= 0 {
		return g.Clone()
	}

	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := NewGray(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var v float64
			for k, w := range kernel {
				v += w * g.At(x+k-radius, y)
			}
			tmp.Pix[y*g.Width+x] = v
		}
	}

	out := NewGray(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var v float64
			for k, w := range kernel {
				v += w * tmp.At(x, y+k-radius)
			}
			out.Pix[y*g.Width+x] = v
		}
	}
	return out
}
