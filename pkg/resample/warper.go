// Package resample applies the final section transforms to raw images,
// producing volume-aligned images on a common canvas.
package resample

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"histostack/internal/models"
	"histostack/pkg/geometry"
	"histostack/pkg/imaging"
)

// Kernel selects the interpolation used when warping.
type Kernel int

const (
	// Nearest keeps binary images binary (masks).
	Nearest Kernel = iota
	// Linear is used for downsampled previews.
	Linear
	// Cubic (Catmull-Rom) is used for full resolution output.
	Cubic
)

func (k Kernel) String() string {
	switch k {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

func (k Kernel) transformer() draw.Transformer {
	switch k {
	case Nearest:
		return draw.NearestNeighbor
	case Linear:
		return draw.BiLinear
	default:
		return draw.CatmullRom
	}
}

// Canvas is the level 0 image plane shared by every section of a volume.
type Canvas struct {
	Width  int
	Height int

	// Origin maps reference section pixels onto canvas pixels.
	Origin geometry.Affine
}

// NewCanvas sizes the canvas to the largest section enlarged by padding
// (a fraction) and centres the reference section on it.
func NewCanvas(sections []models.Section, reference int, padding float64) Canvas {
	var maxW, maxH, refW, refH int
	for _, s := range sections {
		maxW = max(maxW, s.Width)
		maxH = max(maxH, s.Height)
		if s.OrderIndex == reference {
			refW, refH = s.Width, s.Height
		}
	}

	c := Canvas{
		Width:  maxW + int(math.Round(float64(maxW)*padding)),
		Height: maxH + int(math.Round(float64(maxH)*padding)),
	}
	c.Origin = geometry.Translation(float64((c.Width-refW)/2), float64((c.Height-refH)/2))
	return c
}

// Scaled returns the canvas downsampled by an integer factor, matching the
// grid produced by imaging.Gray.Downsample.
func (c Canvas) Scaled(factor int) Canvas {
	if factor <= 1 {
		return c
	}
	f := float64(factor)
	o := (f - 1) / (2 * f)
	down := geometry.Affine{1 / f, 0, -o, 0, 1 / f, -o}
	return Canvas{
		Width:  (c.Width + factor - 1) / factor,
		Height: (c.Height + factor - 1) / factor,
		Origin: down.Mul(c.Origin),
	}
}

// Warper resamples sections onto one canvas. It holds no mutable state.
type Warper struct {
	canvas Canvas
}

// NewWarper creates a warper for canvas.
func NewWarper(canvas Canvas) *Warper {
	return &Warper{canvas: canvas}
}

// Canvas returns the level 0 canvas.
func (w *Warper) Canvas() Canvas {
	return w.canvas
}

// Aligned warps src at full resolution with the cubic kernel.
func (w *Warper) Aligned(src *imaging.Gray, t geometry.Affine) *imaging.Gray {
	return w.Warp(src, t, 1, Cubic)
}

// Preview warps src onto the canvas downsampled by factor with the linear
// kernel.
func (w *Warper) Preview(src *imaging.Gray, t geometry.Affine, factor int) *imaging.Gray {
	return w.Warp(src, t, factor, Linear)
}

// Warp maps src through t (raw pixels to reference pixels) onto the canvas
// downsampled by factor. Canvas pixels not covered by the source are 0. The
// result depends only on its inputs.
func (w *Warper) Warp(src *imaging.Gray, t geometry.Affine, factor int, kernel Kernel) *imaging.Gray {
	canvas := w.canvas.Scaled(factor)
	s2d := canvas.Origin.Mul(t)

	dst := image.NewGray16(image.Rect(0, 0, canvas.Width, canvas.Height))
	in := src.ToGray16()
	kernel.transformer().Transform(dst, toDraw(s2d), in, in.Bounds(), draw.Src, nil)

	return imaging.FromImage(dst)
}

// toDraw converts a transform with pixel centres on integer coordinates to
// the convention of x/image/draw, where pixel centres sit at +0.5.
func toDraw(a geometry.Affine) f64.Aff3 {
	m := geometry.Translation(0.5, 0.5).Mul(a).Mul(geometry.Translation(-0.5, -0.5))
	return f64.Aff3(m)
}
