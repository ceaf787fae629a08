package alignment

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D performs a 2D Fast Fourier Transform on a width x height row-major
// image: a complex FFT over every row followed by one over every column.
// With inverse set it computes the unnormalised inverse transform instead.
func fft2D(data []complex128, width, height int, inverse bool) []complex128 {
	rowFFT := fourier.NewCmplxFFT(width)
	colFFT := fourier.NewCmplxFFT(height)

	result := make([]complex128, width*height)
	copy(result, data)

	// Perform row-wise FFT in place
	for y := 0; y < height; y++ {
		row := result[y*width : (y+1)*width]
		if inverse {
			rowFFT.Sequence(row, row)
		} else {
			rowFFT.Coefficients(row, row)
		}
	}

	// Column-wise FFT through a scratch column
	col := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			col[y] = result[y*width+x]
		}
		if inverse {
			colFFT.Sequence(col, col)
		} else {
			colFFT.Coefficients(col, col)
		}
		for y := 0; y < height; y++ {
			result[y*width+x] = col[y]
		}
	}

	return result
}

// phaseCorrelate returns the shift (dx, dy) that moves img onto ref, both
// width x height real images. The peak of the normalised cross-power
// spectrum is refined to sub-pixel precision with a parabola per axis.
func phaseCorrelate(ref, img []float64, width, height int) (float64, float64) {
	a := make([]complex128, len(ref))
	b := make([]complex128, len(img))
	for i := range ref {
		a[i] = complex(ref[i], 0)
		b[i] = complex(img[i], 0)
	}

	fa := fft2D(a, width, height, false)
	fb := fft2D(b, width, height, false)

	cross := make([]complex128, len(fa))
	for i := range fa {
		c := fa[i] * cmplx.Conj(fb[i])
		if m := cmplx.Abs(c); m > 1e-12 {
			cross[i] = c / complex(m, 0)
		}
	}

	surface := fft2D(cross, width, height, true)

	best, bx, by := math.Inf(-1), 0, 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if v := real(surface[y*width+x]); v > best {
				best, bx, by = v, x, y
			}
		}
	}

	at := func(x, y int) float64 {
		x = (x + width) % width
		y = (y + height) % height
		return real(surface[y*width+x])
	}

	dx := float64(bx) + parabolicPeak(at(bx-1, by), best, at(bx+1, by))
	dy := float64(by) + parabolicPeak(at(bx, by-1), best, at(bx, by+1))

	// Peaks past the midpoint are negative shifts.
	if dx > float64(width)/2 {
		dx -= float64(width)
	}
	if dy > float64(height)/2 {
		dy -= float64(height)
	}
	return dx, dy
}

// parabolicPeak returns the offset in [-0.5, 0.5] of the vertex of the
// parabola through (-1, l), (0, c), (1, r).
func parabolicPeak(l, c, r float64) float64 {
	den := l - 2*c + r
	if den >= 0 {
		return 0
	}
	off := 0.5 * (l - r) / den
	return math.Max(-0.5, math.Min(0.5, off))
}
