// Package quality measures how well consecutive aligned sections agree.
// Neighbouring sections of a well aligned stack look alike, so similarity
// between them is a proxy for alignment quality when no ground truth exists.
package quality

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"histostack/pkg/imaging"
)

// Metrics compares two images of the same canvas.
type Metrics struct {
	// MI is the histogram mutual information in bits. Higher is better.
	MI float64

	// EntropyDiff is the absolute difference of the Shannon entropies.
	EntropyDiff float64

	// RMSE is the root mean square intensity difference, in [0,1].
	RMSE float64

	// SSIM is the global structural similarity, in [-1,1].
	SSIM float64

	// Overlap is the fraction of pixels that are foreground in both images
	// relative to those foreground in either.
	Overlap float64
}

// Bins is the histogram resolution of MI and entropy.
const Bins = 64

// Compare computes the metrics of a against b. Pixels that are background
// (zero) in both images are ignored, so the empty canvas margin does not
// inflate the similarity.
func Compare(a, b *imaging.Gray) (Metrics, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return Metrics{}, fmt.Errorf("quality: size mismatch %dx%d vs %dx%d", a.Width, a.Height, b.Width, b.Height)
	}

	var x, y []float64
	either, both := 0, 0
	for i := range a.Pix {
		va, vb := a.Pix[i], b.Pix[i]
		if va == 0 && vb == 0 {
			continue
		}
		either++
		if va != 0 && vb != 0 {
			both++
		}
		x = append(x, va)
		y = append(y, vb)
	}

	var m Metrics
	if either == 0 {
		return m, nil
	}
	m.Overlap = float64(both) / float64(either)
	m.RMSE = rmse(x, y)
	m.SSIM = ssim(x, y)
	m.MI = mutualInformation(x, y)
	m.EntropyDiff = math.Abs(entropy(x) - entropy(y))
	return m, nil
}

func rmse(x, y []float64) float64 {
	mse := 0.0
	for i := range x {
		d := x[i] - y[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(x)))
}

func ssim(x, y []float64) float64 {
	// Dynamic range is 1.
	const k1, k2 = 0.01, 0.03
	c1, c2 := k1*k1, k2*k2

	if len(x) < 2 {
		return 1
	}
	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

func bin(v float64) int {
	i := int(v * Bins)
	if i >= Bins {
		i = Bins - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func entropy(x []float64) float64 {
	hist := make([]float64, Bins)
	for _, v := range x {
		hist[bin(v)]++
	}
	return histEntropy(hist, float64(len(x)))
}

func histEntropy(hist []float64, n float64) float64 {
	h := 0.0
	for _, c := range hist {
		if c > 0 {
			p := c / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

// mutualInformation is H(X) + H(Y) - H(X,Y) over a joint histogram.
func mutualInformation(x, y []float64) float64 {
	n := float64(len(x))
	hx := make([]float64, Bins)
	hy := make([]float64, Bins)
	joint := make([]float64, Bins*Bins)
	for i := range x {
		bx, by := bin(x[i]), bin(y[i])
		hx[bx]++
		hy[by]++
		joint[bx*Bins+by]++
	}
	return histEntropy(hx, n) + histEntropy(hy, n) - histEntropy(joint, n)
}

// Pair holds the metrics of one section against its predecessor.
type Pair struct {
	From, To int
	Metrics
}

// Loader returns the aligned image of a section.
type Loader func(ctx context.Context, order int) (*imaging.Gray, error)

// Assess compares every section in orders with the one before it. Each image
// is loaded once.
func Assess(ctx context.Context, orders []int, load Loader) ([]Pair, error) {
	var (
		out  []Pair
		prev *imaging.Gray
	)
	for i, order := range orders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := load(ctx, order)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", order, err)
		}
		if prev != nil {
			m, err := Compare(cur, prev)
			if err != nil {
				return nil, fmt.Errorf("section %d: %w", order, err)
			}
			out = append(out, Pair{From: order, To: orders[i-1], Metrics: m})
		}
		prev = cur
	}
	return out, nil
}
