package alignment

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"histostack/pkg/geometry"
	"histostack/pkg/masking"
)

// moments summarises the shape of a mask for coarse alignment.
type moments struct {
	centroid geometry.Point

	// axis is the angle of the principal (major) axis in radians.
	axis float64

	// elongation is the ratio of the major to the minor eigenvalue. Near 1
	// the axis angle carries no information.
	elongation float64
}

// maskMoments computes the centroid and principal axis of a mask from its
// second order central moments.
func maskMoments(m *masking.Mask) (moments, bool) {
	xs := make([]float64, 0, m.Area)
	ys := make([]float64, 0, m.Area)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Pix[y*m.Width+x] != 0 {
				xs = append(xs, float64(x))
				ys = append(ys, float64(y))
			}
		}
	}
	if len(xs) < 3 {
		return moments{}, false
	}

	cxx := stat.Covariance(xs, xs, nil)
	cyy := stat.Covariance(ys, ys, nil)
	cxy := stat.Covariance(xs, ys, nil)

	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(2, []float64{cxx, cxy, cxy, cyy}), true) {
		return moments{}, false
	}

	// Eigenvalues come back in ascending order.
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	mo := moments{
		centroid: geometry.Point{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)},
		axis:     math.Atan2(vectors.At(1, 1), vectors.At(0, 1)),
	}
	if values[0] > 1e-12 {
		mo.elongation = values[1] / values[0]
	} else {
		mo.elongation = math.Inf(1)
	}
	return mo, true
}

// normalizeAngle maps theta into (-π, π].
func normalizeAngle(theta float64) float64 {
	theta = math.Mod(theta, 2*math.Pi)
	if theta > math.Pi {
		theta -= 2 * math.Pi
	} else if theta <= -math.Pi {
		theta += 2 * math.Pi
	}
	return theta
}
