// Package geometry provides the 2-D affine transforms that map section pixel
// spaces onto each other and onto the volume reference frame.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a transform has no inverse.
var ErrSingular = errors.New("geometry: singular transform")

// Affine is a 2-D affine transform stored as the top two rows of its
// homogeneous 3x3 matrix:
//
//	x' = a[0]*x + a[1]*y + a[2]
//	y' = a[3]*x + a[4]*y + a[5]
type Affine [6]float64

// Point is a location in pixel coordinates.
type Point struct {
	X, Y float64
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{1, 0, 0, 0, 1, 0}
}

// Translation returns a pure translation.
func Translation(tx, ty float64) Affine {
	return Affine{1, 0, tx, 0, 1, ty}
}

// Scaling returns an axis-aligned scale about the origin.
func Scaling(sx, sy float64) Affine {
	return Affine{sx, 0, 0, 0, sy, 0}
}

// Rigid returns a rotation by theta radians about the origin followed by a
// translation of (tx, ty).
func Rigid(theta, tx, ty float64) Affine {
	c, s := math.Cos(theta), math.Sin(theta)
	return Affine{c, -s, tx, s, c, ty}
}

// RigidAbout rotates by theta about (cx, cy) and then translates by (tx, ty).
func RigidAbout(theta, cx, cy, tx, ty float64) Affine {
	return Translation(cx+tx, cy+ty).Mul(Rigid(theta, 0, 0)).Mul(Translation(-cx, -cy))
}

// Mul returns the composition a∘b: b is applied first, then a.
func (a Affine) Mul(b Affine) Affine {
	return Affine{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// Det returns the determinant of the linear part.
func (a Affine) Det() float64 {
	return a[0]*a[4] - a[1]*a[3]
}

// Inverse returns the inverse transform.
func (a Affine) Inverse() (Affine, error) {
	det := a.Det()
	if math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return Affine{}, ErrSingular
	}
	inv := 1 / det
	i0 := a[4] * inv
	i1 := -a[1] * inv
	i3 := -a[3] * inv
	i4 := a[0] * inv
	return Affine{
		i0, i1, -(i0*a[2] + i1*a[5]),
		i3, i4, -(i3*a[2] + i4*a[5]),
	}, nil
}

// MustInverse is Inverse for transforms known to be invertible.
func (a Affine) MustInverse() Affine {
	inv, err := a.Inverse()
	if err != nil {
		panic(err)
	}
	return inv
}

// Apply maps (x, y) through the transform.
func (a Affine) Apply(x, y float64) (float64, float64) {
	return a[0]*x + a[1]*y + a[2], a[3]*x + a[4]*y + a[5]
}

// ApplyPoint maps p through the transform.
func (a Affine) ApplyPoint(p Point) Point {
	x, y := a.Apply(p.X, p.Y)
	return Point{X: x, Y: y}
}

// Rotation returns the rotation angle of the linear part in radians, in (-π, π].
func (a Affine) Rotation() float64 {
	return math.Atan2(a[3], a[0])
}

// Offset returns the translation part.
func (a Affine) Offset() (float64, float64) {
	return a[2], a[5]
}

// Rescale expresses a transform estimated on a downsampled grid in the
// pixels of the full grid, f being the number of grid pixels per full pixel.
// Pixel centres sit at integer coordinates on both grids, so a grid pixel i
// covers the full pixels [i/f, (i+1)/f).
func (a Affine) Rescale(f float64) Affine {
	if f <= 0 || f == 1 {
		return a
	}
	o := (1 - f) / 2
	down := Affine{f, 0, -o, 0, f, -o}
	up := Affine{1 / f, 0, o / f, 0, 1 / f, o / f}
	return up.Mul(a).Mul(down)
}

// Equal reports whether every coefficient of a and b differs by at most tol.
func (a Affine) Equal(b Affine, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// IsIdentity reports whether a is the identity within tol.
func (a Affine) IsIdentity(tol float64) bool {
	return a.Equal(Identity(), tol)
}

// Valid reports whether all coefficients are finite.
func (a Affine) Valid() bool {
	for _, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Matrix returns the homogeneous 3x3 matrix of the transform.
func (a Affine) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0], a[1], a[2],
		a[3], a[4], a[5],
		0, 0, 1,
	})
}

// FromMatrix reads the top two rows of a homogeneous 3x3 matrix.
func FromMatrix(m mat.Matrix) (Affine, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return Affine{}, fmt.Errorf("geometry: want 3x3 matrix, got %dx%d", r, c)
	}
	return Affine{
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 0), m.At(1, 1), m.At(1, 2),
	}, nil
}

// MaxDisplacement returns the largest distance between a(p) and b(p) over pts.
func MaxDisplacement(a, b Affine, pts []Point) float64 {
	var worst float64
	for _, p := range pts {
		ax, ay := a.Apply(p.X, p.Y)
		bx, by := b.Apply(p.X, p.Y)
		if d := math.Hypot(ax-bx, ay-by); d > worst {
			worst = d
		}
	}
	return worst
}

// FramePoints returns the corners and centre of a width x height frame.
func FramePoints(width, height int) []Point {
	w, h := float64(width), float64(height)
	return []Point{{0, 0}, {w, 0}, {0, h}, {w, h}, {w / 2, h / 2}}
}

func (a Affine) String() string {
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g]", a[0], a[1], a[2], a[3], a[4], a[5])
}
