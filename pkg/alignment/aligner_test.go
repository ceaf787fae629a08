package alignment

import (
	"context"
	"errors"
	"math"
	"testing"

	"histostack/pkg/geometry"
	"histostack/pkg/masking"
)

func testParams() Params {
	return Params{
		MaxIterations: 500,
		Tolerance:     1e-7,
		MinOverlap:    0.5,
		TieTolerance:  1e-3,
		SmoothSigma:   1.5,
	}
}

// tissue reports whether (x, y) lies inside an asymmetric synthetic section:
// a tilted ellipse with a lobe on one side.
func tissue(x, y float64) bool {
	const tilt = 20 * math.Pi / 180
	dx, dy := x-60, y-64
	u := dx*math.Cos(tilt) + dy*math.Sin(tilt)
	v := -dx*math.Sin(tilt) + dy*math.Cos(tilt)
	if (u*u)/(34*34)+(v*v)/(18*18) <= 1 {
		return true
	}
	return math.Hypot(x-84, y-44) <= 11
}

// rasterize draws the section seen through t (section -> image pixels).
func rasterize(w, h int, t geometry.Affine) *masking.Mask {
	inv := t.MustInverse()
	m := &masking.Mask{Width: w, Height: h, Pix: make([]uint8, w*h), Scale: 1, Confidence: 1}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			if tissue(sx, sy) {
				m.Pix[y*w+x] = 1
				m.Area++
			}
		}
	}
	return m
}

// TestRecoverKnownTransform aligns masks 5 degrees and 10 pixels apart
func TestRecoverKnownTransform(t *testing.T) {
	truth := geometry.RigidAbout(5*math.Pi/180, 64, 64, 10, 0)
	moving := rasterize(128, 128, geometry.Identity())
	fixed := rasterize(128, 128, truth)

	res := NewAligner(testParams()).Align(context.Background(), moving, fixed)
	if res.Err != nil {
		t.Fatalf("Align failed: %v", res.Err)
	}

	gotDeg := res.Transform.Rotation() * 180 / math.Pi
	if math.Abs(gotDeg-5) > 0.5 {
		t.Errorf("Expected rotation 5°, got %.3f°", gotDeg)
	}
	if d := geometry.MaxDisplacement(res.Transform, truth, geometry.FramePoints(128, 128)); d > 1.5 {
		t.Errorf("Expected transform within 1.5 px of truth, off by %.3f px (got %v)", d, res.Transform)
	}
	if res.Overlap < 0.9 {
		t.Errorf("Expected overlap above 0.9, got %f", res.Overlap)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Errorf("Expected confidence in (0,1], got %f", res.Confidence)
	}
	if !res.Converged || res.Iterations == 0 {
		t.Errorf("Expected convergence after some iterations, got converged=%v iterations=%d", res.Converged, res.Iterations)
	}
}

// TestForwardBackwardIsIdentity composes both directions of a pair
func TestForwardBackwardIsIdentity(t *testing.T) {
	a := rasterize(128, 128, geometry.Identity())
	b := rasterize(128, 128, geometry.RigidAbout(-3*math.Pi/180, 64, 64, -4, 6))

	aligner := NewAligner(testParams())
	ab := aligner.Align(context.Background(), a, b)
	ba := aligner.Align(context.Background(), b, a)
	if ab.Err != nil || ba.Err != nil {
		t.Fatalf("Align failed: %v / %v", ab.Err, ba.Err)
	}

	round := ba.Transform.Mul(ab.Transform)
	if d := geometry.MaxDisplacement(round, geometry.Identity(), geometry.FramePoints(128, 128)); d > 1.5 {
		t.Errorf("Expected round trip within 1.5 px of identity, off by %.3f px", d)
	}
}

// TestPreferSmallerRotationOnTie checks the tie-break between equal costs
func TestPreferSmallerRotationOnTie(t *testing.T) {
	a := NewAligner(testParams())
	best := a.pick([]candidate{
		{theta: math.Pi, cost: 0.1000},
		{theta: 0.02, cost: 0.1004},
		{theta: -0.5, cost: 0.2},
	})
	if best.theta != 0.02 {
		t.Errorf("Expected the smaller rotation to win a tie, got %f", best.theta)
	}

	best = a.pick([]candidate{
		{theta: math.Pi, cost: 0.05},
		{theta: 0.02, cost: 0.1},
	})
	if best.theta != math.Pi {
		t.Errorf("Expected the clearly better candidate to win, got %f", best.theta)
	}
}

// TestIterationLimitIsNonConvergent keeps the fixed result shape on failure
func TestIterationLimitIsNonConvergent(t *testing.T) {
	params := testParams()
	params.MaxIterations = 1

	moving := rasterize(96, 96, geometry.Identity())
	fixed := rasterize(96, 96, geometry.Translation(3, 2))

	res := NewAligner(params).Align(context.Background(), moving, fixed)
	if !errors.Is(res.Err, ErrPairwiseNonConvergent) {
		t.Fatalf("Expected ErrPairwiseNonConvergent, got %v", res.Err)
	}
	if res.Converged {
		t.Error("Expected Converged to be false")
	}
	if !res.Transform.Valid() {
		t.Error("Expected a usable transform alongside the error")
	}
}

// TestEmptyMaskFallsBackToIdentity covers a blank section
func TestEmptyMaskFallsBackToIdentity(t *testing.T) {
	empty := &masking.Mask{Width: 64, Height: 64, Pix: make([]uint8, 64*64), Scale: 1}
	fixed := rasterize(64, 64, geometry.Identity())

	res := NewAligner(testParams()).Align(context.Background(), empty, fixed)
	if !errors.Is(res.Err, ErrPairwiseNonConvergent) {
		t.Fatalf("Expected ErrPairwiseNonConvergent, got %v", res.Err)
	}
	if !res.Transform.IsIdentity(0) {
		t.Errorf("Expected identity fallback, got %v", res.Transform)
	}
}

// TestAlignCancelled returns the context error
func TestAlignCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := rasterize(64, 64, geometry.Identity())
	res := NewAligner(testParams()).Align(ctx, m, m)
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", res.Err)
	}
}

// TestRawTransform scales the translation to raw pixels
func TestRawTransform(t *testing.T) {
	res := Result{Transform: geometry.Translation(2, -1)}
	raw := res.RawTransform(0.125)
	if !raw.Equal(geometry.Translation(16, -8), 1e-9) {
		t.Errorf("Expected translation (16,-8), got %v", raw)
	}
}
