// Package alignment estimates the rigid transform between two neighbouring
// sections from their tissue masks.
//
// A coarse estimate comes from mask moments (centroid and principal axis),
// the translation of each coarse candidate is corrected by phase
// correlation, and every candidate is then refined by a bounded Nelder-Mead
// search minimising 1 - NCC between the Gaussian-softened masks.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"histostack/pkg/geometry"
	"histostack/pkg/imaging"
	"histostack/pkg/masking"
)

// ErrPairwiseNonConvergent reports a pair whose refinement hit the iteration
// limit or whose aligned masks overlap too little.
var ErrPairwiseNonConvergent = errors.New("pairwise alignment did not converge")

// maxWorkSize bounds the side of the grid the cost function is evaluated on.
const maxWorkSize = 256

// Params controls the aligner.
type Params struct {
	MaxIterations int
	Tolerance     float64
	MinOverlap    float64
	TieTolerance  float64
	SmoothSigma   float64
}

// Result has the same shape whatever the exit reason.
type Result struct {
	// Transform maps moving mask pixels onto fixed mask pixels.
	Transform geometry.Affine

	// Cost is 1 - NCC of the softened masks at Transform.
	Cost float64

	// Overlap is the IoU of the binary masks at Transform.
	Overlap float64

	Confidence float64
	Iterations int
	Converged  bool

	// Err is nil, ErrPairwiseNonConvergent (wrapped) or a context error.
	Err error
}

// RawTransform expresses the transform in raw section pixels. scale is the
// number of mask pixels per raw pixel.
func (r Result) RawTransform(scale float64) geometry.Affine {
	return r.Transform.Rescale(scale)
}

// Aligner registers pairs of masks. It is safe for concurrent use.
type Aligner struct {
	params Params
}

// NewAligner creates an aligner.
func NewAligner(params Params) *Aligner {
	if params.MaxIterations < 1 {
		params.MaxIterations = 1
	}
	return &Aligner{params: params}
}

type candidate struct {
	theta, tx, ty float64
	cost          float64
	iterations    int
	converged     bool
}

// Align estimates the transform mapping moving onto fixed.
func (a *Aligner) Align(ctx context.Context, moving, fixed *masking.Mask) Result {
	failed := func(err error) Result {
		return Result{Transform: geometry.Identity(), Cost: 1, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return failed(err)
	}

	f := newFrame(moving, fixed, a.params.SmoothSigma)
	mm, okM := maskMoments(f.movingMask)
	mf, okF := maskMoments(f.fixedMask)
	if !okM || !okF {
		return failed(fmt.Errorf("%w: empty mask", ErrPairwiseNonConvergent))
	}
	f.cm, f.cf = mm.centroid, mf.centroid

	// Principal axes are only defined up to π, so both orientations are
	// tried next to the unrotated centroid match.
	thetas := []float64{0}
	if mm.elongation > 1.1 && mf.elongation > 1.1 {
		t0 := normalizeAngle(mf.axis - mm.axis)
		thetas = append(thetas, t0, normalizeAngle(t0+math.Pi))
	}

	var candidates []candidate
	for _, theta := range uniqueAngles(thetas) {
		c := candidate{theta: theta}
		c.cost = f.cost(f.transform(c.theta, 0, 0))

		// Phase correlation corrects the centroid translation.
		warped := f.warp(f.movingSoft, f.transform(c.theta, 0, 0))
		dx, dy := phaseCorrelate(f.fixedSoft, warped, f.width, f.height)
		if cost := f.cost(f.transform(c.theta, dx, dy)); cost < c.cost {
			c.tx, c.ty, c.cost = dx, dy, cost
		}

		c, err := a.refine(ctx, f, c)
		if err != nil {
			return failed(err)
		}
		candidates = append(candidates, c)
	}

	best := a.pick(candidates)
	t := f.transform(best.theta, best.tx, best.ty)

	res := Result{
		Transform:  t.Rescale(1 / float64(f.factor)),
		Cost:       best.cost,
		Overlap:    f.overlap(t),
		Iterations: best.iterations,
		Converged:  best.converged,
	}
	res.Confidence = math.Max(0, math.Min(1, res.Overlap*(1-res.Cost)))

	switch {
	case res.Overlap < a.params.MinOverlap:
		res.Transform = geometry.Identity()
		res.Err = fmt.Errorf("%w: overlap %.3f below %.3f", ErrPairwiseNonConvergent, res.Overlap, a.params.MinOverlap)
	case !res.Converged:
		res.Err = fmt.Errorf("%w: %d iterations", ErrPairwiseNonConvergent, res.Iterations)
	}
	return res
}

// refine runs the bounded Nelder-Mead search from a coarse candidate. The
// rotation is scaled to arc length at the frame radius so all three
// parameters are in pixels.
func (a *Aligner) refine(ctx context.Context, f *frame, c candidate) (candidate, error) {
	radius := math.Max(1, float64(max(f.width, f.height))/2)

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return f.cost(f.transform(x[0]/radius, x[1], x[2]))
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations: a.params.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   a.params.Tolerance,
			Iterations: 20,
		},
	}

	// Minimize reports IterationLimit through its error; the status carries
	// the same information.
	result, _ := optimize.Minimize(problem, []float64{c.theta * radius, c.tx, c.ty}, settings, &optimize.NelderMead{SimplexSize: 1})
	if err := ctx.Err(); err != nil {
		return c, err
	}
	if result == nil {
		return c, nil
	}

	c.iterations = result.MajorIterations
	c.converged = result.Status == optimize.FunctionConvergence || result.Status == optimize.MethodConverge
	if result.F < c.cost {
		c.theta = normalizeAngle(result.X[0] / radius)
		c.tx, c.ty = result.X[1], result.X[2]
		c.cost = result.F
	}
	return c, nil
}

// pick returns the lowest cost candidate. Candidates within TieTolerance of
// the best cost are indistinguishable and the smallest rotation wins.
func (a *Aligner) pick(candidates []candidate) candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].cost < candidates[j].cost
	})
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.cost-candidates[0].cost > a.params.TieTolerance {
			break
		}
		if math.Abs(c.theta) < math.Abs(best.theta) {
			best = c
		}
	}
	return best
}

func uniqueAngles(thetas []float64) []float64 {
	var out []float64
next:
	for _, t := range thetas {
		for _, o := range out {
			if math.Abs(normalizeAngle(t-o)) < 1e-3 {
				continue next
			}
		}
		out = append(out, t)
	}
	return out
}

// frame is the common sampling grid: the fixed mask's pixel space with a
// margin on every side, possibly downsampled by factor.
type frame struct {
	width, height int
	margin        int
	factor        int

	movingMask, fixedMask *masking.Mask
	movingSoft, movingBin *imaging.Gray

	fixedSoft []float64
	fixedBin  []float64

	// centroids of the moving and fixed masks on the work grid
	cm, cf geometry.Point
}

func newFrame(moving, fixed *masking.Mask, sigma float64) *frame {
	side := max(moving.Width, moving.Height, fixed.Width, fixed.Height)
	factor := max(1, (side+maxWorkSize-1)/maxWorkSize)

	f := &frame{
		factor:     factor,
		movingMask: shrinkMask(moving, factor),
		fixedMask:  shrinkMask(fixed, factor),
	}
	f.movingBin = f.movingMask.ToGray()
	f.movingSoft = f.movingBin.Blur(sigma)

	w := max(f.movingMask.Width, f.fixedMask.Width)
	h := max(f.movingMask.Height, f.fixedMask.Height)
	f.margin = max(w, h) / 4
	f.width = w + 2*f.margin
	f.height = h + 2*f.margin

	fixedBin := f.fixedMask.ToGray()
	fixedSoft := fixedBin.Blur(sigma)
	f.fixedSoft = f.place(fixedSoft)
	f.fixedBin = f.place(fixedBin)
	return f
}

// place copies a fixed-space image into the padded grid.
func (f *frame) place(g *imaging.Gray) []float64 {
	out := make([]float64, f.width*f.height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			out[(y+f.margin)*f.width+x+f.margin] = g.Pix[y*g.Width+x]
		}
	}
	return out
}

// transform builds the moving to fixed transform: rotate by theta about the
// moving centroid, land on the fixed centroid, then shift by (tx, ty).
func (f *frame) transform(theta, tx, ty float64) geometry.Affine {
	return geometry.Translation(f.cf.X+tx, f.cf.Y+ty).
		Mul(geometry.Rigid(theta, 0, 0)).
		Mul(geometry.Translation(-f.cm.X, -f.cm.Y))
}

// warp resamples src (moving space) onto the grid through t.
func (f *frame) warp(src *imaging.Gray, t geometry.Affine) []float64 {
	out := make([]float64, f.width*f.height)
	inv, err := t.Inverse()
	if err != nil {
		return out
	}
	for y := 0; y < f.height; y++ {
		fy := float64(y - f.margin)
		for x := 0; x < f.width; x++ {
			mx, my := inv.Apply(float64(x-f.margin), fy)
			out[y*f.width+x] = src.Bilinear(mx, my)
		}
	}
	return out
}

func (f *frame) cost(t geometry.Affine) float64 {
	c := stat.Correlation(f.warp(f.movingSoft, t), f.fixedSoft, nil)
	if math.IsNaN(c) {
		return 1
	}
	return 1 - c
}

func (f *frame) overlap(t geometry.Affine) float64 {
	warped := f.warp(f.movingBin, t)
	var inter, union int
	for i, v := range warped {
		a := v >= 0.5
		b := f.fixedBin[i] >= 0.5
		if a && b {
			inter++
		}
		if a || b {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// shrinkMask reduces a mask by an integer factor, keeping a pixel when at
// least half of its box is tissue.
func shrinkMask(m *masking.Mask, factor int) *masking.Mask {
	if factor <= 1 {
		return m
	}
	small, _ := m.ToGray().Downsample(factor)
	out := &masking.Mask{
		Width:      small.Width,
		Height:     small.Height,
		Pix:        make([]uint8, len(small.Pix)),
		Scale:      m.Scale / float64(factor),
		Confidence: m.Confidence,
	}
	for i, v := range small.Pix {
		if v >= 0.5 {
			out.Pix[i] = 1
			out.Area++
		}
	}
	return out
}
