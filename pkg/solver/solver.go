// Package solver turns the chain of pairwise section transforms into one
// absolute transform per section, relative to a reference section.
//
// Every pair (from, to, T) asks that A_from and A_to · T agree on the frame
// points (corners and centre) of the from section, where A is the absolute
// affine of a section. Both rows of A enter linearly, so the weighted least
// squares problem splits into two symmetric banded normal systems that are
// solved with a band Cholesky factorisation. Pair weights are the pair
// confidences (inverse variance), robustly re-weighted with Huber weights on
// the pair residuals.
package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"histostack/internal/models"
	"histostack/pkg/geometry"
)

var (
	// ErrDriftOutOfBounds is reported for sections whose residual exceeds
	// the configured drift tolerance after adjustment.
	ErrDriftOutOfBounds = errors.New("drift out of bounds")

	// ErrNoUsableSections is returned when there is nothing to anchor on.
	ErrNoUsableSections = errors.New("no usable sections")
)

// Params controls the adjustment.
type Params struct {
	MaxIterations       int
	Tolerance           float64
	HuberThreshold      float64
	DriftTolerance      float64
	LowConfidenceWeight float64
}

// Solution holds the absolute transforms of one volume.
type Solution struct {
	Reference int

	// Transforms maps every section's raw pixels into the reference frame.
	// Unaligned sections get the identity.
	Transforms map[int]geometry.Affine

	// Unaligned lists sections without a path of pairs to the reference.
	Unaligned map[int]bool

	// Residuals holds, per section, the largest displacement (pixels) between
	// its absolute transform and the one implied by any of its pairs. Pairs
	// that start at the reference count against their target, so the
	// reference itself never has a residual.
	Residuals map[int]float64

	// Drift lists, in order, the sections whose residual exceeds the drift
	// tolerance.
	Drift []int

	Iterations int
}

// Err returns an error wrapping ErrDriftOutOfBounds when any section drifted.
func (s *Solution) Err() error {
	if len(s.Drift) == 0 {
		return nil
	}
	return fmt.Errorf("%w: sections %v", ErrDriftOutOfBounds, s.Drift)
}

// Solver adjusts pairwise transforms globally.
type Solver struct {
	params Params
}

// New creates a solver.
func New(params Params) *Solver {
	if params.MaxIterations < 1 {
		params.MaxIterations = 1
	}
	return &Solver{params: params}
}

// SelectReference returns the designated reference when it is usable,
// otherwise the median usable section.
func SelectReference(sections []models.Section, designated int, ok bool) (int, error) {
	var usable []int
	for _, s := range sections {
		if s.Usable() {
			if ok && s.OrderIndex == designated {
				return designated, nil
			}
			usable = append(usable, s.OrderIndex)
		}
	}
	if len(usable) == 0 {
		return 0, ErrNoUsableSections
	}
	sort.Ints(usable)
	return usable[(len(usable)-1)/2], nil
}

// Solve computes absolute transforms for sections. Pair transforms map raw
// pixels of From into raw pixels of To.
func (s *Solver) Solve(sections []models.Section, pairs []models.PairResult, reference int) (*Solution, error) {
	sol := &Solution{
		Reference:  reference,
		Transforms: make(map[int]geometry.Affine, len(sections)),
		Unaligned:  make(map[int]bool),
		Residuals:  make(map[int]float64),
	}

	frames := make(map[int][]geometry.Point, len(sections))
	usable := make(map[int]bool, len(sections))
	for _, sec := range sections {
		frames[sec.OrderIndex] = geometry.FramePoints(max(sec.Width, 1), max(sec.Height, 1))
		if sec.Usable() {
			usable[sec.OrderIndex] = true
		}
	}
	if !usable[reference] {
		return nil, fmt.Errorf("reference section %d is not usable: %w", reference, ErrNoUsableSections)
	}

	var edges []models.PairResult
	for _, p := range pairs {
		if p.From != p.To && usable[p.From] && usable[p.To] && p.Transform.Valid() {
			edges = append(edges, p)
		}
	}

	connected := reachable(reference, edges)

	// Unknowns are ordered along the cutting axis to keep the normal
	// matrix banded.
	var unknowns []int
	for _, sec := range sections {
		idx := sec.OrderIndex
		switch {
		case idx == reference:
		case connected[idx]:
			unknowns = append(unknowns, idx)
		default:
			sol.Transforms[idx] = geometry.Identity()
			sol.Unaligned[idx] = true
		}
	}
	sort.Ints(unknowns)
	sol.Transforms[reference] = geometry.Identity()

	var active []models.PairResult
	for _, e := range edges {
		if connected[e.From] && connected[e.To] {
			active = append(active, e)
		}
	}

	if len(unknowns) > 0 {
		pos := make(map[int]int, len(unknowns))
		for i, idx := range unknowns {
			pos[idx] = i
		}

		robust := make([]float64, len(active))
		for i := range robust {
			robust[i] = 1
		}

		var prev map[int]geometry.Affine
		for iter := 0; iter < s.params.MaxIterations; iter++ {
			weights := make([]float64, len(active))
			for i, p := range active {
				weights[i] = s.baseWeight(p) * robust[i]
			}

			next, err := solveRows(unknowns, pos, active, weights, frames)
			if err != nil {
				return nil, err
			}
			sol.Iterations = iter + 1
			for idx, a := range next {
				sol.Transforms[idx] = a
			}

			converged := prev != nil && maxChange(prev, next) < s.params.Tolerance
			prev = next
			if converged || s.params.HuberThreshold <= 0 {
				break
			}

			for i, p := range active {
				r := pairResidual(sol.Transforms, p, frames[p.From])
				robust[i] = huber(r, s.params.HuberThreshold)
			}
		}
	}

	for _, p := range active {
		if p.Failed {
			continue
		}
		// The reference is fixed, so its pairs are charged to the partner.
		charged := p.From
		if charged == reference {
			charged = p.To
		}
		r := pairResidual(sol.Transforms, p, frames[p.From])
		if r > sol.Residuals[charged] {
			sol.Residuals[charged] = r
		}
	}

	var drifted []int
	for idx, r := range sol.Residuals {
		if r > s.params.DriftTolerance {
			drifted = append(drifted, idx)
		}
	}
	sort.Ints(drifted)
	sol.Drift = drifted

	return sol, nil
}

// baseWeight is the inverse-variance weight of a pair: its confidence, or
// the low confidence weight when alignment failed.
func (s *Solver) baseWeight(p models.PairResult) float64 {
	if p.Failed || p.Confidence <= 0 {
		return s.params.LowConfidenceWeight
	}
	return p.Confidence
}

// solveRows assembles and solves the two banded normal systems.
func solveRows(unknowns []int, pos map[int]int, pairs []models.PairResult, weights []float64, frames map[int][]geometry.Point) (map[int]geometry.Affine, error) {
	n := 3 * len(unknowns)

	span := 0
	for _, p := range pairs {
		i, okI := pos[p.From]
		j, okJ := pos[p.To]
		if okI && okJ {
			if d := i - j; d > span {
				span = d
			} else if -d > span {
				span = -d
			}
		}
	}
	k := min(n-1, 3*span+2)

	rows := [2][]float64{}
	for r := 0; r < 2; r++ {
		normal := mat.NewSymBandDense(n, k, nil)
		rhs := make([]float64, n)

		add := func(i, j int, v float64) {
			if i > j {
				i, j = j, i
			}
			normal.SetSymBand(i, j, normal.At(i, j)+v)
		}

		// Row r of the reference is the r-th unit vector.
		ref := [3]float64{}
		ref[r] = 1

		for e, p := range pairs {
			w := weights[e]

			// Scatter matrices of the frame points p and their images q = T(p),
			// both homogeneous.
			var spp, sqq, spq [3][3]float64
			for _, pt := range frames[p.From] {
				qx, qy := p.Transform.Apply(pt.X, pt.Y)
				pv := [3]float64{pt.X, pt.Y, 1}
				qv := [3]float64{qx, qy, 1}
				for a := 0; a < 3; a++ {
					for b := 0; b < 3; b++ {
						spp[a][b] += pv[a] * pv[b]
						sqq[a][b] += qv[a] * qv[b]
						spq[a][b] += pv[a] * qv[b]
					}
				}
			}

			// Every endpoint is either an unknown or the reference.
			i, fromFree := pos[p.From]
			j, toFree := pos[p.To]

			// Upper triangles only: the matrix is symmetric.
			if fromFree {
				for a := 0; a < 3; a++ {
					for b := a; b < 3; b++ {
						add(3*i+a, 3*i+b, w*spp[a][b])
					}
				}
			}
			if toFree {
				for a := 0; a < 3; a++ {
					for b := a; b < 3; b++ {
						add(3*j+a, 3*j+b, w*sqq[a][b])
					}
				}
			}

			switch {
			case fromFree && toFree:
				for a := 0; a < 3; a++ {
					for b := 0; b < 3; b++ {
						add(3*i+a, 3*j+b, -w*spq[a][b])
					}
				}
			case fromFree:
				for a := 0; a < 3; a++ {
					for c := 0; c < 3; c++ {
						rhs[3*i+a] += w * spq[a][c] * ref[c]
					}
				}
			case toFree:
				for a := 0; a < 3; a++ {
					for c := 0; c < 3; c++ {
						rhs[3*j+a] += w * spq[c][a] * ref[c]
					}
				}
			}
		}

		var chol mat.BandCholesky
		if !chol.Factorize(normal) {
			return nil, fmt.Errorf("solver: normal equations are not positive definite")
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, mat.NewVecDense(n, rhs)); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return nil, fmt.Errorf("solver: %w", err)
			}
			// Ill-conditioned but solved; the residual check catches
			// anything unusable.
		}
		rows[r] = x.RawVector().Data
	}

	out := make(map[int]geometry.Affine, len(unknowns))
	for i, idx := range unknowns {
		out[idx] = geometry.Affine{
			rows[0][3*i], rows[0][3*i+1], rows[0][3*i+2],
			rows[1][3*i], rows[1][3*i+1], rows[1][3*i+2],
		}
	}
	return out, nil
}

// reachable returns the sections connected to start through pairs.
func reachable(start int, pairs []models.PairResult) map[int]bool {
	adj := make(map[int][]int)
	for _, p := range pairs {
		adj[p.From] = append(adj[p.From], p.To)
		adj[p.To] = append(adj[p.To], p.From)
	}

	seen := map[int]bool{start: true}
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj[cur] {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return seen
}

// pairResidual measures how far A_from is from A_to · T over the frame of
// the from section.
func pairResidual(abs map[int]geometry.Affine, p models.PairResult, frame []geometry.Point) float64 {
	return geometry.MaxDisplacement(abs[p.From], abs[p.To].Mul(p.Transform), frame)
}

func huber(r, c float64) float64 {
	if r <= c {
		return 1
	}
	return c / r
}

func maxChange(a, b map[int]geometry.Affine) float64 {
	var worst float64
	for idx, x := range b {
		y := a[idx]
		for i := range x {
			worst = math.Max(worst, math.Abs(x[i]-y[i]))
		}
	}
	return worst
}

// ComposeChain composes adjacent pair transforms outward from the reference
// without any adjustment. order must be sorted; pairs must link each section
// to a lower neighbour (From > To). Sections not reached are left out.
func ComposeChain(order []int, pairs []models.PairResult, reference int) map[int]geometry.Affine {
	down := make(map[int]models.PairResult) // keyed by From
	up := make(map[int]models.PairResult)   // keyed by To
	for _, p := range pairs {
		if p.Kind == models.PairSkip || p.From <= p.To {
			continue
		}
		down[p.From] = p
		up[p.To] = p
	}

	out := map[int]geometry.Affine{reference: geometry.Identity()}

	// Above the reference: A_from = A_to · T.
	for _, idx := range order {
		if idx <= reference {
			continue
		}
		p, ok := down[idx]
		if !ok {
			continue
		}
		if base, ok := out[p.To]; ok {
			out[idx] = base.Mul(p.Transform)
		}
	}

	// Below the reference: A_to = A_from · T⁻¹.
	for i := len(order) - 1; i >= 0; i-- {
		idx := order[i]
		if idx >= reference {
			continue
		}
		p, ok := up[idx]
		if !ok {
			continue
		}
		base, ok := out[p.From]
		if !ok {
			continue
		}
		inv, err := p.Transform.Inverse()
		if err != nil {
			continue
		}
		out[idx] = base.Mul(inv)
	}

	return out
}
