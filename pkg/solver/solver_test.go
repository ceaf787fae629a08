package solver

import (
	"errors"
	"math"
	"testing"

	"histostack/internal/models"
	"histostack/pkg/geometry"
)

func testParams() Params {
	return Params{
		MaxIterations:       10,
		Tolerance:           1e-9,
		HuberThreshold:      4,
		DriftTolerance:      5,
		LowConfidenceWeight: 0.01,
	}
}

func sections(n int) []models.Section {
	out := make([]models.Section, n)
	for i := range out {
		out[i] = models.Section{
			VolumeID:   "v",
			OrderIndex: i,
			Status:     models.StatusPairwiseAligned,
			Width:      100,
			Height:     100,
		}
	}
	return out
}

func pair(from, to int, t geometry.Affine, kind models.PairKind) models.PairResult {
	return models.PairResult{VolumeID: "v", From: from, To: to, Kind: kind, Transform: t, Confidence: 1, Converged: true}
}

// truth places section i at a slowly rotating, drifting position.
func truth(i int) geometry.Affine {
	return geometry.RigidAbout(float64(i)*0.01, 50, 50, float64(2*i), float64(-i))
}

// consistentPairs derives exact pair transforms from truth: A_from = A_to · T.
func consistentPairs(n, stride int) []models.PairResult {
	var pairs []models.PairResult
	for i := 1; i < n; i++ {
		pairs = append(pairs, pair(i, i-1, truth(i-1).MustInverse().Mul(truth(i)), models.PairAdjacent))
		if stride > 1 && i-stride >= 0 {
			pairs = append(pairs, pair(i, i-stride, truth(i-stride).MustInverse().Mul(truth(i)), models.PairSkip))
		}
	}
	return pairs
}

// TestReferenceIsIdentity holds for every choice of reference
func TestReferenceIsIdentity(t *testing.T) {
	secs := sections(7)
	pairs := consistentPairs(7, 3)
	s := New(testParams())

	for ref := 0; ref < 7; ref++ {
		sol, err := s.Solve(secs, pairs, ref)
		if err != nil {
			t.Fatalf("Solve(ref=%d) failed: %v", ref, err)
		}
		if got := sol.Transforms[ref]; got != geometry.Identity() {
			t.Errorf("Expected exact identity for reference %d, got %v", ref, got)
		}
		if len(sol.Drift) != 0 {
			t.Errorf("Expected no drift for consistent pairs, got %v", sol.Drift)
		}

		// Relative placement must match the truth seen from the reference.
		base := truth(ref).MustInverse()
		for i := 0; i < 7; i++ {
			want := base.Mul(truth(i))
			if d := geometry.MaxDisplacement(sol.Transforms[i], want, geometry.FramePoints(100, 100)); d > 1e-6 {
				t.Errorf("ref=%d section %d off by %g px", ref, i, d)
			}
		}
	}
}

// TestMatchesChainWithoutRedundancy checks the adjustment reduces to plain
// composition when every section has a single pair
func TestMatchesChainWithoutRedundancy(t *testing.T) {
	secs := sections(6)
	pairs := consistentPairs(6, 0)

	sol, err := New(testParams()).Solve(secs, pairs, 2)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	chain := ComposeChain([]int{0, 1, 2, 3, 4, 5}, pairs, 2)

	for i := 0; i < 6; i++ {
		if d := geometry.MaxDisplacement(sol.Transforms[i], chain[i], geometry.FramePoints(100, 100)); d > 1e-6 {
			t.Errorf("Section %d differs from chain composition by %g px", i, d)
		}
	}
}

// TestDistributesDrift spreads a biased pair over redundant constraints
func TestDistributesDrift(t *testing.T) {
	const n = 9
	secs := sections(n)

	var pairs []models.PairResult
	for i := 1; i < n; i++ {
		step := geometry.Translation(2, 0)
		if i == 5 {
			step = geometry.Translation(8, 0) // 6 px registration error
		}
		pairs = append(pairs, pair(i, i-1, step, models.PairAdjacent))
		if i >= 2 {
			pairs = append(pairs, pair(i, i-2, geometry.Translation(4, 0), models.PairSkip))
		}
	}

	sol, err := New(testParams()).Solve(secs, pairs, 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	chain := ComposeChain(orderOf(n), pairs, 0)

	frame := geometry.FramePoints(100, 100)
	var worstSolved, worstChain float64
	for i := 0; i < n; i++ {
		want := geometry.Translation(float64(2*i), 0)
		worstSolved = math.Max(worstSolved, geometry.MaxDisplacement(sol.Transforms[i], want, frame))
		worstChain = math.Max(worstChain, geometry.MaxDisplacement(chain[i], want, frame))
	}

	if math.Abs(worstChain-6) > 1e-9 {
		t.Fatalf("Expected chain composition to carry the full 6 px error, got %f", worstChain)
	}
	if worstSolved >= 3 {
		t.Errorf("Expected adjusted error below 3 px, got %f", worstSolved)
	}
	if err := sol.Err(); err != nil {
		t.Errorf("Expected no drift error, got %v", err)
	}
}

// TestUnalignedSections keeps isolated sections at identity
func TestUnalignedSections(t *testing.T) {
	secs := sections(5)
	secs[2].Status = models.StatusFailed
	secs[2].Reason = models.ReasonLowMaskConfidence

	pairs := []models.PairResult{
		pair(1, 0, geometry.Translation(1, 0), models.PairAdjacent),
		pair(3, 1, geometry.Translation(1, 0), models.PairAdjacent), // bridges the failed section
	}

	sol, err := New(testParams()).Solve(secs, pairs, 1)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	for _, idx := range []int{2, 4} {
		if !sol.Unaligned[idx] {
			t.Errorf("Expected section %d to be unaligned", idx)
		}
		if sol.Transforms[idx] != geometry.Identity() {
			t.Errorf("Expected identity for unaligned section %d, got %v", idx, sol.Transforms[idx])
		}
		if _, ok := sol.Residuals[idx]; ok {
			t.Errorf("Expected no residual for unaligned section %d", idx)
		}
	}
	if sol.Unaligned[3] || sol.Unaligned[0] {
		t.Error("Expected connected sections to be aligned")
	}
	if !sol.Transforms[3].Equal(geometry.Translation(1, 0), 1e-6) {
		t.Errorf("Expected section 3 bridged onto section 1, got %v", sol.Transforms[3])
	}
}

// TestDriftOutOfBounds flags contradictory constraints
func TestDriftOutOfBounds(t *testing.T) {
	params := testParams()
	params.HuberThreshold = 0

	secs := sections(3)
	pairs := []models.PairResult{
		pair(1, 0, geometry.Identity(), models.PairAdjacent),
		pair(2, 1, geometry.Identity(), models.PairAdjacent),
		pair(2, 0, geometry.Translation(40, 0), models.PairSkip),
	}

	sol, err := New(params).Solve(secs, pairs, 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if len(sol.Drift) == 0 {
		t.Fatal("Expected drifted sections")
	}
	if !errors.Is(sol.Err(), ErrDriftOutOfBounds) {
		t.Errorf("Expected ErrDriftOutOfBounds, got %v", sol.Err())
	}
	if sol.Transforms[0] != geometry.Identity() {
		t.Error("Expected reference to stay identity")
	}
}

// TestDriftSparesReference charges a contradicting pair that starts at the
// reference to its target
func TestDriftSparesReference(t *testing.T) {
	params := testParams()
	params.HuberThreshold = 0

	secs := sections(3)
	pairs := []models.PairResult{
		pair(1, 0, geometry.Identity(), models.PairAdjacent),
		pair(2, 1, geometry.Identity(), models.PairAdjacent),
		pair(2, 0, geometry.Translation(200, 0), models.PairSkip),
	}

	sol, err := New(params).Solve(secs, pairs, 2)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if _, ok := sol.Residuals[2]; ok {
		t.Errorf("Expected no residual for the reference, got %f", sol.Residuals[2])
	}
	for _, idx := range sol.Drift {
		if idx == 2 {
			t.Fatalf("Expected reference to stay out of drift, got %v", sol.Drift)
		}
	}
	if sol.Residuals[0] <= params.DriftTolerance {
		t.Errorf("Expected section 0 to carry the skip pair residual, got %f", sol.Residuals[0])
	}
	if len(sol.Drift) == 0 || sol.Drift[0] != 0 {
		t.Errorf("Expected section 0 to drift, got %v", sol.Drift)
	}
	if sol.Transforms[2] != geometry.Identity() {
		t.Error("Expected reference to stay identity")
	}
}

// TestFailedPairsAreDownWeighted keeps a wrong low-confidence pair from
// pulling the solution
func TestFailedPairsAreDownWeighted(t *testing.T) {
	secs := sections(4)
	pairs := consistentPairs(4, 2)

	bad := pair(3, 2, geometry.Translation(60, 60), models.PairAdjacent)
	bad.Failed = true
	bad.Confidence = 0
	for i, p := range pairs {
		if p.From == 3 && p.To == 2 {
			pairs[i] = bad
		}
	}

	sol, err := New(testParams()).Solve(secs, pairs, 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	want := truth(3)
	if d := geometry.MaxDisplacement(sol.Transforms[3], want, geometry.FramePoints(100, 100)); d > 2 {
		t.Errorf("Expected section 3 near truth, off by %f px", d)
	}
	if len(sol.Drift) != 0 {
		t.Errorf("Expected failed pairs to be ignored for drift, got %v", sol.Drift)
	}
}

// TestSelectReference prefers the designated section, then the median
func TestSelectReference(t *testing.T) {
	secs := sections(5)

	ref, err := SelectReference(secs, 4, true)
	if err != nil || ref != 4 {
		t.Errorf("Expected designated reference 4, got %d (%v)", ref, err)
	}

	secs[4].Status = models.StatusFailed
	ref, err = SelectReference(secs, 4, true)
	if err != nil || ref != 1 {
		t.Errorf("Expected median usable reference 1, got %d (%v)", ref, err)
	}

	ref, err = SelectReference(sections(5), 0, false)
	if err != nil || ref != 2 {
		t.Errorf("Expected midpoint reference 2, got %d (%v)", ref, err)
	}

	for i := range secs {
		secs[i].Status = models.StatusFailed
	}
	if _, err := SelectReference(secs, 0, false); !errors.Is(err, ErrNoUsableSections) {
		t.Errorf("Expected ErrNoUsableSections, got %v", err)
	}
}

func orderOf(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
