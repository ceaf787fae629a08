package models

import (
	"fmt"
	"time"

	"histostack/pkg/geometry"
)

// Status is the processing state of a single section.
type Status string

const (
	StatusPending         Status = "pending"
	StatusMasked          Status = "masked"
	StatusPairwiseAligned Status = "pairwise_aligned"
	StatusGloballyAligned Status = "globally_aligned"
	StatusResampled       Status = "resampled"
	StatusPyramided       Status = "pyramided"
	StatusFailed          Status = "failed"
)

// statusOrder lists the forward path a section walks through.
var statusOrder = []Status{
	StatusPending,
	StatusMasked,
	StatusPairwiseAligned,
	StatusGloballyAligned,
	StatusResampled,
	StatusPyramided,
}

// Rank returns the position of s on the forward path, or -1 for failed
// and unknown values.
func (s Status) Rank() int {
	for i, v := range statusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// Terminal reports whether no further transition is possible without an
// administrative reset.
func (s Status) Terminal() bool {
	return s == StatusPyramided
}

// Next returns the status that follows s on the forward path.
func (s Status) Next() (Status, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(statusOrder) {
		return "", false
	}
	return statusOrder[r+1], true
}

// AtLeast reports whether s has reached (or passed) other on the forward path.
func (s Status) AtLeast(other Status) bool {
	r := s.Rank()
	return r >= 0 && r >= other.Rank()
}

// CanAdvanceTo reports whether next is a legal automatic transition from s.
// Statuses only move forward, one stage at a time, or into failed from a
// non-terminal state. Leaving failed requires Reset.
func (s Status) CanAdvanceTo(next Status) bool {
	if next == StatusFailed {
		return s != StatusFailed && !s.Terminal() && s.Valid()
	}
	n, ok := s.Next()
	return ok && n == next
}

// Reason is a machine-readable failure classification.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonLowMaskConfidence     Reason = "low_mask_confidence"
	ReasonPairwiseNonConvergent Reason = "pairwise_non_convergent"
	ReasonTransientStorage      Reason = "transient_storage"
	ReasonDriftOutOfBounds      Reason = "drift_out_of_bounds"
	ReasonSourceUnreadable      Reason = "source_unreadable"
	ReasonInternal              Reason = "internal"
)

// Section is one physical tissue slice within a volume.
type Section struct {
	VolumeID string

	// OrderIndex is the position along the cutting axis, unique within a volume.
	OrderIndex int

	// RawImageRef locates the source image. It belongs to ingestion and is
	// never modified here.
	RawImageRef string

	// PhysicalScale is the size of one raw pixel in micrometres.
	PhysicalScale float64

	Status Status
	Reason Reason

	// Width and Height are the raw image dimensions, recorded at masking.
	Width  int
	Height int

	MaskConfidence float64

	// Transform maps raw section pixels into the volume reference space.
	// It stays nil until the global solver has run.
	Transform *geometry.Affine

	// Unaligned marks a section kept for continuity without a usable transform.
	Unaligned bool

	UpdatedAt time.Time
}

func (s Section) String() string {
	return fmt.Sprintf("%s/%d", s.VolumeID, s.OrderIndex)
}

// Usable reports whether the section can take part in alignment.
func (s Section) Usable() bool {
	return s.Status != StatusFailed && s.Status.AtLeast(StatusMasked)
}

// PairKind distinguishes immediate neighbour pairs from redundant skip pairs.
type PairKind string

const (
	PairAdjacent PairKind = "adjacent"
	PairSkip     PairKind = "skip"
)

// PairResult is the outcome of registering section From onto section To.
type PairResult struct {
	VolumeID string
	From     int
	To       int
	Kind     PairKind

	// Transform maps From raw pixels into To raw pixels.
	Transform geometry.Affine

	Cost       float64
	Overlap    float64
	Confidence float64
	Iterations int
	Converged  bool

	// Failed records a pairwise_failed outcome. Failed pairs still reach the
	// solver, with a low weight.
	Failed bool
}
