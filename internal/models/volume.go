package models

import (
	"fmt"
	"time"
)

// Volume is an ordered collection of sections sharing one reference frame.
type Volume struct {
	// ID identifies the volume across ingestion, storage and delivery.
	ID string

	// ReferenceIndex is the order index of the section whose transform is
	// the identity. Every other transform is expressed relative to it.
	ReferenceIndex int

	// ReferenceDesignated is true when ingestion chose the reference.
	ReferenceDesignated bool

	// Width and Height are the level 0 canvas size in voxels. They are
	// fixed by the global solver.
	Width  int
	Height int

	// Depth is the number of sections, one voxel plane each.
	Depth int

	// VoxelSize is the physical size of each voxel in nanometres.
	VoxelSize struct {
		X, Y, Z float64
	}

	// Levels is the number of pyramid levels written for the volume.
	Levels int

	CreatedAt time.Time
}

// Bounds is an axis-aligned voxel box, half-open on every axis.
type Bounds struct {
	Min [3]int
	Max [3]int
}

// NewBounds builds a box from its two corners.
func NewBounds(x0, y0, z0, x1, y1, z1 int) Bounds {
	return Bounds{Min: [3]int{x0, y0, z0}, Max: [3]int{x1, y1, z1}}
}

// Size returns the extent of the box along each axis.
func (b Bounds) Size() [3]int {
	return [3]int{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// Voxels returns the number of voxels in the box.
func (b Bounds) Voxels() int {
	s := b.Size()
	if s[0] <= 0 || s[1] <= 0 || s[2] <= 0 {
		return 0
	}
	return s[0] * s[1] * s[2]
}

// Empty reports whether the box contains no voxels.
func (b Bounds) Empty() bool {
	return b.Voxels() == 0
}

// Intersect returns the overlap of two boxes, which may be empty.
func (b Bounds) Intersect(o Bounds) Bounds {
	var r Bounds
	for i := 0; i < 3; i++ {
		r.Min[i] = max(b.Min[i], o.Min[i])
		r.Max[i] = min(b.Max[i], o.Max[i])
		if r.Max[i] < r.Min[i] {
			r.Max[i] = r.Min[i]
		}
	}
	return r
}

// Overlaps reports whether the boxes share at least one voxel.
func (b Bounds) Overlaps(o Bounds) bool {
	return !b.Intersect(o).Empty()
}

// Contains reports whether the voxel (x, y, z) lies inside the box.
func (b Bounds) Contains(x, y, z int) bool {
	return x >= b.Min[0] && x < b.Max[0] &&
		y >= b.Min[1] && y < b.Max[1] &&
		z >= b.Min[2] && z < b.Max[2]
}

// Key formats the box the way precomputed chunk files are named.
func (b Bounds) Key() string {
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d",
		b.Min[0], b.Max[0], b.Min[1], b.Max[1], b.Min[2], b.Max[2])
}

// ParseBounds is the inverse of Bounds.Key.
func ParseBounds(key string) (Bounds, error) {
	var b Bounds
	_, err := fmt.Sscanf(key, "%d-%d_%d-%d_%d-%d",
		&b.Min[0], &b.Max[0], &b.Min[1], &b.Max[1], &b.Min[2], &b.Max[2])
	if err != nil {
		return Bounds{}, fmt.Errorf("invalid chunk key %q: %w", key, err)
	}
	return b, nil
}

// Chunk is one tile of one resolution level.
type Chunk struct {
	VolumeID string
	Level    int
	Bounds   Bounds

	// Payload holds the encoded voxels.
	Payload []byte

	// Checksum is the xxhash64 of Payload.
	Checksum uint64
}
