// Package pyramid builds the multi-resolution chunked representation of an
// aligned volume in the precomputed layout read by volumetric web viewers.
//
// Level 0 is the full resolution canvas with one voxel plane per section.
// Each following level shrinks x and y by a fixed integer factor; z is never
// downsampled because sections are physically much thicker than a pixel.
package pyramid

import (
	"fmt"
	"strconv"

	"histostack/internal/models"
)

// Level describes one resolution level.
type Level struct {
	Index int

	// Key names the level directory, derived from its resolution.
	Key string

	// Size is the voxel extent of the level.
	Size [3]int

	// Resolution is the physical voxel size in nanometres.
	Resolution [3]float64

	ChunkSize [3]int

	// Scale is the xy downsample factor relative to level 0.
	Scale int
}

// Grid returns the number of chunks along each axis.
func (l Level) Grid() [3]int {
	var g [3]int
	for i := 0; i < 3; i++ {
		g[i] = (l.Size[i] + l.ChunkSize[i] - 1) / l.ChunkSize[i]
	}
	return g
}

// Extent returns the bounds of the whole level.
func (l Level) Extent() models.Bounds {
	return models.NewBounds(0, 0, 0, l.Size[0], l.Size[1], l.Size[2])
}

// chunkBounds returns the bounds of the chunk at grid position (i, j, k),
// clipped to the level extent.
func (l Level) chunkBounds(i, j, k int) models.Bounds {
	c := l.ChunkSize
	return models.NewBounds(
		i*c[0], j*c[1], k*c[2],
		min((i+1)*c[0], l.Size[0]), min((j+1)*c[1], l.Size[1]), min((k+1)*c[2], l.Size[2]),
	)
}

// Layout is the full set of levels of one volume.
type Layout struct {
	Levels []Level
	Factor int
}

// NewLayout computes the levels of a volume of the given level 0 size and
// voxel size. With levels == 0, levels are added until one chunk covers a
// whole section plane.
func NewLayout(size [3]int, voxel [3]float64, chunk [3]int, factor, levels int) (*Layout, error) {
	if size[0] < 1 || size[1] < 1 || size[2] < 1 {
		return nil, fmt.Errorf("pyramid: empty volume %v", size)
	}
	if chunk[0] < 1 || chunk[1] < 1 || chunk[2] < 1 {
		return nil, fmt.Errorf("pyramid: invalid chunk size %v", chunk)
	}
	if factor < 2 {
		return nil, fmt.Errorf("pyramid: invalid downsample factor %d", factor)
	}

	l := &Layout{Factor: factor}
	scale := 1
	cur := size
	for i := 0; ; i++ {
		res := [3]float64{voxel[0] * float64(scale), voxel[1] * float64(scale), voxel[2]}
		l.Levels = append(l.Levels, Level{
			Index:      i,
			Key:        levelKey(res),
			Size:       cur,
			Resolution: res,
			ChunkSize:  chunk,
			Scale:      scale,
		})

		if levels > 0 && len(l.Levels) == levels {
			break
		}
		if levels == 0 && cur[0] <= chunk[0] && cur[1] <= chunk[1] {
			break
		}
		if cur[0] == 1 && cur[1] == 1 {
			break
		}

		cur = [3]int{(cur[0] + factor - 1) / factor, (cur[1] + factor - 1) / factor, cur[2]}
		scale *= factor
	}
	return l, nil
}

func levelKey(res [3]float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(res[0]) + "_" + f(res[1]) + "_" + f(res[2])
}

// Level returns level i.
func (l *Layout) Level(i int) (Level, error) {
	if i < 0 || i >= len(l.Levels) {
		return Level{}, fmt.Errorf("pyramid: level %d out of range [0,%d)", i, len(l.Levels))
	}
	return l.Levels[i], nil
}

// Chunks returns every chunk of a level, x fastest.
func (l *Layout) Chunks(level int) []models.Bounds {
	lv, err := l.Level(level)
	if err != nil {
		return nil
	}
	return lv.covering(lv.Extent())
}

// ChunksAt returns the chunks of a level whose z range contains z.
func (l *Layout) ChunksAt(level, z int) []models.Bounds {
	lv, err := l.Level(level)
	if err != nil {
		return nil
	}
	return lv.covering(models.NewBounds(0, 0, z, lv.Size[0], lv.Size[1], z+1))
}

// Covering returns exactly the chunks of a level that intersect box.
func (l *Layout) Covering(level int, box models.Bounds) []models.Bounds {
	lv, err := l.Level(level)
	if err != nil {
		return nil
	}
	return lv.covering(box)
}

func (lv Level) covering(box models.Bounds) []models.Bounds {
	box = box.Intersect(lv.Extent())
	if box.Empty() {
		return nil
	}

	var lo, hi [3]int
	for a := 0; a < 3; a++ {
		lo[a] = box.Min[a] / lv.ChunkSize[a]
		hi[a] = (box.Max[a] + lv.ChunkSize[a] - 1) / lv.ChunkSize[a]
	}

	var out []models.Bounds
	for k := lo[2]; k < hi[2]; k++ {
		for j := lo[1]; j < hi[1]; j++ {
			for i := lo[0]; i < hi[0]; i++ {
				out = append(out, lv.chunkBounds(i, j, k))
			}
		}
	}
	return out
}
