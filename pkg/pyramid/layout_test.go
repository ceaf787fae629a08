package pyramid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"histostack/internal/models"
)

func TestNewLayoutLevels(t *testing.T) {
	l, err := NewLayout([3]int{1000, 600, 7}, [3]float64{460, 460, 20000}, [3]int{256, 256, 1}, 2, 0)
	require.NoError(t, err)

	var sizes [][3]int
	var keys []string
	for _, lv := range l.Levels {
		sizes = append(sizes, lv.Size)
		keys = append(keys, lv.Key)
	}
	wantSizes := [][3]int{{1000, 600, 7}, {500, 300, 7}, {250, 150, 7}}
	if diff := cmp.Diff(wantSizes, sizes); diff != "" {
		t.Errorf("level sizes mismatch (-want +got):\n%s", diff)
	}
	wantKeys := []string{"460_460_20000", "920_920_20000", "1840_1840_20000"}
	if diff := cmp.Diff(wantKeys, keys); diff != "" {
		t.Errorf("level keys mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 4, l.Levels[2].Scale)
	require.Equal(t, [3]int{4, 3, 7}, l.Levels[0].Grid())
}

func TestNewLayoutFixedLevels(t *testing.T) {
	l, err := NewLayout([3]int{9, 9, 1}, [3]float64{1, 1, 1}, [3]int{4, 4, 1}, 3, 5)
	require.NoError(t, err)
	// 9 -> 3 -> 1, then stops at a single voxel.
	require.Len(t, l.Levels, 3)
	require.Equal(t, [3]int{1, 1, 1}, l.Levels[2].Size)
}

func TestNewLayoutRejectsInvalid(t *testing.T) {
	_, err := NewLayout([3]int{0, 10, 1}, [3]float64{1, 1, 1}, [3]int{4, 4, 1}, 2, 0)
	require.Error(t, err)
	_, err = NewLayout([3]int{10, 10, 1}, [3]float64{1, 1, 1}, [3]int{4, 0, 1}, 2, 0)
	require.Error(t, err)
	_, err = NewLayout([3]int{10, 10, 1}, [3]float64{1, 1, 1}, [3]int{4, 4, 1}, 1, 0)
	require.Error(t, err)
}

// TestChunksTileEveryLevel checks each voxel belongs to exactly one chunk
func TestChunksTileEveryLevel(t *testing.T) {
	l, err := NewLayout([3]int{70, 45, 3}, [3]float64{1, 1, 1}, [3]int{16, 16, 1}, 2, 0)
	require.NoError(t, err)

	for _, lv := range l.Levels {
		count := make([]int, lv.Size[0]*lv.Size[1]*lv.Size[2])
		for _, b := range l.Chunks(lv.Index) {
			require.False(t, b.Empty(), "level %d has empty chunk %s", lv.Index, b.Key())
			for z := b.Min[2]; z < b.Max[2]; z++ {
				for y := b.Min[1]; y < b.Max[1]; y++ {
					for x := b.Min[0]; x < b.Max[0]; x++ {
						count[(z*lv.Size[1]+y)*lv.Size[0]+x]++
					}
				}
			}
		}
		for i, c := range count {
			if c != 1 {
				t.Fatalf("level %d voxel %d covered %d times", lv.Index, i, c)
			}
		}
	}
}

// TestCoveringIsExact returns only and all intersecting chunks
func TestCoveringIsExact(t *testing.T) {
	l, err := NewLayout([3]int{100, 80, 4}, [3]float64{1, 1, 1}, [3]int{32, 32, 1}, 2, 1)
	require.NoError(t, err)

	boxes := []models.Bounds{
		models.NewBounds(10, 10, 1, 40, 33, 3),
		models.NewBounds(0, 0, 0, 1, 1, 1),
		models.NewBounds(95, 70, 3, 200, 200, 9),
		models.NewBounds(32, 32, 0, 64, 64, 1),
	}
	for _, box := range boxes {
		got := map[string]bool{}
		for _, b := range l.Covering(0, box) {
			got[b.Key()] = true
		}
		want := map[string]bool{}
		for _, b := range l.Chunks(0) {
			if b.Overlaps(box) {
				want[b.Key()] = true
			}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Covering(%s) mismatch (-want +got):\n%s", box.Key(), diff)
		}
	}

	require.Empty(t, l.Covering(0, models.NewBounds(200, 200, 0, 300, 300, 1)))
	require.Nil(t, l.Covering(3, models.NewBounds(0, 0, 0, 1, 1, 1)))
}

func TestChunksAt(t *testing.T) {
	l, err := NewLayout([3]int{64, 32, 5}, [3]float64{1, 1, 1}, [3]int{32, 32, 1}, 2, 0)
	require.NoError(t, err)

	chunks := l.ChunksAt(0, 2)
	require.Len(t, chunks, 2)
	for _, b := range chunks {
		require.Equal(t, 2, b.Min[2])
		require.Equal(t, 3, b.Max[2])
	}
}
