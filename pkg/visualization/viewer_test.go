package visualization

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"histostack/internal/models"
	"histostack/pkg/imaging"
	"histostack/pkg/pyramid"
)

const (
	width  = 10
	height = 7
	depth  = 3
)

// value is the test pattern, distinct for every voxel.
func value(x, y, z int) uint16 {
	return uint16(1000*z + 10*y + x + 1)
}

// buildVolume writes a level 0 volume of 4x4 chunks holding the test
// pattern, leaving plane 2 unwritten.
func buildVolume(t *testing.T) (*pyramid.FileStore, string) {
	t.Helper()
	ctx := context.Background()

	store, err := pyramid.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	layout, err := pyramid.NewLayout([3]int{width, height, depth}, [3]float64{500, 500, 20000}, [3]int{4, 4, 1}, 2, 0)
	if err != nil {
		t.Fatalf("Failed to create layout: %v", err)
	}
	b, err := pyramid.NewBuilder("vol", layout, store, pyramid.CompressionGzip, nil)
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}

	for z := 0; z < depth-1; z++ {
		g := imaging.NewGray(width, height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g.Set(x, y, float64(value(x, y, z))/65535)
			}
		}
		if _, err := b.BuildSection(ctx, z, g); err != nil {
			t.Fatalf("Failed to build section %d: %v", z, err)
		}
	}
	if err := b.WriteInfo(ctx); err != nil {
		t.Fatalf("Failed to write info: %v", err)
	}
	return store, "vol"
}

func openViewer(t *testing.T) *Viewer {
	t.Helper()
	store, vol := buildVolume(t)
	v, err := NewViewer(context.Background(), store, vol, pyramid.CompressionGzip)
	if err != nil {
		t.Fatalf("Failed to open viewer: %v", err)
	}
	return v
}

func TestNewViewerReadsLayout(t *testing.T) {
	v := openViewer(t)
	lv, err := v.Layout().Level(0)
	if err != nil {
		t.Fatalf("Failed to get level 0: %v", err)
	}
	if lv.Size != [3]int{width, height, depth} {
		t.Errorf("Expected size %v, got %v", [3]int{width, height, depth}, lv.Size)
	}
	if len(v.Layout().Levels) != 3 {
		t.Errorf("Expected 3 levels, got %d", len(v.Layout().Levels))
	}

	store, err := pyramid.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewViewer(context.Background(), store, "missing", pyramid.CompressionGzip); err == nil {
		t.Error("Expected error for a volume without info, got nil")
	}
}

func TestExtractRegion(t *testing.T) {
	v := openViewer(t)
	ctx := context.Background()

	// Spans four chunks in xy and the unwritten plane.
	box := models.NewBounds(2, 3, 1, 7, 6, 3)
	region, err := v.ExtractRegion(ctx, 0, box)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if len(region) != box.Voxels() {
		t.Fatalf("Expected region size %d, got %d", box.Voxels(), len(region))
	}

	size := box.Size()
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				want := value(box.Min[0]+x, box.Min[1]+y, box.Min[2]+z)
				if box.Min[2]+z == 2 {
					want = 0
				}
				got := region[(z*size[1]+y)*size[0]+x]
				if got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %d, got %d", x, y, z, want, got)
				}
			}
		}
	}

	if _, err := v.ExtractRegion(ctx, 0, models.NewBounds(8, 0, 0, 12, 1, 1)); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
	if _, err := v.ExtractRegion(ctx, 0, models.NewBounds(1, 1, 1, 1, 2, 2)); err == nil {
		t.Error("Expected error for empty region, got nil")
	}
	if _, err := v.ExtractRegion(ctx, 9, box); err == nil {
		t.Error("Expected error for unknown level, got nil")
	}
}

func TestExtractSlice(t *testing.T) {
	v := openViewer(t)
	ctx := context.Background()

	tests := []struct {
		axis   string
		pos    int
		w, h   int
		sample func(i, j int) uint16
	}{
		{"z", 1, width, height, func(i, j int) uint16 { return value(i, j, 1) }},
		{"x", 4, depth, height, func(i, j int) uint16 {
			if i == 2 {
				return 0
			}
			return value(4, j, i)
		}},
		{"y", 5, width, depth, func(i, j int) uint16 {
			if j == 2 {
				return 0
			}
			return value(i, 5, j)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := v.ExtractSlice(ctx, 0, tt.axis, tt.pos)
			if err != nil {
				t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
			}
			b := img.Bounds()
			if b.Dx() != tt.w || b.Dy() != tt.h {
				t.Fatalf("Expected %s slice dimensions %dx%d, got %dx%d", tt.axis, tt.w, tt.h, b.Dx(), b.Dy())
			}
			for j := 0; j < tt.h; j++ {
				for i := 0; i < tt.w; i++ {
					if got := img.Gray16At(i, j).Y; got != tt.sample(i, j) {
						t.Errorf("Expected %d at (%d,%d), got %d", tt.sample(i, j), i, j, got)
					}
				}
			}
		})
	}

	if _, err := v.ExtractSlice(ctx, 0, "invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := v.ExtractSlice(ctx, 0, "z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	v := openViewer(t)
	dir := filepath.Join(t.TempDir(), "z")
	if err := v.SaveSliceSequence(context.Background(), 0, "z", dir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		name := filepath.Join(dir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Expected slice file %s: %v", name, err)
		}
	}

	if err := v.SaveSliceSequence(context.Background(), 0, "w", dir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
