// Package visualization reads regions and planar slices back out of a built
// pyramid, the way a volumetric viewer does.
package visualization

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"histostack/internal/models"
	"histostack/pkg/pyramid"
)

// Viewer fetches the chunks of one volume.
type Viewer struct {
	store       pyramid.ChunkStore
	volumeID    string
	compression string
	layout      *pyramid.Layout
}

// NewViewer opens a volume by reading its info descriptor.
func NewViewer(ctx context.Context, store pyramid.ChunkStore, volumeID, compression string) (*Viewer, error) {
	data, err := store.GetInfo(ctx, volumeID)
	if err != nil {
		return nil, fmt.Errorf("read info of %s: %w", volumeID, err)
	}
	info, err := pyramid.ParseInfo(data)
	if err != nil {
		return nil, err
	}
	layout, err := info.Layout()
	if err != nil {
		return nil, err
	}
	return &Viewer{store: store, volumeID: volumeID, compression: compression, layout: layout}, nil
}

// Layout returns the level layout of the volume.
func (v *Viewer) Layout() *pyramid.Layout {
	return v.layout
}

// ExtractRegion assembles the voxels of box at level, x fastest. Only the
// chunks covering box are read; chunks that were never written read as 0.
func (v *Viewer) ExtractRegion(ctx context.Context, level int, box models.Bounds) ([]uint16, error) {
	lv, err := v.layout.Level(level)
	if err != nil {
		return nil, err
	}
	if box.Empty() {
		return nil, fmt.Errorf("empty region %s", box.Key())
	}
	if box.Intersect(lv.Extent()) != box {
		return nil, fmt.Errorf("region %s extends beyond level %d extent %s", box.Key(), level, lv.Extent().Key())
	}

	size := box.Size()
	region := make([]uint16, box.Voxels())
	for _, cb := range v.layout.Covering(level, box) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := v.store.GetChunk(ctx, v.volumeID, lv.Key, cb)
		if errors.Is(err, pyramid.ErrChunkNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		voxels, err := pyramid.DecodeChunk(payload, cb, v.compression)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", cb.Key(), err)
		}

		cs := cb.Size()
		in := cb.Intersect(box)
		for z := in.Min[2]; z < in.Max[2]; z++ {
			for y := in.Min[1]; y < in.Max[1]; y++ {
				src := ((z-cb.Min[2])*cs[1]+(y-cb.Min[1]))*cs[0] + (in.Min[0] - cb.Min[0])
				dst := ((z-box.Min[2])*size[1]+(y-box.Min[1]))*size[0] + (in.Min[0] - box.Min[0])
				copy(region[dst:dst+in.Max[0]-in.Min[0]], voxels[src:])
			}
		}
	}
	return region, nil
}

// ExtractSlice returns the plane at position along axis ("x", "y" or "z")
// at level. An x slice is laid out z by y, a y slice x by z.
func (v *Viewer) ExtractSlice(ctx context.Context, level int, axis string, position int) (*image.Gray16, error) {
	lv, err := v.layout.Level(level)
	if err != nil {
		return nil, err
	}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if position >= lv.Size[a] {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, lv.Size[a])
	}

	box := lv.Extent()
	box.Min[a], box.Max[a] = position, position+1
	voxels, err := v.ExtractRegion(ctx, level, box)
	if err != nil {
		return nil, err
	}

	w, h, d := lv.Size[0], lv.Size[1], lv.Size[2]
	var img *image.Gray16
	switch a {
	case 0:
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for z := 0; z < d; z++ {
			for y := 0; y < h; y++ {
				setGray16(img, z, y, voxels[z*h+y])
			}
		}
	case 1:
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				setGray16(img, x, z, voxels[z*w+x])
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for i, val := range voxels {
			setGray16(img, i%w, i/w, val)
		}
	}
	return img, nil
}

func setGray16(img *image.Gray16, x, y int, v uint16) {
	i := img.PixOffset(x, y)
	img.Pix[i] = uint8(v >> 8)
	img.Pix[i+1] = uint8(v)
}

func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis at level.
func (v *Viewer) SaveSliceSequence(ctx context.Context, level int, axis string, outputDir string) error {
	lv, err := v.layout.Level(level)
	if err != nil {
		return err
	}
	a, err := axisIndex(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < lv.Size[a]; pos++ {
		img, err := v.ExtractSlice(ctx, level, axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
