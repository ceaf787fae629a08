package pyramid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"histostack/internal/models"
	"histostack/pkg/imaging"
)

// Compression of chunk payloads.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Plane is one uint16 voxel plane, row-major.
type Plane struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int) *Plane {
	return &Plane{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// PlaneFromGray quantises an aligned image.
func PlaneFromGray(g *imaging.Gray) *Plane {
	p := NewPlane(g.Width, g.Height)
	for i, v := range g.Pix {
		p.Pix[i] = imaging.Quantize16(v)
	}
	return p
}

// Downsample shrinks the plane by an integer factor with a box mean rounded
// half up. Integer arithmetic keeps the result bit-exact across platforms.
func (p *Plane) Downsample(factor int) *Plane {
	w := (p.Width + factor - 1) / factor
	h := (p.Height + factor - 1) / factor
	out := NewPlane(w, h)

	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			var sum, n uint64
			for y := oy * factor; y < min((oy+1)*factor, p.Height); y++ {
				for x := ox * factor; x < min((ox+1)*factor, p.Width); x++ {
					sum += uint64(p.Pix[y*p.Width+x])
					n++
				}
			}
			out.Pix[oy*w+ox] = uint16((sum + n/2) / n)
		}
	}
	return out
}

// encodeChunk serialises the part of plane inside b (a single z plane) as
// little-endian uint16 with x fastest, optionally gzip compressed. Voxels
// outside the plane are 0.
func encodeChunk(plane *Plane, b models.Bounds, compression string) ([]byte, error) {
	size := b.Size()
	raw := make([]byte, 2*size[0]*size[1]*size[2])

	if plane != nil {
		i := 0
		for z := 0; z < size[2]; z++ {
			for y := b.Min[1]; y < b.Max[1]; y++ {
				for x := b.Min[0]; x < b.Max[0]; x++ {
					var v uint16
					if x < plane.Width && y < plane.Height {
						v = plane.Pix[y*plane.Width+x]
					}
					binary.LittleEndian.PutUint16(raw[i:], v)
					i += 2
				}
			}
		}
	}

	switch compression {
	case CompressionNone, "":
		return raw, nil
	case CompressionGzip:
		var buf bytes.Buffer
		// The zero header has no timestamp or name, so output depends on
		// the voxels only.
		zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("pyramid: unknown compression %q", compression)
	}
}

// DecodeChunk returns the voxels of a payload written for bounds b.
func DecodeChunk(payload []byte, b models.Bounds, compression string) ([]uint16, error) {
	raw := payload
	if compression == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", b.Key(), err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", b.Key(), err)
		}
	}

	if len(raw) != 2*b.Voxels() {
		return nil, fmt.Errorf("decode chunk %s: %d bytes for %d voxels", b.Key(), len(raw), b.Voxels())
	}
	out := make([]uint16, b.Voxels())
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return out, nil
}
