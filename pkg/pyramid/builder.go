package pyramid

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"histostack/internal/models"
	"histostack/pkg/imaging"
	"histostack/pkg/logger"
)

// Builder writes the chunks of one volume.
type Builder struct {
	volumeID    string
	layout      *Layout
	store       ChunkStore
	compression string
	log         logger.Logger
}

// NewBuilder creates a builder for volumeID. Chunks must be one voxel deep.
func NewBuilder(volumeID string, layout *Layout, store ChunkStore, compression string, log logger.Logger) (*Builder, error) {
	for _, l := range layout.Levels {
		if l.ChunkSize[2] != 1 {
			return nil, fmt.Errorf("pyramid: chunks must hold a single section, got depth %d", l.ChunkSize[2])
		}
	}
	if compression != CompressionNone && compression != CompressionGzip {
		return nil, fmt.Errorf("pyramid: unknown compression %q", compression)
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Builder{volumeID: volumeID, layout: layout, store: store, compression: compression, log: log}, nil
}

// Layout returns the level layout being written.
func (b *Builder) Layout() *Layout {
	return b.layout
}

// BuildSection writes every chunk containing section plane z. aligned must
// cover the whole level 0 canvas. The returned chunks carry their checksums.
func (b *Builder) BuildSection(ctx context.Context, z int, aligned *imaging.Gray) ([]models.Chunk, error) {
	base := b.layout.Levels[0]
	if aligned.Width != base.Size[0] || aligned.Height != base.Size[1] {
		return nil, fmt.Errorf("pyramid: section %d is %dx%d, canvas is %dx%d",
			z, aligned.Width, aligned.Height, base.Size[0], base.Size[1])
	}
	return b.build(ctx, z, PlaneFromGray(aligned))
}

// BuildPlaceholder writes zero chunks for a section that has no aligned
// image, keeping the volume extent complete.
func (b *Builder) BuildPlaceholder(ctx context.Context, z int) ([]models.Chunk, error) {
	return b.build(ctx, z, nil)
}

func (b *Builder) build(ctx context.Context, z int, plane *Plane) ([]models.Chunk, error) {
	if z < 0 || z >= b.layout.Levels[0].Size[2] {
		return nil, fmt.Errorf("pyramid: section plane %d outside volume depth %d", z, b.layout.Levels[0].Size[2])
	}

	var chunks []models.Chunk
	written := 0
	for _, level := range b.layout.Levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if plane != nil && level.Index > 0 {
			plane = plane.Downsample(b.layout.Factor)
		}

		for _, bounds := range b.layout.ChunksAt(level.Index, z) {
			payload, err := encodeChunk(plane, bounds, b.compression)
			if err != nil {
				return nil, err
			}
			ok, err := b.store.PutChunk(ctx, b.volumeID, level.Key, bounds, payload)
			if err != nil {
				return nil, fmt.Errorf("write chunk %s/%s: %w", level.Key, bounds.Key(), err)
			}
			if ok {
				written++
			}
			chunks = append(chunks, models.Chunk{
				VolumeID: b.volumeID,
				Level:    level.Index,
				Bounds:   bounds,
				Payload:  payload,
				Checksum: xxhash.Sum64(payload),
			})
		}
	}

	b.log.Debug("section chunks built",
		zap.String("volume", b.volumeID),
		zap.Int("section", z),
		zap.Bool("placeholder", plane == nil),
		zap.Int("chunks", len(chunks)),
		zap.Int("written", written))
	return chunks, nil
}

// WriteInfo stores the info descriptor of the volume.
func (b *Builder) WriteInfo(ctx context.Context) error {
	data, err := NewInfo(b.layout).Marshal()
	if err != nil {
		return err
	}
	return b.store.PutInfo(ctx, b.volumeID, data)
}
