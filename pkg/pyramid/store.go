package pyramid

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"histostack/internal/models"
	"histostack/pkg/storage"
)

// ErrChunkNotFound is returned when a chunk has never been written.
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore persists encoded chunks addressed by (volume, level key, bounds).
type ChunkStore interface {
	// PutChunk stores payload and reports whether anything was written.
	// A chunk whose stored payload already has the same checksum is left
	// untouched.
	PutChunk(ctx context.Context, volumeID, level string, b models.Bounds, payload []byte) (bool, error)
	GetChunk(ctx context.Context, volumeID, level string, b models.Bounds) ([]byte, error)
	PutInfo(ctx context.Context, volumeID string, data []byte) error
	GetInfo(ctx context.Context, volumeID string) ([]byte, error)
}

// FileStore lays chunks out on disk the way precomputed volumes are served:
// <root>/<volume>/info and <root>/<volume>/<level key>/<x0-x1_y0-y1_z0-z1>.
type FileStore struct {
	root string
}

var _ ChunkStore = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) chunkPath(volumeID, level string, b models.Bounds) string {
	return filepath.Join(s.root, volumeID, level, b.Key())
}

func (s *FileStore) PutChunk(ctx context.Context, volumeID, level string, b models.Bounds, payload []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path := s.chunkPath(volumeID, level, b)

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(existing) == len(payload) && xxhash.Sum64(existing) == xxhash.Sum64(payload) {
			return false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	if err := storage.WriteFileAtomic(path, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) GetChunk(ctx context.Context, volumeID, level string, b models.Bounds) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.chunkPath(volumeID, level, b))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s/%s: %w", volumeID, level, b.Key(), ErrChunkNotFound)
	}
	return data, err
}

func (s *FileStore) PutInfo(ctx context.Context, volumeID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return storage.WriteFileAtomic(filepath.Join(s.root, volumeID, "info"), data)
}

func (s *FileStore) GetInfo(ctx context.Context, volumeID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.root, volumeID, "info"))
}
