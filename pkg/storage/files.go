package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactKind names a family of per-section intermediary files.
type ArtifactKind string

const (
	KindMask    ArtifactKind = "masks"
	KindAligned ArtifactKind = "aligned"
	KindPreview ArtifactKind = "preview"
)

// Artifacts keeps per-section stage outputs on disk, one directory per
// volume and kind: <root>/<volume>/<kind>/<order>.png.
type Artifacts struct {
	root string
}

// NewArtifacts creates the artifact root if needed.
func NewArtifacts(dir string) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating artifact directory: %w", err)
	}
	return &Artifacts{root: dir}, nil
}

// Path returns where an artifact lives.
func (a *Artifacts) Path(volumeID string, kind ArtifactKind, order int) string {
	return filepath.Join(a.root, volumeID, string(kind), fmt.Sprintf("%06d.png", order))
}

// Put writes an artifact atomically.
func (a *Artifacts) Put(ctx context.Context, volumeID string, kind ArtifactKind, order int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteFileAtomic(a.Path(volumeID, kind, order), data)
}

// Get reads an artifact. A missing artifact yields ErrNotFound.
func (a *Artifacts) Get(ctx context.Context, volumeID string, kind ArtifactKind, order int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(a.Path(volumeID, kind, order))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s %s/%d: %w", kind, volumeID, order, ErrNotFound)
	}
	return data, err
}

// Delete removes an artifact if present.
func (a *Artifacts) Delete(volumeID string, kind ArtifactKind, order int) error {
	err := os.Remove(a.Path(volumeID, kind, order))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, 0644)
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
