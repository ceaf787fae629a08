// Package ingest describes where volumes and their section images come
// from. Ingestion owns the raw images; the pipeline only reads them.
package ingest

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"histostack/pkg/imaging"
)

// SectionRef is one section as ingestion reports it.
type SectionRef struct {
	OrderIndex    int
	RawImageRef   string
	PhysicalScale float64
}

// Source lists volumes and sections and opens raw images.
type Source interface {
	Volumes(ctx context.Context) ([]string, error)
	Sections(ctx context.Context, volumeID string) ([]SectionRef, error)

	// Reference returns the designated reference section, if any.
	Reference(ctx context.Context, volumeID string) (int, bool, error)

	Open(ctx context.Context, ref string) (image.Image, error)
}

// Manifest is the YAML description of the volumes to stack.
type Manifest struct {
	Entries []VolumeEntry `yaml:"volumes"`

	// dir resolves relative image paths
	dir string
}

// VolumeEntry lists the sections of one volume, either explicitly or as
// every image of a directory in name order.
type VolumeEntry struct {
	ID string `yaml:"id"`

	// Reference designates the reference section by order index
	Reference *int `yaml:"reference,omitempty"`

	// PhysicalScale is the default raw pixel size in micrometres
	PhysicalScale float64 `yaml:"physicalScale"`

	// Directory holds the section images; sorted names give the order
	Directory string `yaml:"directory,omitempty"`

	Sections []SectionEntry `yaml:"sections,omitempty"`
}

// SectionEntry is one explicitly listed section.
type SectionEntry struct {
	Order         int     `yaml:"order"`
	Image         string  `yaml:"image"`
	PhysicalScale float64 `yaml:"physicalScale,omitempty"`
}

var _ Source = (*Manifest)(nil)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
}

// LoadManifest reads a manifest. Relative paths resolve against the
// manifest's own directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	m.dir = filepath.Dir(path)

	if err := m.expand(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

// expand turns directory entries into explicit sections.
func (m *Manifest) expand() error {
	for i := range m.Entries {
		v := &m.Entries[i]
		if v.Directory == "" || len(v.Sections) > 0 {
			continue
		}

		entries, err := os.ReadDir(m.resolve(v.Directory))
		if err != nil {
			return fmt.Errorf("volume %s: %w", v.ID, err)
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for order, name := range names {
			v.Sections = append(v.Sections, SectionEntry{Order: order, Image: filepath.Join(v.Directory, name)})
		}
	}
	return nil
}

// Validate checks ids are unique and order indices strictly increase.
func (m *Manifest) Validate() error {
	seen := map[string]bool{}
	for _, v := range m.Entries {
		if v.ID == "" {
			return fmt.Errorf("volume without id")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate volume %s", v.ID)
		}
		seen[v.ID] = true

		if len(v.Sections) == 0 {
			return fmt.Errorf("volume %s has no sections", v.ID)
		}
		for i, s := range v.Sections {
			if s.Image == "" {
				return fmt.Errorf("volume %s section %d has no image", v.ID, s.Order)
			}
			if i > 0 && s.Order <= v.Sections[i-1].Order {
				return fmt.Errorf("volume %s: section order must strictly increase (%d after %d)",
					v.ID, s.Order, v.Sections[i-1].Order)
			}
		}
		if v.Reference != nil && !v.has(*v.Reference) {
			return fmt.Errorf("volume %s: reference %d is not a section", v.ID, *v.Reference)
		}
	}
	return nil
}

func (v VolumeEntry) has(order int) bool {
	for _, s := range v.Sections {
		if s.Order == order {
			return true
		}
	}
	return false
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

func (m *Manifest) volume(id string) (*VolumeEntry, error) {
	for i := range m.Entries {
		if m.Entries[i].ID == id {
			return &m.Entries[i], nil
		}
	}
	return nil, fmt.Errorf("unknown volume %s", id)
}

// Volumes returns the volume ids in manifest order.
func (m *Manifest) Volumes(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.Entries))
	for _, v := range m.Entries {
		ids = append(ids, v.ID)
	}
	return ids, ctx.Err()
}

func (m *Manifest) Sections(ctx context.Context, volumeID string) ([]SectionRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := m.volume(volumeID)
	if err != nil {
		return nil, err
	}

	refs := make([]SectionRef, 0, len(v.Sections))
	for _, s := range v.Sections {
		scale := s.PhysicalScale
		if scale == 0 {
			scale = v.PhysicalScale
		}
		refs = append(refs, SectionRef{OrderIndex: s.Order, RawImageRef: m.resolve(s.Image), PhysicalScale: scale})
	}
	return refs, nil
}

func (m *Manifest) Reference(ctx context.Context, volumeID string) (int, bool, error) {
	v, err := m.volume(volumeID)
	if err != nil {
		return 0, false, err
	}
	if v.Reference == nil {
		return 0, false, ctx.Err()
	}
	return *v.Reference, true, ctx.Err()
}

// Open decodes a raw image from disk (PNG, JPEG or TIFF).
func (m *Manifest) Open(ctx context.Context, ref string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return imaging.LoadFile(ref)
}
