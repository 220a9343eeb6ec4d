package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gigavox/internal/codec"
)

// ManifestExt is the suffix of dataset manifests in the data directory.
const ManifestExt = ".brk.json"

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest describes a bricked dataset on disk.
type Manifest struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Dims          [3]int          `json:"dims"`
	BrickSize     int             `json:"brick_size"`
	BytesPerVoxel int             `json:"bytes_per_voxel"`
	Encoding      string          `json:"encoding"`
	Levels        []LevelManifest `json:"levels"`
}

type LevelManifest struct {
	Level  int             `json:"level"`
	Dims   [3]int          `json:"dims"`
	Bricks []BrickManifest `json:"bricks"`
}

// BrickManifest locates one brick. Encoding overrides the dataset encoding
// when set; Length <= 0 means the rest of the source.
type BrickManifest struct {
	ID       uint32 `json:"id"`
	Origin   [3]int `json:"origin"`
	Dims     [3]int `json:"dims"`
	URI      string `json:"uri"`
	Offset   int64  `json:"offset,omitempty"`
	Length   int64  `json:"length,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// Validate checks the manifest is usable without touching its sources.
func (m *Manifest) Validate() error {
	if m.BytesPerVoxel <= 0 {
		return fmt.Errorf("%w: bytes_per_voxel must be positive", ErrInvalidManifest)
	}
	if len(m.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidManifest)
	}
	if _, err := codec.ParseEncoding(m.Encoding); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	levels := make(map[int]bool, len(m.Levels))
	for _, lvl := range m.Levels {
		if lvl.Level < 0 || lvl.Level >= len(m.Levels) || levels[lvl.Level] {
			return fmt.Errorf("%w: levels must be numbered 0..%d without gaps, got %d", ErrInvalidManifest, len(m.Levels)-1, lvl.Level)
		}
		levels[lvl.Level] = true
	}

	seen := make(map[uint32]bool)
	for _, lvl := range m.Levels {
		for _, b := range lvl.Bricks {
			if seen[b.ID] {
				return fmt.Errorf("%w: duplicate brick id %d", ErrInvalidManifest, b.ID)
			}
			seen[b.ID] = true
			if b.Dims[0] <= 0 || b.Dims[1] <= 0 || b.Dims[2] <= 0 {
				return fmt.Errorf("%w: brick %d has empty dims", ErrInvalidManifest, b.ID)
			}
			if b.URI == "" {
				return fmt.Errorf("%w: brick %d has no uri", ErrInvalidManifest, b.ID)
			}
			if b.Encoding != "" {
				if _, err := codec.ParseEncoding(b.Encoding); err != nil {
					return fmt.Errorf("%w: brick %d: %v", ErrInvalidManifest, b.ID, err)
				}
			}
		}
	}
	return nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveManifest writes m as indented JSON.
func SaveManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}
