// Package catalog discovers bricked datasets in the data directory.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/codec"
)

// Volume is a loaded dataset: its manifest, the handle shared with the
// loader and one descriptor per brick.
type Volume struct {
	Manifest *Manifest
	Path     string
	Dataset  *brick.Dataset

	levels [][]*brick.Descriptor
	byID   map[brick.ID]*brick.Descriptor
}

// NumLevels is the number of pyramid levels, finest first.
func (v *Volume) NumLevels() int {
	return len(v.levels)
}

// Level returns the bricks of pyramid level n, or nil.
func (v *Volume) Level(n int) []*brick.Descriptor {
	if n < 0 || n >= len(v.levels) {
		return nil
	}
	return v.levels[n]
}

func (v *Volume) Brick(id brick.ID) *brick.Descriptor {
	return v.byID[id]
}

// Bricks returns every descriptor, finest level first.
func (v *Volume) Bricks() []*brick.Descriptor {
	var out []*brick.Descriptor
	for _, lvl := range v.levels {
		out = append(out, lvl...)
	}
	return out
}

// Info is the JSON summary of a volume.
type Info struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Dims          [3]int `json:"dims"`
	BrickSize     int    `json:"brick_size"`
	BytesPerVoxel int    `json:"bytes_per_voxel"`
	Encoding      string `json:"encoding"`
	Levels        int    `json:"levels"`
	Bricks        int    `json:"bricks"`
	Bytes         int64  `json:"bytes"`
	Displayed     bool   `json:"displayed"`
}

func (v *Volume) Info() Info {
	var bytes int64
	for _, d := range v.byID {
		bytes += d.Size()
	}
	return Info{
		ID:            v.Dataset.ID,
		Name:          v.Dataset.Name,
		Dims:          v.Manifest.Dims,
		BrickSize:     v.Manifest.BrickSize,
		BytesPerVoxel: v.Manifest.BytesPerVoxel,
		Encoding:      v.Manifest.Encoding,
		Levels:        len(v.levels),
		Bricks:        len(v.byID),
		Bytes:         bytes,
		Displayed:     v.Dataset.Displayed(),
	}
}

type Catalog struct {
	dataDir string
	logger  *zap.Logger

	mu      sync.RWMutex
	volumes []*Volume
}

func New(dataDir string, logger *zap.Logger) *Catalog {
	return &Catalog{
		dataDir: dataDir,
		logger:  logger,
	}
}

// Scan loads every manifest in the data directory. Manifests without an ID
// are assigned a fresh UUID and rewritten. Volumes already known keep their
// dataset handle so display state survives a rescan.
func (c *Catalog) Scan() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	c.mu.RLock()
	known := make(map[string]*Volume, len(c.volumes))
	for _, v := range c.volumes {
		known[v.Dataset.ID] = v
	}
	c.mu.RUnlock()

	var volumes []*Volume
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ManifestExt) {
			continue
		}

		path := filepath.Join(c.dataDir, entry.Name())
		m, err := LoadManifest(path)
		if err != nil {
			c.logger.Warn("Failed to load manifest, skipping", zap.String("path", path), zap.Error(err))
			continue
		}

		if m.ID == "" {
			m.ID = uuid.New().String()
			if err := SaveManifest(path, m); err != nil {
				c.logger.Warn("Failed to save manifest", zap.String("path", path), zap.Error(err))
				continue
			}
			c.logger.Info("Assigned dataset ID", zap.String("path", path), zap.String("id", m.ID))
		}

		if other, ok := seen[m.ID]; ok {
			c.logger.Warn("Duplicate dataset ID, skipping",
				zap.String("path", path),
				zap.String("id", m.ID),
				zap.String("first", other))
			continue
		}
		seen[m.ID] = path

		var ds *brick.Dataset
		if prev, ok := known[m.ID]; ok {
			ds = prev.Dataset
		}
		vol, err := NewVolume(m, path, ds)
		if err != nil {
			c.logger.Warn("Failed to build volume", zap.String("path", path), zap.Error(err))
			continue
		}
		volumes = append(volumes, vol)
	}

	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].Dataset.Name < volumes[j].Dataset.Name
	})

	c.mu.Lock()
	c.volumes = volumes
	c.mu.Unlock()

	c.logger.Info("Scanned datasets", zap.String("data_dir", c.dataDir), zap.Int("count", len(volumes)))
	return nil
}

// NewVolume builds descriptors for m. A nil ds creates a new dataset handle.
func NewVolume(m *Manifest, path string, ds *brick.Dataset) (*Volume, error) {
	defaultEnc, err := codec.ParseEncoding(m.Encoding)
	if err != nil {
		return nil, err
	}

	name := m.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ManifestExt)
	}
	if ds == nil {
		ds = brick.NewDatasetWithID(m.ID, name)
	}

	levels := append([]LevelManifest(nil), m.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	v := &Volume{
		Manifest: m,
		Path:     path,
		Dataset:  ds,
		byID:     make(map[brick.ID]*brick.Descriptor),
	}
	for _, lvl := range levels {
		descs := make([]*brick.Descriptor, 0, len(lvl.Bricks))
		for _, b := range lvl.Bricks {
			enc := defaultEnc
			if b.Encoding != "" {
				if enc, err = codec.ParseEncoding(b.Encoding); err != nil {
					return nil, err
				}
			}
			d := brick.NewDescriptor(ds, brick.ID(b.ID), b.Dims, m.BytesPerVoxel,
				brick.Source{URI: b.URI, Offset: b.Offset, Length: b.Length}, enc)
			d.Level = lvl.Level
			d.Origin = b.Origin
			descs = append(descs, d)
			v.byID[d.ID] = d
		}
		v.levels = append(v.levels, descs)
	}
	return v, nil
}

// Volumes returns the scanned volumes sorted by name.
func (c *Catalog) Volumes() []*Volume {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]*Volume(nil), c.volumes...)
}

func (c *Catalog) Volume(id string) *Volume {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, v := range c.volumes {
		if v.Dataset.ID == id {
			return v
		}
	}
	return nil
}
