// Package pack cuts a raw volume into a brick pyramid and writes it with a
// manifest the catalog can scan.
package pack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigavox/internal/catalog"
	"gigavox/internal/codec"
	"gigavox/internal/planner"
)

var ErrInvalidVolume = errors.New("invalid volume")

type Options struct {
	Name          string
	Dims          [3]int
	BytesPerVoxel int
	BrickSize     int
	Encoding      codec.Encoding
	// Levels is the number of pyramid levels. Zero or less derives it from
	// the brick size so the coarsest level fits in one brick.
	Levels  int
	Workers int
}

// Pack writes one data file per level and a manifest into outDir and returns
// the manifest. Bricks that do not shrink under the chosen encoding are
// stored raw.
func Pack(ctx context.Context, volume []byte, outDir string, opts Options, log *zap.Logger) (*catalog.Manifest, error) {
	if opts.BytesPerVoxel <= 0 || opts.BrickSize <= 0 {
		return nil, fmt.Errorf("%w: bytes per voxel and brick size must be positive", ErrInvalidVolume)
	}
	if want := voxels(opts.Dims) * opts.BytesPerVoxel; want <= 0 || len(volume) != want {
		return nil, fmt.Errorf("%w: %v x %d bytes needs %d bytes, got %d", ErrInvalidVolume, opts.Dims, opts.BytesPerVoxel, want, len(volume))
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidVolume)
	}
	levels := opts.Levels
	if levels <= 0 {
		levels = planner.CalculateMaxLevel(opts.Dims, opts.BrickSize) + 1
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	m := &catalog.Manifest{
		ID:            uuid.New().String(),
		Name:          opts.Name,
		Dims:          opts.Dims,
		BrickSize:     opts.BrickSize,
		BytesPerVoxel: opts.BytesPerVoxel,
		Encoding:      opts.Encoding.String(),
	}

	var nextID uint32
	data, dims := volume, opts.Dims
	for n := range levels {
		lvl, err := packLevel(ctx, data, dims, n, &nextID, outDir, opts, workers)
		if err != nil {
			return nil, err
		}
		m.Levels = append(m.Levels, *lvl)
		log.Info("Packed level",
			zap.Int("level", n),
			zap.Ints("dims", dims[:]),
			zap.Int("bricks", len(lvl.Bricks)),
		)

		if n == levels-1 || dims == [3]int{1, 1, 1} {
			break
		}
		data, dims = Downsample(data, dims, opts.BytesPerVoxel)
	}

	path := filepath.Join(outDir, opts.Name+catalog.ManifestExt)
	if err := catalog.SaveManifest(path, m); err != nil {
		return nil, err
	}
	log.Info("Wrote manifest", zap.String("path", path), zap.String("id", m.ID), zap.Int("levels", len(m.Levels)))
	return m, nil
}

type encoded struct {
	brick catalog.BrickManifest
	data  []byte
}

func packLevel(ctx context.Context, data []byte, dims [3]int, level int, nextID *uint32, outDir string, opts Options, workers int) (*catalog.LevelManifest, error) {
	var origins [][3]int
	bs := opts.BrickSize
	for z := 0; z < dims[2]; z += bs {
		for y := 0; y < dims[1]; y += bs {
			for x := 0; x < dims[0]; x += bs {
				origins = append(origins, [3]int{x, y, z})
			}
		}
	}

	uri := fmt.Sprintf("%s.l%d.bin", opts.Name, level)
	out := make([]encoded, len(origins))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, origin := range origins {
		id := *nextID + uint32(i)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var bdims [3]int
			for a := range 3 {
				bdims[a] = min(bs, dims[a]-origin[a])
			}
			raw := Extract(data, dims, opts.BytesPerVoxel, origin, bdims)

			b := catalog.BrickManifest{ID: id, Origin: origin, Dims: bdims, URI: uri}
			payload, err := codec.Encode(opts.Encoding, raw, bdims)
			if err != nil || (opts.Encoding.Compressed() && len(payload) >= len(raw)) {
				if err != nil && opts.Encoding != codec.LZ4 {
					return fmt.Errorf("failed to encode brick %d: %w", id, err)
				}
				payload = raw
				if opts.Encoding != codec.Raw {
					b.Encoding = codec.Raw.String()
				}
			}
			out[i] = encoded{brick: b, data: payload}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	*nextID += uint32(len(origins))

	f, err := os.Create(filepath.Join(outDir, uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}
	defer f.Close()

	lvl := &catalog.LevelManifest{Level: level, Dims: dims}
	var offset int64
	for _, e := range out {
		if _, err := f.Write(e.data); err != nil {
			return nil, fmt.Errorf("failed to write brick %d: %w", e.brick.ID, err)
		}
		e.brick.Offset = offset
		e.brick.Length = int64(len(e.data))
		offset += e.brick.Length
		lvl.Bricks = append(lvl.Bricks, e.brick)
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return lvl, nil
}

func voxels(dims [3]int) int {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return 0
	}
	return dims[0] * dims[1] * dims[2]
}

// Extract copies the box at origin with size bdims out of an x-fastest volume.
func Extract(data []byte, dims [3]int, bpv int, origin, bdims [3]int) []byte {
	out := make([]byte, 0, voxels(bdims)*bpv)
	row := bdims[0] * bpv
	for z := range bdims[2] {
		for y := range bdims[1] {
			start := (((origin[2]+z)*dims[1]+origin[1]+y)*dims[0] + origin[0]) * bpv
			out = append(out, data[start:start+row]...)
		}
	}
	return out
}

// Downsample halves every dimension, rounding up, by keeping the first voxel
// of each 2x2x2 block. Voxels are copied whole so any sample type survives.
func Downsample(data []byte, dims [3]int, bpv int) ([]byte, [3]int) {
	var nd [3]int
	for a := range 3 {
		nd[a] = (dims[a] + 1) / 2
	}
	out := make([]byte, 0, voxels(nd)*bpv)
	for z := range nd[2] {
		for y := range nd[1] {
			for x := range nd[0] {
				src := (((2*z)*dims[1]+2*y)*dims[0] + 2*x) * bpv
				out = append(out, data[src:src+bpv]...)
			}
		}
	}
	return out, nd
}
