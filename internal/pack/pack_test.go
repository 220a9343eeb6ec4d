package pack

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigavox/internal/catalog"
	"gigavox/internal/codec"
	"gigavox/internal/loader"
	"gigavox/internal/source"
)

// ramp returns an x-fastest volume whose voxel value is its x coordinate.
func ramp(dims [3]int) []byte {
	out := make([]byte, 0, dims[0]*dims[1]*dims[2])
	for range dims[2] * dims[1] {
		for x := range dims[0] {
			out = append(out, byte(x))
		}
	}
	return out
}

func TestExtract(t *testing.T) {
	dims := [3]int{4, 3, 2}
	data := make([]byte, 24)
	for i := range data {
		data[i] = byte(i)
	}

	got := Extract(data, dims, 1, [3]int{1, 1, 1}, [3]int{2, 2, 1})
	assert.Equal(t, []byte{17, 18, 21, 22}, got)

	wide := make([]byte, 48)
	for i := range wide {
		wide[i] = byte(i)
	}
	got = Extract(wide, dims, 2, [3]int{3, 2, 0}, [3]int{1, 1, 1})
	assert.Equal(t, []byte{22, 23}, got)
}

func TestDownsample(t *testing.T) {
	data := ramp([3]int{5, 2, 1})
	got, dims := Downsample(data, [3]int{5, 2, 1}, 1)
	assert.Equal(t, [3]int{3, 1, 1}, dims)
	assert.Equal(t, []byte{0, 2, 4}, got)

	wide := []byte{1, 2, 3, 4, 5, 6}
	got, dims = Downsample(wide, [3]int{3, 1, 1}, 2)
	assert.Equal(t, [3]int{2, 1, 1}, dims)
	assert.Equal(t, []byte{1, 2, 5, 6}, got)
}

func TestPack_RoundTripsThroughLoader(t *testing.T) {
	dir := t.TempDir()
	dims := [3]int{8, 4, 2}
	volume := ramp(dims)

	m, err := Pack(context.Background(), volume, dir, Options{
		Name:          "ramp",
		Dims:          dims,
		BytesPerVoxel: 1,
		BrickSize:     4,
		Encoding:      codec.Zstd,
		Workers:       2,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, m.Levels, 2)
	assert.Len(t, m.Levels[0].Bricks, 2)
	assert.Equal(t, [3]int{4, 2, 1}, m.Levels[1].Dims)
	require.Len(t, m.Levels[1].Bricks, 1)
	assert.Equal(t, uint32(2), m.Levels[1].Bricks[0].ID)

	c := catalog.New(dir, zap.NewNop())
	require.NoError(t, c.Scan())
	vol := c.Volume(m.ID)
	require.NotNil(t, vol)

	opts := loader.DefaultOptions()
	opts.Workers = 2
	l := loader.New(source.NewFileReader(dir), opts, zap.NewNop())
	defer l.Close()

	var reqs []loader.Request
	for _, d := range vol.Bricks() {
		reqs = append(reqs, loader.Request{Brick: d})
	}
	l.ReplaceAll(reqs)
	require.NoError(t, l.Run())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))

	second, ok := l.Buffer(vol.Brick(1).Key())
	require.True(t, ok)
	assert.Equal(t, Extract(volume, dims, 1, [3]int{4, 0, 0}, [3]int{4, 4, 2}), second)

	coarse, ok := l.Buffer(vol.Brick(2).Key())
	require.True(t, ok)
	assert.Equal(t, []byte{0, 2, 4, 6, 0, 2, 4, 6}, coarse)
}

func TestPack_StoresIncompressibleBricksRaw(t *testing.T) {
	dir := t.TempDir()
	dims := [3]int{4, 4, 4}
	volume := make([]byte, 64)
	rand.New(rand.NewSource(3)).Read(volume)

	m, err := Pack(context.Background(), volume, dir, Options{
		Name:          "noise",
		Dims:          dims,
		BytesPerVoxel: 1,
		BrickSize:     4,
		Encoding:      codec.Zstd,
		Levels:        1,
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, m.Levels, 1)

	b := m.Levels[0].Bricks[0]
	assert.Equal(t, "raw", b.Encoding)
	assert.Equal(t, int64(64), b.Length)

	saved, err := catalog.LoadManifest(dir + "/noise" + catalog.ManifestExt)
	require.NoError(t, err)
	assert.Equal(t, m.ID, saved.ID)
	assert.Equal(t, "zstd", saved.Encoding)
}

func TestPack_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Name: "x", Dims: [3]int{2, 2, 2}, BytesPerVoxel: 1, BrickSize: 2}

	_, err := Pack(context.Background(), bytes.Repeat([]byte{1}, 7), dir, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidVolume)

	opts.BrickSize = 0
	_, err = Pack(context.Background(), bytes.Repeat([]byte{1}, 8), dir, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidVolume)

	opts.BrickSize, opts.Name = 2, ""
	_, err = Pack(context.Background(), bytes.Repeat([]byte{1}, 8), dir, opts, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidVolume)
}
