package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/codec"
)

func descriptor(uri string, offset, length int64, enc codec.Encoding) *brick.Descriptor {
	return brick.NewDescriptor(brick.NewDataset("t"), 1, [3]int{int(length), 1, 1}, 1, brick.Source{URI: uri, Offset: offset, Length: length}, enc)
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestFileReader_Ranges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vol.bin", []byte("0123456789"))
	r := NewFileReader(dir)
	ctx := context.Background()

	p, err := r.Read(ctx, descriptor("vol.bin", 2, 4, codec.Zstd))
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), p.Data)
	assert.Equal(t, codec.Zstd, p.Encoding)

	// Length <= 0 reads to the end.
	p, err = r.Read(ctx, descriptor("file://"+filepath.Join(dir, "vol.bin"), 6, 0, codec.Raw))
	require.NoError(t, err)
	assert.Equal(t, []byte("6789"), p.Data)

	_, err = r.Read(ctx, descriptor("vol.bin", 8, 4, codec.Raw))
	assert.ErrorIs(t, err, ErrShortRead)

	_, err = r.Read(ctx, descriptor("missing.bin", 0, 4, codec.Raw))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileReader_CanceledContext(t *testing.T) {
	r := NewFileReader(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Read(ctx, descriptor("x", 0, 1, codec.Raw))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestURLReader_DownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Write([]byte("abcdefghij"))
	}))
	defer srv.Close()

	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	r := NewURLReader(cache, 5*time.Second, zap.NewNop())
	defer r.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(off int64) {
			defer wg.Done()
			p, err := r.Read(ctx, descriptor(srv.URL+"/vol", off, 2, codec.Raw))
			assert.NoError(t, err)
			assert.Len(t, p.Data, 2)
		}(int64(i))
	}
	wg.Wait()

	p, err := r.Read(ctx, descriptor(srv.URL+"/vol", 3, 3, codec.Raw))
	require.NoError(t, err)
	assert.Equal(t, []byte("def"), p.Data)
	assert.Equal(t, int32(1), hits.Load())

	_, err = r.Read(ctx, descriptor(srv.URL+"/missing", 0, 1, codec.Raw))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskCache_StoreAndRead(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir)
	require.NoError(t, err)

	assert.False(t, c.Has("https://x/y"))
	require.NoError(t, c.Store("https://x/y", strings.NewReader("hello")))
	assert.True(t, c.Has("https://x/y"))

	data, err := c.ReadRange("https://x/y", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("ell"), data)
}

func TestDiskCache_SlowStoreDoesNotBlockReads(t *testing.T) {
	c, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Store("https://x/ready", strings.NewReader("ready")))

	pr, pw := io.Pipe()
	stored := make(chan error, 1)
	go func() {
		stored <- c.Store("https://x/slow", pr)
	}()
	_, err = pw.Write([]byte("par"))
	require.NoError(t, err)

	read := make(chan []byte, 1)
	go func() {
		data, _ := c.ReadRange("https://x/ready", 0, 5)
		read <- data
	}()
	select {
	case data := <-read:
		assert.Equal(t, []byte("ready"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("read blocked behind an unfinished download")
	}
	assert.False(t, c.Has("https://x/slow"), "partial downloads are not visible")

	_, err = pw.Write([]byte("tial"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-stored)

	data, err := c.ReadRange("https://x/slow", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), data)
}

func TestMux_DispatchByScheme(t *testing.T) {
	calls := map[string]int{}
	mk := func(name string) RawReader {
		return ReaderFunc(func(ctx context.Context, d *brick.Descriptor) (Payload, error) {
			calls[name]++
			return Payload{Data: []byte(name), Encoding: d.Encoding}, nil
		})
	}

	m := NewMux()
	m.Handle("file", mk("file"))
	m.Handle("s3", mk("s3"))
	assert.Equal(t, []string{"file", "s3"}, m.Schemes())

	ctx := context.Background()
	_, err := m.Read(ctx, descriptor("relative/path.raw", 0, 1, codec.Raw))
	require.NoError(t, err)
	_, err = m.Read(ctx, descriptor("S3://bucket/key", 0, 1, codec.Raw))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"file": 1, "s3": 1}, calls)

	_, err = m.Read(ctx, descriptor("ftp://host/x", 0, 1, codec.Raw))
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.NoError(t, m.Close())
}

type closingReader struct {
	err    error
	closed int
}

func (c *closingReader) Read(context.Context, *brick.Descriptor) (Payload, error) {
	return Payload{}, nil
}

func (c *closingReader) Close() error {
	c.closed++
	return c.err
}

func TestMux_CloseCombinesErrors(t *testing.T) {
	a := &closingReader{err: errors.New("a failed")}
	b := &closingReader{err: errors.New("b failed")}

	m := NewMux()
	m.Handle("http", a)
	m.Handle("https", a)
	m.Handle("s3", b)

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
	assert.Equal(t, 1, a.closed)
}

func TestRateLimited(t *testing.T) {
	inner := ReaderFunc(func(ctx context.Context, d *brick.Descriptor) (Payload, error) {
		return Payload{Data: make([]byte, 300)}, nil
	})

	unlimited := NewRateLimited(inner, 0)
	_, isLimited := unlimited.(*RateLimited)
	assert.False(t, isLimited)

	limited := NewRateLimited(inner, 1000)
	p, err := limited.Read(context.Background(), descriptor("x", 0, 1, codec.Raw))
	require.NoError(t, err)
	assert.Len(t, p.Data, 300)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewRateLimited(inner, 100)
	_, err = slow.Read(ctx, descriptor("x", 0, 1, codec.Raw))
	assert.Error(t, err)
}

func TestSplitObjectURI(t *testing.T) {
	bucket, key, err := splitObjectURI("s3://volumes/brain/level0.bin")
	require.NoError(t, err)
	assert.Equal(t, "volumes", bucket)
	assert.Equal(t, "brain/level0.bin", key)

	_, _, err = splitObjectURI("s3://volumes")
	assert.Error(t, err)
}

func TestSetRange(t *testing.T) {
	opts := minio.GetObjectOptions{}
	require.NoError(t, setRange(&opts, 10, 10))
	assert.Equal(t, "bytes=10-19", opts.Header().Get("Range"))

	opts = minio.GetObjectOptions{}
	require.NoError(t, setRange(&opts, 5, 0))
	assert.Equal(t, "bytes=5-", opts.Header().Get("Range"))

	opts = minio.GetObjectOptions{}
	require.NoError(t, setRange(&opts, 0, 0))
	assert.Empty(t, opts.Header().Get("Range"))
}
