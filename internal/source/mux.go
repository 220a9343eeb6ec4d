package source

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigavox/internal/brick"
)

// Mux dispatches reads by the scheme of the brick's source URI.
type Mux struct {
	readers map[string]RawReader
}

func NewMux() *Mux {
	return &Mux{readers: make(map[string]RawReader)}
}

// Handle registers r for a scheme such as "file", "https" or "s3".
func (m *Mux) Handle(scheme string, r RawReader) {
	m.readers[scheme] = r
}

func (m *Mux) Schemes() []string {
	schemes := make([]string, 0, len(m.readers))
	for s := range m.readers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

func (m *Mux) Read(ctx context.Context, d *brick.Descriptor) (Payload, error) {
	s := scheme(d.Source.URI)
	r, ok := m.readers[s]
	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, s)
	}
	return r.Read(ctx, d)
}

// Close closes every registered reader that holds resources.
func (m *Mux) Close() error {
	var err error
	seen := make(map[io.Closer]bool)
	for _, r := range m.readers {
		c, ok := r.(io.Closer)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Options configures NewReader.
type Options struct {
	DataDir          string
	CacheDir         string
	HTTPTimeout      time.Duration
	IOLimitBytesPSec int64
	Object           ObjectConfig
}

// NewReader builds the reader stack used by the server: local files always,
// http(s) through a disk cache, s3 when an endpoint is configured, and an
// optional IO rate limit on top.
func NewReader(opts Options, log *zap.Logger) (RawReader, *Mux, error) {
	mux := NewMux()
	mux.Handle("file", NewFileReader(opts.DataDir))

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(opts.DataDir, "cache")
	}
	diskCache, err := NewDiskCache(cacheDir)
	if err != nil {
		return nil, nil, err
	}
	urlReader := NewURLReader(diskCache, opts.HTTPTimeout, log.Named("url"))
	mux.Handle("http", urlReader)
	mux.Handle("https", urlReader)
	log.Info("Using source cache", zap.String("cache_dir", cacheDir))

	if opts.Object.Endpoint != "" {
		objReader, err := NewObjectReader(opts.Object)
		if err != nil {
			return nil, nil, err
		}
		mux.Handle("s3", objReader)
		log.Info("Using object storage", zap.String("endpoint", opts.Object.Endpoint), zap.Bool("ssl", opts.Object.UseSSL))
	}

	if opts.IOLimitBytesPSec > 0 {
		log.Info("Limiting source IO", zap.Int64("bytes_per_sec", opts.IOLimitBytesPSec))
	}
	return NewRateLimited(mux, opts.IOLimitBytesPSec), mux, nil
}
