package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gigavox/internal/brick"
)

// URLReader fetches http(s) sources. Each source is downloaded once into a
// DiskCache and brick ranges are then served from the local copy.
type URLReader struct {
	client *http.Client
	cache  *DiskCache
	logger *zap.Logger
	group  singleflight.Group
}

func NewURLReader(cache *DiskCache, timeout time.Duration, logger *zap.Logger) *URLReader {
	return &URLReader{
		client: &http.Client{Timeout: timeout},
		cache:  cache,
		logger: logger,
	}
}

func (r *URLReader) Read(ctx context.Context, d *brick.Descriptor) (Payload, error) {
	uri := d.Source.URI

	if !r.cache.Has(uri) {
		_, err, _ := r.group.Do(uri, func() (interface{}, error) {
			if r.cache.Has(uri) {
				return nil, nil
			}
			return nil, r.download(ctx, uri)
		})
		if err != nil {
			return Payload{}, err
		}
	}

	data, err := r.cache.ReadRange(uri, d.Source.Offset, d.Source.Length)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, Encoding: d.Encoding}, nil
}

func (r *URLReader) download(ctx context.Context, uri string) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", uri, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("failed to fetch %s: status %d", uri, resp.StatusCode)
	}

	if err := r.cache.Store(uri, resp.Body); err != nil {
		return fmt.Errorf("failed to cache %s: %w", uri, err)
	}

	r.logger.Debug("Downloaded source",
		zap.String("uri", uri),
		zap.String("path", r.cache.Path(uri)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// Close drops idle keep-alive connections.
func (r *URLReader) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
