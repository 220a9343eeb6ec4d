// Package source reads stored brick bytes without decoding them.
package source

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"

	"gigavox/internal/brick"
	"gigavox/internal/codec"
)

// ErrNotFound is returned when a brick's source does not exist.
// It maps to os.ErrNotExist so errors.Is works for both.
var ErrNotFound = os.ErrNotExist

var (
	ErrShortRead         = errors.New("short read")
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
)

// Payload is the stored form of one brick: raw voxels or a compressed blob.
// Ownership of Data passes to the caller.
type Payload struct {
	Data     []byte
	Encoding codec.Encoding
}

// RawReader fetches the stored bytes of a brick. Implementations must be
// safe for concurrent use and may block on I/O. Callers do not retry.
type RawReader interface {
	Read(ctx context.Context, d *brick.Descriptor) (Payload, error)
}

// ReaderFunc adapts a function to RawReader.
type ReaderFunc func(ctx context.Context, d *brick.Descriptor) (Payload, error)

func (f ReaderFunc) Read(ctx context.Context, d *brick.Descriptor) (Payload, error) {
	return f(ctx, d)
}

// scheme returns the lower-cased URI scheme, or "file" for plain paths.
func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "file"
	}
	return strings.ToLower(uri[:i])
}

// splitObjectURI splits "s3://bucket/some/key" into bucket and key.
func splitObjectURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", errors.New("object uri needs bucket and key: " + uri)
	}
	return u.Host, key, nil
}
