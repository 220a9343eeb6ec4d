package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gigavox/internal/brick"
)

// FileReader reads bricks from the local file system. Relative paths are
// resolved against root.
type FileReader struct {
	root string
}

func NewFileReader(root string) *FileReader {
	return &FileReader{root: root}
}

func (r *FileReader) path(uri string) string {
	p := strings.TrimPrefix(uri, "file://")
	if filepath.IsAbs(p) || r.root == "" {
		return p
	}
	return filepath.Join(r.root, p)
}

func (r *FileReader) Read(ctx context.Context, d *brick.Descriptor) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}

	data, err := readRange(r.path(d.Source.URI), d.Source.Offset, d.Source.Length)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, Encoding: d.Encoding}, nil
}

// readRange reads length bytes at offset, or the rest of the file when
// length <= 0.
func readRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if length <= 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		length = info.Size() - offset
		if length <= 0 {
			return nil, fmt.Errorf("%w: offset %d beyond %s", ErrShortRead, offset, path)
		}
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != length {
		return nil, fmt.Errorf("%w: %s got %d of %d bytes", ErrShortRead, path, n, length)
	}
	return buf, nil
}
