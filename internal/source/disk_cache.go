package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DiskCache keeps downloaded sources on local disk.
// Structure: {cacheDir}/{sha[:2]}/{sha}
type DiskCache struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewDiskCache(cacheDir string) (*DiskCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create source cache directory: %w", err)
	}

	return &DiskCache{
		cacheDir: cacheDir,
	}, nil
}

// Path returns where the source identified by uri is stored.
func (c *DiskCache) Path(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.cacheDir, name[:2], name)
}

func (c *DiskCache) Has(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.Path(uri))
	return err == nil
}

// Store copies r into the cache entry for uri. The copy goes to a temp file
// next to the entry; the lock is only held for the rename, so a slow download
// never blocks reads of other sources.
func (c *DiskCache) Store(uri string, r io.Reader) error {
	filePath := c.Path(uri)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ReadRange reads a byte range of a cached source.
func (c *DiskCache) ReadRange(uri string, offset, length int64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return readRange(c.Path(uri), offset, length)
}
