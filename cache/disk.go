package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	// HashLength is the number of bytes of the SHA-256 key hash used in file names.
	HashLength = 20

	// CacheFileExtension for final cache files.
	CacheFileExtension = ".dat"

	// expiryHeaderSize is the big-endian Unix nanosecond expiry prefix.
	expiryHeaderSize = 8
)

// DiskCache persists entries as files named by the hash of their key.
// Each file starts with its expiry time.
type DiskCache struct {
	rootDir string
	now     func() time.Time
}

// NewDiskCache creates a new disk cache.
func NewDiskCache(rootDir string) (*DiskCache, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &DiskCache{rootDir: rootDir, now: time.Now}, nil
}

// ComputeHash returns the hex file name stem for a key.
func ComputeHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:HashLength])
}

// path returns the cache file path for a key, sharded by the first byte.
func (dc *DiskCache) path(key string) string {
	name := ComputeHash(key)
	return filepath.Join(dc.rootDir, name[:2], name+CacheFileExtension)
}

// Get reads an entry. Missing and expired entries report false; expired
// files are removed.
func (dc *DiskCache) Get(key string) ([]byte, time.Time, bool, error) {
	file := dc.path(key)
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, fmt.Errorf("read cache file: %w", err)
	}
	if len(data) < expiryHeaderSize {
		_ = os.Remove(file)
		return nil, time.Time{}, false, nil
	}

	expiry := time.Unix(0, int64(binary.BigEndian.Uint64(data[:expiryHeaderSize])))
	if !dc.now().Before(expiry) {
		_ = os.Remove(file)
		return nil, time.Time{}, false, nil
	}
	return data[expiryHeaderSize:], expiry, true, nil
}

// Set writes an entry with a two-phase update: a unique temporary file is
// written and then renamed over the final path.
func (dc *DiskCache) Set(key string, value []byte, expiry time.Time) error {
	file := dc.path(key)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	buf := make([]byte, expiryHeaderSize+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expiry.UnixNano()))
	copy(buf[expiryHeaderSize:], value)

	tmp := file + fmt.Sprintf("-new.%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Rename fails on Windows when the destination exists
	if err := os.Rename(tmp, file); err != nil {
		_ = os.Remove(file)
		if err := os.Rename(tmp, file); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("move cache file: %w", err)
		}
	}
	return nil
}

// Delete removes an entry.
func (dc *DiskCache) Delete(key string) error {
	if err := os.Remove(dc.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes all cache entries.
func (dc *DiskCache) Clear() error {
	return os.RemoveAll(dc.rootDir)
}
