package packaging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// PackageFileMode is the permission given to newly written packages.
const PackageFileMode os.FileMode = 0o644

// CreateFile creates path and its parent directories. On Unix the mode is
// forced to PackageFileMode regardless of umask.
func CreateFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	if runtime.GOOS == "windows" {
		return os.Create(path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, PackageFileMode); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("chmod: %w", err)
	}
	return file, nil
}

// WriteFileAtomic replaces path with whatever write produces. The data goes
// to a temporary sibling first and is renamed over path only when write
// succeeds, all under the package lock. An existing file keeps its mode.
func WriteFileAtomic(ctx context.Context, path string, write func(w io.Writer) error) error {
	return WithFileLock(ctx, path, func() error {
		tmpPath := fmt.Sprintf("%s.%s.tmp", path, generateRandomHex(8))
		tmp, err := CreateFile(tmpPath)
		if err != nil {
			return fmt.Errorf("create temporary file: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tmp.Close()
				_ = os.Remove(tmpPath)
			}
		}()

		if err := write(tmp); err != nil {
			return err
		}
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", tmpPath, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close %s: %w", tmpPath, err)
		}
		if info, err := os.Stat(path); err == nil {
			_ = os.Chmod(tmpPath, info.Mode().Perm())
		}
		if err := ctx.Err(); err != nil {
			_ = os.Remove(tmpPath)
			committed = true
			return err
		}
		if err := os.Rename(tmpPath, path); err != nil {
			_ = os.Remove(tmpPath)
			committed = true
			return fmt.Errorf("replace %s: %w", path, err)
		}
		committed = true
		return nil
	})
}
