package packaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultLockTimeout bounds how long a package rewrite waits for another writer.
	DefaultLockTimeout = 2 * time.Minute

	// LockRetryDelay is the pause between lock attempts.
	LockRetryDelay = 100 * time.Millisecond

	// LockFileExtension is appended to the package path to name its lock file.
	LockFileExtension = ".lock"
)

// FileLock is an exclusive advisory lock guarding a package that is being
// signed or unsigned in place.
type FileLock struct {
	lockFilePath string
	lockFile     *os.File
}

// acquireFileLock takes the lock for targetPath, retrying until ctx is done
// or DefaultLockTimeout elapses. The returned unlock func must be called.
func acquireFileLock(ctx context.Context, targetPath string) (unlock func(), err error) {
	lockFilePath := targetPath + LockFileExtension
	if err := os.MkdirAll(filepath.Dir(lockFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.Now().Add(DefaultLockTimeout)
	for {
		lock, err := tryAcquireLock(lockFilePath)
		if err == nil {
			return func() { releaseLock(lock) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout acquiring lock for %s: %w", targetPath, err)
		}

		timer := time.NewTimer(LockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryAcquireLock and releaseLock live in concurrency_unix.go and concurrency_windows.go.

// generateRandomHex returns a random hex string of the given length.
func generateRandomHex(length int) string {
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// WithFileLock runs fn while holding the lock for targetPath.
func WithFileLock(ctx context.Context, targetPath string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	unlock, err := acquireFileLock(ctx, targetPath)
	if err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer unlock()

	return fn()
}
