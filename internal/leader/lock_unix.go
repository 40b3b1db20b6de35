//go:build unix

package leader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 100 * time.Millisecond

// FileLocker grants locks with flock on files inside a directory. The kernel
// releases a lock when its holder exits.
type FileLocker struct {
	dir string
}

// NewFileLocker returns a FileLocker keeping lock files in dir.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("leader: mkdir: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

func (l *FileLocker) Request(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	f, err := os.OpenFile(filepath.Join(l.dir, name+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("leader: open lock: %w", err)
	}
	defer f.Close()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("leader: flock: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	return fn(ctx)
}

// Compile-time check.
var _ Locker = (*FileLocker)(nil)
