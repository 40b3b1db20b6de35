//go:build unix

package localstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until an exclusive flock on path is held.
func lockFile(path string) (func(), error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(fd.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(fd.Fd()), unix.LOCK_UN)
		_ = fd.Close()
	}, nil
}
