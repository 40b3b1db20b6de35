//go:build !unix

package leader

import "context"

// FileLocker is unavailable without flock; every request fails so the
// coordinator falls back to the lease protocol.
type FileLocker struct{}

// NewFileLocker returns a FileLocker that always reports ErrLocksUnavailable.
func NewFileLocker(string) (*FileLocker, error) {
	return &FileLocker{}, nil
}

func (*FileLocker) Request(context.Context, string, func(context.Context) error) error {
	return ErrLocksUnavailable
}

// Compile-time check.
var _ Locker = (*FileLocker)(nil)
