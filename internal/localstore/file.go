package localstore

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

const lockName = ".kv.lock"

// File is a KV keeping one file per key under a directory. Writes are atomic
// (tmp file, fsync, rename). CompareAndSwap holds an exclusive lock on a
// sidecar file so that separate processes observe a single winner.
type File struct {
	root string
	mu   sync.Mutex
}

// NewFile creates the directory if needed and returns a File rooted at it.
func NewFile(dir string) (*File, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("localstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: mkdir: %w", err)
	}
	return &File{root: abs}, nil
}

// Root returns the absolute directory of the store.
func (f *File) Root() string { return f.root }

// keyPath maps a key to a file name inside root. Escaping removes path
// separators, so the result can never leave the directory.
func (f *File) keyPath(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	name := url.PathEscape(key)
	if name == "." || name == ".." || name == lockName || name[0] == '.' {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, name), nil
}

func (f *File) Get(key string) (string, bool, error) {
	p, err := f.keyPath(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	return string(data), true, nil
}

func (f *File) Set(key, value string) error {
	p, err := f.keyPath(key)
	if err != nil {
		return err
	}
	return f.write(p, []byte(value))
}

func (f *File) Delete(key string) error {
	p, err := f.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("localstore: delete %s: %w", key, err)
	}
	return nil
}

func (f *File) CompareAndSwap(key, prev, next string) (bool, error) {
	p, err := f.keyPath(key)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := lockFile(filepath.Join(f.root, lockName))
	if err != nil {
		return false, fmt.Errorf("localstore: lock: %w", err)
	}
	defer unlock()

	cur, err := os.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cur = nil
	case err != nil:
		return false, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	if string(cur) != prev {
		return false, nil
	}
	if err := f.write(p, []byte(next)); err != nil {
		return false, err
	}
	return true, nil
}

// write atomically replaces the file at abs: tmp file, fsync, rename.
func (f *File) write(abs string, content []byte) error {
	tmp, err := os.CreateTemp(f.root, ".kv-tmp-*")
	if err != nil {
		return fmt.Errorf("localstore: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("localstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("localstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("localstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("localstore: rename: %w", err)
	}
	success = true
	return nil
}

// Compile-time check.
var _ KV = (*File)(nil)
