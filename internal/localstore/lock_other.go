//go:build !unix

package localstore

// lockFile is a no-op where flock is missing; the in-process mutex still
// serializes callers sharing one File.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
