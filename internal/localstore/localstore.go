// Package localstore provides the small synchronous key-value store shared by
// every session on a machine. It holds the metadata cache, the leader lease,
// the outbox and other bookkeeping keys.
package localstore

import "errors"

// ErrInvalidKey is returned for keys that cannot be mapped to storage.
var ErrInvalidKey = errors.New("localstore: invalid key")

// KV is a string key-value store. All methods are safe for concurrent use.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// CompareAndSwap stores next only if the current value equals prev.
	// An empty prev matches a missing key.
	CompareAndSwap(key, prev, next string) (bool, error)
}

const probeKey = "scriptorium:probe"

// Available reports whether kv accepts a write and a delete.
func Available(kv KV) bool {
	if kv == nil {
		return false
	}
	if err := kv.Set(probeKey, "1"); err != nil {
		return false
	}
	return kv.Delete(probeKey) == nil
}
