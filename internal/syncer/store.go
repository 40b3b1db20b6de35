package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/starford/scriptorium/internal/localstore"
)

// maxCASAttempts bounds read-modify-write retries under contention.
const maxCASAttempts = 32

// update applies fn to the JSON value under key with compare-and-swap, so
// that sessions sharing the store never lose each other's writes. fn returns
// false to leave the value unchanged.
func update[T any](kv localstore.KV, key string, fn func(*T) bool) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, ok, err := kv.Get(key)
		if err != nil {
			return fmt.Errorf("syncer: read %s: %w", key, err)
		}
		var v T
		if ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				// Corrupt state is replaced rather than propagated.
				var zero T
				v = zero
			}
		}
		if !fn(&v) {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("syncer: encode %s: %w", key, err)
		}
		prev := ""
		if ok {
			prev = raw
		}
		swapped, err := kv.CompareAndSwap(key, prev, string(data))
		if err != nil {
			return fmt.Errorf("syncer: write %s: %w", key, err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("syncer: write %s: too much contention", key)
}

// read decodes the JSON value under key, returning the zero value when it is
// missing or corrupt.
func read[T any](kv localstore.KV, key string) (T, error) {
	var v T
	raw, ok, err := kv.Get(key)
	if err != nil {
		return v, fmt.Errorf("syncer: read %s: %w", key, err)
	}
	if !ok || raw == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		var zero T
		return zero, nil
	}
	return v, nil
}
