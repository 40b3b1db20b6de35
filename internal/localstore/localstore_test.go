package localstore

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]KV {
	t.Helper()
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	return map[string]KV{"memory": NewMemory(), "file": f}
}

func TestKV_GetSetDelete(t *testing.T) {
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get("scriptorium:a")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set("scriptorium:a", `{"x":1}`))
			v, ok, err := kv.Get("scriptorium:a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `{"x":1}`, v)

			require.NoError(t, kv.Delete("scriptorium:a"))
			require.NoError(t, kv.Delete("scriptorium:a"))
			_, ok, _ = kv.Get("scriptorium:a")
			assert.False(t, ok)
		})
	}
}

func TestKV_CompareAndSwap(t *testing.T) {
	for name, kv := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := kv.CompareAndSwap("k", "", "one")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = kv.CompareAndSwap("k", "", "two")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = kv.CompareAndSwap("k", "one", "two")
			require.NoError(t, err)
			assert.True(t, ok)

			v, _, _ := kv.Get("k")
			assert.Equal(t, "two", v)
		})
	}
}

func TestKV_CompareAndSwapSingleWinner(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFile(dir)
	require.NoError(t, err)
	b, err := NewFile(dir)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		kv := KV(a)
		if i%2 == 1 {
			kv = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := kv.CompareAndSwap("lease", "", "mine")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestFile_InvalidKey(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", ".", "..", "../escape", lockName, ".hidden"} {
		_, _, err := f.Get(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
	require.NoError(t, f.Set("a/b", "x"))
	assert.FileExists(t, f.Root()+"/a%2Fb")
	v, ok, err := f.Get("a/b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestAvailable(t *testing.T) {
	assert.True(t, Available(NewMemory()))
	assert.False(t, Available(nil))
}
