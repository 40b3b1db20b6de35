//go:build unix

package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLocker_Exclusive(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileLocker(dir)
	require.NoError(t, err)
	b, err := NewFileLocker(dir)
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = a.Request(context.Background(), "x", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	ran := false
	err = b.Request(ctx, "x", func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)

	close(release)
	err = b.Request(context.Background(), "x", func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
