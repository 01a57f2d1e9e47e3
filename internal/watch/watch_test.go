package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New("", time.Millisecond, func(string) {})
	assert.Error(t, err)

	_, err = New("offsets.csv", time.Millisecond, nil)
	assert.Error(t, err)

	w, err := New("offsets.csv", 0, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounce, w.delay)
}

func TestWatchFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "performer_offsets.csv")
	require.NoError(t, os.WriteFile(path, []byte("Hips,0,0.95,0\n"), 0o644))

	var fired atomic.Int32
	w, err := New(path, 20*time.Millisecond, func(got string) {
		assert.Equal(t, path, got)
		fired.Add(1)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to install, then burst some writes.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("Hips,0,0.96,0\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return fired.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	// Debounce collapses the burst.
	assert.LessOrEqual(t, fired.Load(), int32(2))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "performer_offsets.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var fired atomic.Int32
	w, err := New(path, 10*time.Millisecond, func(string) { fired.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
