package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/store"
	"github.com/arrayops/subflow/internal/subband"
)

func newTestWatcher(t *testing.T) (*Watcher, *queue.Queue, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(st)
	dir := t.TempDir()
	return New(dir, q, WithRescanInterval(50*time.Millisecond)), q, dir
}

func TestRun_BootstrapsExistingFiles(t *testing.T) {
	w, q, dir := newTestWatcher(t)

	for i := 0; i < 3; i++ {
		name := subband.FileName("2025-01-15T10:30:00", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		files, err := q.GroupFiles(context.Background(), "2025-01-15T10:30:00")
		return err == nil && len(files) == 3
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_PicksUpNewArrivals(t *testing.T) {
	w, q, dir := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)

	name := subband.FileName("2025-01-15T10:30:00", 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		entry, err := q.Entry(context.Background(), "2025-01-15T10:30:00")
		return err == nil && entry != nil && entry.State == queue.StateCollecting
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRun_IgnoresForeignFiles(t *testing.T) {
	w, q, dir := newTestWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_name.hdf5"), []byte("x"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	counts, err := q.CountByState(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts, "nothing parseable, nothing recorded")
}
