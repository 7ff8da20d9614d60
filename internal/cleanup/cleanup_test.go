package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonbrowser/neondl/internal/cleanup"
	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/ledger/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// insertRecord walks rec through the legal transitions needed to reach
// status, since the store enforces ledger.CanTransition on every Update.
func insertRecord(t *testing.T, store *sqlite.Store, id string, status ledger.Status, completedAt time.Time, savePath string) {
	t.Helper()

	ctx := context.Background()

	rec := &ledger.Record{
		ID:       id,
		URL:      "https://example.com/" + id,
		Filename: id,
		SavePath: savePath,
		Status:   ledger.StatusPending,
	}
	require.NoError(t, store.Insert(ctx, rec))

	path := []ledger.Status{ledger.StatusInProgress}

	switch status {
	case ledger.StatusPending:
		path = nil
	case ledger.StatusFailed, ledger.StatusInProgress:
		path = []ledger.Status{status}
	case ledger.StatusPaused, ledger.StatusCompleted, ledger.StatusCancelled:
		path = []ledger.Status{ledger.StatusInProgress, status}
	}

	for _, step := range path {
		rec.Status = step
		require.NoError(t, store.Update(ctx, rec))
	}

	rec.CompletedAt = &completedAt
	require.NoError(t, store.Update(ctx, rec))
}

func TestSweep_PurgesOnlyStaleTerminalRecordsAndRemovesFiles(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	stalePath := filepath.Join(dir, "stale.bin")
	require.NoError(t, os.WriteFile(stalePath, []byte("data"), 0o644))

	freshPath := filepath.Join(dir, "fresh.bin")
	require.NoError(t, os.WriteFile(freshPath, []byte("data"), 0o644))

	now := time.Now().UTC()

	insertRecord(t, store, "stale-completed", ledger.StatusCompleted, now.Add(-48*time.Hour), stalePath)
	insertRecord(t, store, "fresh-completed", ledger.StatusCompleted, now, freshPath)

	n, err := cleanup.Sweep(context.Background(), store, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(freshPath)
	assert.NoError(t, err)

	_, err = store.Get(context.Background(), "stale-completed")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	rec, err := store.Get(context.Background(), "fresh-completed")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
}

func TestSweep_NeverPurgesInProgressOrPaused(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)

	insertRecord(t, store, "still-running", ledger.StatusInProgress, old, filepath.Join(dir, "a.bin"))
	insertRecord(t, store, "still-paused", ledger.StatusPaused, old, filepath.Join(dir, "b.bin"))

	n, err := cleanup.Sweep(context.Background(), store, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = store.Get(context.Background(), "still-running")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "still-paused")
	require.NoError(t, err)
}

func TestSweep_ToleratesAlreadyDeletedFile(t *testing.T) {
	store := newTestStore(t)

	missingPath := filepath.Join(t.TempDir(), "already-gone.bin")
	insertRecord(t, store, "gone", ledger.StatusCancelled, time.Now().UTC().Add(-48*time.Hour), missingPath)

	n, err := cleanup.Sweep(context.Background(), store, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestSweep_NeverPurgesFailed asserts Failed is excluded from the
// default purge set: it is the only terminal-looking status that
// remains recoverable via Retry, so an aged Failed record must survive
// the sweep even when every other terminal status at the same age
// would be purged.
func TestSweep_NeverPurgesFailed(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)

	insertRecord(t, store, "stale-failed", ledger.StatusFailed, old, filepath.Join(dir, "a.bin"))

	n, err := cleanup.Sweep(context.Background(), store, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = store.Get(context.Background(), "stale-failed")
	require.NoError(t, err)
}
