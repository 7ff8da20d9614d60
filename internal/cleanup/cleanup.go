// Package cleanup implements the retention sweep: periodically purging
// terminal Ledger records older than a configured age and removing
// their files from disk. Adapted from the teacher's
// DeleteExpiredFiles, which walked a slice of tracked download records
// and stat'd/removed files older than a keep duration; here the age
// cutoff and record deletion are pushed down into the Ledger's
// PurgeOlderThan so the two stores (SQLite + disk) stay consistent.
package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/logctx"
)

// purgeableStatuses are the terminal statuses eligible for retention
// purging. In-progress and paused downloads are never swept, no
// matter their age, and neither is Failed: a Failed record remains
// recoverable via Retry, so it is not treated as terminal-and-forgotten
// the way Completed and Cancelled are.
var purgeableStatuses = []ledger.Status{
	ledger.StatusCompleted,
	ledger.StatusCancelled,
}

// Sweep deletes ledger records (and, where the file still exists, the
// file on disk) for every terminal download completed or last updated
// before now.Add(-keepFor). It returns the number of records purged.
//
// Files are removed one by one; a file delete failure is logged and the
// sweep goes on. The ledger rows are then purged in a single
// PurgeOlderThan call with the same cutoff.
func Sweep(ctx context.Context, store ledger.Ledger, keepFor time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-keepFor)

	stale, err := recordsOlderThan(ctx, store, cutoff)
	if err != nil {
		return 0, err
	}

	for _, rec := range stale {
		if err := os.Remove(rec.SavePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired file", "file", rec.SavePath, "err", err)
		} else if err == nil {
			logger.Info("deleted expired file", "file", rec.SavePath, "download_id", rec.ID)
		}
	}

	n, err := store.PurgeOlderThan(ctx, cutoff, purgeableStatuses)
	if err != nil {
		return 0, err
	}

	return n, nil
}

// recordsOlderThan lists every terminal record eligible for the sweep
// so their files can be removed before the ledger rows disappear.
func recordsOlderThan(ctx context.Context, store ledger.Ledger, cutoff time.Time) ([]*ledger.Record, error) {
	var stale []*ledger.Record

	for _, status := range purgeableStatuses {
		records, err := store.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}

		for _, rec := range records {
			completedAt := rec.UpdatedAt
			if rec.CompletedAt != nil {
				completedAt = *rec.CompletedAt
			}

			if completedAt.Before(cutoff) {
				stale = append(stale, rec)
			}
		}
	}

	return stale, nil
}

// Run starts the periodic retention sweep goroutine, ticking every
// interval until ctx is cancelled. Grounded on the teacher's
// setupCleanup: a ticker loop selecting on ctx.Done() and the ticker
// channel, logging and continuing past a single failed sweep rather
// than stopping the loop.
func Run(ctx context.Context, store ledger.Ledger, keepFor, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down")

				return
			case <-ticker.C:
				n, err := Sweep(ctx, store, keepFor)
				if err != nil {
					logger.Error("retention sweep failed", "err", err)

					continue
				}

				if n > 0 {
					logger.Info("retention sweep purged records", "count", n)
				}
			}
		}
	}()
}
