package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/logctx"
	"github.com/neonbrowser/neondl/internal/validator"
)

const (
	progressReportInterval = 500 * time.Millisecond
	ledgerFlushInterval    = 1 * time.Second
	diskFlushBytes         = 1 << 20 // 1 MiB
)

// controlSignal is sent on a task's control channel to request pause
// or cancellation; the task observes it at the next chunk boundary.
type controlSignal int

const (
	signalPause controlSignal = iota
	signalCancel
)

// task owns one record's active transfer: its control channel, the
// open file handle, and the retry loop.
type task struct {
	id      string
	engine  *Engine
	control chan controlSignal
	done    chan struct{}
}

// run executes the per-task algorithm (§4.C) to completion: admission,
// preflight, space check, resume determination, the stream loop with
// retry/backoff, and finalization. It always releases the semaphore
// permit and closes any open file handle on every exit path; the
// goroutine started by spawn removes the task from the engine's task
// map once run returns.
func (t *task) run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", t.id)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer task panic", "panic", r, "stack", string(debug.Stack()))
			t.engine.finishTask(ctx, t.id, &IoError{Op: "task", Err: fmt.Errorf("panic: %v", r)})
		}

		close(t.done)
	}()

	// Admission: acquire one semaphore permit. The wait ends only when a
	// permit frees up; a Cancel sent while the task waits here stays on
	// the control channel and takes effect once the task holds a permit
	// and reaches the stream loop.
	if err := t.engine.sem.Acquire(ctx, 1); err != nil {
		t.engine.finishTask(ctx, t.id, &CancelledError{ID: t.id})
		return
	}
	defer t.engine.sem.Release(1)

	var lastErr error

	retries := t.engine.cfg.RetryAttempts
	if retries < 0 {
		retries = 0
	}

	backoff := t.engine.cfg.RetryBaseDelay

	// attempt 0 is the initial try; retries more follow it, so a
	// default RetryAttempts of 3 yields 4 total tries and 3 backoff
	// waits (2s, 4s, 8s) before the record moves to Failed.
	for attempt := 0; attempt <= retries; attempt++ {
		err := t.attempt(ctx)
		if err == nil {
			return
		}

		lastErr = err

		if _, paused := err.(*pauseRequested); paused {
			t.engine.pauseTask(ctx, t.id)
			return
		}

		if _, cancelled := err.(*CancelledError); cancelled {
			t.engine.finishTask(ctx, t.id, err)
			return
		}

		if !isTransient(err) {
			t.engine.finishTask(ctx, t.id, err)
			return
		}

		if attempt == retries {
			break
		}

		wait := backoff
		if httpErr, ok := err.(*HTTPError); ok && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}

		logger.Warn("transient transfer failure, retrying", "attempt", attempt, "wait", wait, "err", err)
		t.engine.tel.RecordRetry(errorKind(err))

		select {
		case <-ctx.Done():
			t.engine.finishTask(ctx, t.id, &CancelledError{ID: t.id})
			return
		case <-time.After(wait):
		case sig := <-t.control:
			if sig == signalCancel {
				t.engine.finishTask(ctx, t.id, &CancelledError{ID: t.id})
				return
			}
		}

		backoff *= 2
	}

	t.engine.finishTask(ctx, t.id, lastErr)
}

// attempt runs a single HTTP attempt (preflight already folded into
// the first attempt only by the caller's record state) through the
// stream loop. It returns nil only on a fully successful Completed
// transition.
func (t *task) attempt(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, t.engine.cfg.AttemptTimeout)
	defer cancel()

	rec, err := t.engine.ledger.Get(attemptCtx, t.id)
	if err != nil {
		return &IoError{Op: "load_record", Err: err}
	}

	if rec.FileSize == nil {
		result, err := preflight(attemptCtx, t.engine.doer, rec.URL)
		if err != nil {
			return err
		}

		if result.mimeType != "" {
			class := validator.ValidateMIMEType(result.mimeType)
			if class == validator.ClassExecutable && !t.engine.userConfirmed(t.id) {
				return &UnsafeContentError{MIMEType: result.mimeType, Filename: rec.Filename}
			}

			rec.MIMEType = result.mimeType
		}

		if result.hasFileSize {
			rec.FileSize = &result.fileSize
		}

		if err := t.engine.ledger.Update(attemptCtx, rec); err != nil {
			return &IoError{Op: "update_record", Err: err}
		}
	}

	startOffset := onDiskSize(rec.SavePath)

	// A partial file longer than the known size is discarded: the
	// transfer restarts from offset 0 within this attempt.
	if rec.FileSize != nil && startOffset > *rec.FileSize {
		startOffset = 0
	}

	var required int64
	if rec.FileSize != nil {
		required = *rec.FileSize - startOffset
	}

	if err := validator.CheckDiskSpace(rec.SavePath, required, t.engine.cfg.DiskSafetyMargin); err != nil {
		return &InsufficientSpaceError{Err: err}
	}

	resp, rangeHonored, err := rangedGet(attemptCtx, t.engine.doer, rec.URL, startOffset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if startOffset > 0 && !rangeHonored {
		startOffset = 0
	}

	flags := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	if err := os.MkdirAll(filepath.Dir(rec.SavePath), 0o755); err != nil {
		return &IoError{Op: "mkdir", Path: filepath.Dir(rec.SavePath), Err: err}
	}

	file, err := os.OpenFile(rec.SavePath, flags, 0o644)
	if err != nil {
		return &IoError{Op: "open", Path: rec.SavePath, Err: err}
	}
	defer file.Close()

	rec.DownloadedBytes = startOffset
	rec.Status = ledger.StatusInProgress
	if err := t.engine.ledger.Update(attemptCtx, rec); err != nil {
		return &IoError{Op: "update_record", Err: err}
	}

	logger := logctx.LoggerFromContext(attemptCtx)
	if rec.FileSize != nil {
		logger.Info("downloading file", "save_path", rec.SavePath, "file_size", humanize.Bytes(uint64(*rec.FileSize)), "resume_offset", humanize.Bytes(uint64(startOffset)))
	} else {
		logger.Info("downloading file", "save_path", rec.SavePath, "file_size", "unknown", "resume_offset", humanize.Bytes(uint64(startOffset)))
	}

	t.engine.bus.Publish(eventbus.Started(t.id, time.Now()))

	checksum, err := t.stream(attemptCtx, rec, file, resp.Body, startOffset)
	if err != nil {
		return err
	}

	return t.finalize(attemptCtx, rec, checksum)
}

// stream reads resp body in bounded chunks, writing each to file,
// publishing Progress events on a time cadence, flushing
// downloaded_bytes to the Ledger periodically, and checking the
// control channel non-blockingly for Pause/Cancel.
func (t *task) stream(ctx context.Context, rec *ledger.Record, file *os.File, body io.Reader, startOffset int64) (string, error) {
	chunkSize := t.engine.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 65536
	}

	// A per-task limiter paces this download independently of any
	// others running concurrently, matching the way the reference
	// engine's bandwidth cap applied to each spawned download rather
	// than to the engine's aggregate throughput. Burst is set to
	// chunkSize so a single read can always be admitted in one call.
	var limiter *rate.Limiter
	if bps := t.engine.cfg.ThrottleBPS; bps > 0 {
		limiter = rate.NewLimiter(rate.Limit(bps), chunkSize)
	}

	speed := newSpeedTracker()

	var lastLedgerFlush time.Time

	var sinceDiskFlush int64

	pr := newProgressReader(body, startOffset == 0, progressReportInterval, func(totalRead int64) {
		downloaded := startOffset + totalRead

		bps := speed.sample(time.Now(), downloaded)

		snap := eventbus.Snapshot{
			ID:              t.id,
			DownloadedBytes: downloaded,
			SpeedBPS:        bps,
		}

		if rec.FileSize != nil {
			snap.FileSize = *rec.FileSize
			snap.HasFileSize = true
			snap.HasProgress = true
			if *rec.FileSize > 0 {
				snap.ProgressPercent = float64(downloaded) * 100 / float64(*rec.FileSize)
			}

			if bps > 0 {
				snap.ETASeconds = int64(float64(*rec.FileSize-downloaded) / bps)
				snap.HasETA = true
			}
		}

		t.engine.bus.Publish(eventbus.Progress(snap, time.Now()))

		if rec.FileSize != nil {
			logctx.LoggerFromContext(ctx).Debug("download progress", "downloaded", humanize.Bytes(uint64(downloaded)), "total", humanize.Bytes(uint64(*rec.FileSize)))
		} else {
			logctx.LoggerFromContext(ctx).Debug("download progress", "downloaded", humanize.Bytes(uint64(downloaded)))
		}
	})

	buf := make([]byte, chunkSize)

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	for {
		select {
		case sig := <-t.control:
			switch sig {
			case signalPause:
				t.engine.tel.RecordBytesTransferred(pr.totalRead)
				return "", &pauseRequested{}
			case signalCancel:
				return "", &CancelledError{ID: t.id}
			}
		default:
		}

		n, readErr := readWithTimeout(readCtx, pr, buf, t.engine.cfg.ChunkTimeout)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return "", &CancelledError{ID: t.id}
				}
			}

			if _, werr := file.Write(buf[:n]); werr != nil {
				return "", &IoError{Op: "write", Path: rec.SavePath, Err: werr}
			}

			sinceDiskFlush += int64(n)
			if sinceDiskFlush >= diskFlushBytes {
				if err := file.Sync(); err != nil {
					return "", &IoError{Op: "sync", Path: rec.SavePath, Err: err}
				}

				sinceDiskFlush = 0
			}

			rec.DownloadedBytes = startOffset + pr.totalRead

			if time.Since(lastLedgerFlush) >= ledgerFlushInterval {
				if err := t.engine.ledger.Update(ctx, rec); err != nil {
					return "", &IoError{Op: "update_record", Err: err}
				}

				lastLedgerFlush = time.Now()
			}
		}

		if readErr == io.EOF {
			t.engine.tel.RecordBytesTransferred(pr.totalRead)
			return pr.checksum(), nil
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return "", &CancelledError{ID: t.id}
			}

			return "", &NetworkError{Op: "read_chunk", Err: readErr}
		}
	}
}

// pauseRequested signals a clean stop from stream without it being an
// error in the retry sense; attempt/run treat it specially.
type pauseRequested struct{}

func (*pauseRequested) Error() string { return "paused" }

func readWithTimeout(ctx context.Context, r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}

	resCh := make(chan result, 1)

	go func() {
		n, err := r.Read(buf)
		resCh <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("chunk read timed out after %s", timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// finalize validates the completed download against file_size and
// persists the Completed transition, or reports a transient mismatch.
func (t *task) finalize(ctx context.Context, rec *ledger.Record, checksum string) error {
	if rec.FileSize != nil && rec.DownloadedBytes != *rec.FileSize {
		return &NetworkError{Op: "finalize", Err: fmt.Errorf("downloaded %d bytes, expected %d", rec.DownloadedBytes, *rec.FileSize)}
	}

	rec.Checksum = checksum
	rec.Status = ledger.StatusCompleted

	if err := t.engine.ledger.Update(ctx, rec); err != nil {
		return &IoError{Op: "update_record", Err: err}
	}

	t.engine.bus.Publish(eventbus.Completed(t.id, rec.SavePath, checksum, time.Now()))

	return nil
}

func onDiskSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}
