// Package transfer implements the Transfer Engine: the worker pool
// that moves a Pending download record through to Completed (or
// Failed/Cancelled), coordinating the Validator, the Ledger, and the
// Event Bus.
package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/neonbrowser/neondl/internal/config"
	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/logctx"
	"github.com/neonbrowser/neondl/internal/telemetry"
	"github.com/neonbrowser/neondl/internal/validator"
)

// StartOptions customizes a single start_download call.
type StartOptions struct {
	// Filename, when non-empty, names the saved file; when empty, the
	// last path segment of the URL is used. The Content-Disposition
	// response header is not consulted.
	Filename string
	// UserConfirmed must be true for a download whose MIME type
	// classifies Executable to proceed past preflight.
	UserConfirmed bool
}

// Engine is the Transfer Engine. It is safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	ledger ledger.Ledger
	bus    *eventbus.Bus
	tel    *telemetry.Telemetry
	doer   HTTPDoer

	sem *semaphore.Weighted

	instanceID string

	startMu sync.Mutex // serializes path generation + insert (§4.A)

	mu        sync.Mutex
	tasks     map[string]*task
	confirmed map[string]bool
}

// New builds an Engine around its collaborators and runs startup
// reconciliation (§8.2 "Restart recovery") before returning: any record
// still In Progress from a prior, non-graceful process exit (a crash or
// kill -9 that never reached Shutdown) is demoted to Paused, since
// Resume/Retry only accept Paused or Failed. doer defaults to a
// redirect-revalidating *http.Client when nil.
func New(ctx context.Context, cfg *config.Config, led ledger.Ledger, bus *eventbus.Bus, tel *telemetry.Telemetry, doer HTTPDoer) *Engine {
	if doer == nil {
		doer = newHTTPClient()
	}

	e := &Engine{
		cfg:        cfg,
		ledger:     led,
		bus:        bus,
		tel:        tel,
		doer:       doer,
		sem:        semaphore.NewWeighted(int64(maxInt(cfg.MaxConcurrent, 1))),
		instanceID: generateInstanceID(),
		tasks:      make(map[string]*task),
		confirmed:  make(map[string]bool),
	}

	e.reconcileStartup(ctx)

	return e
}

// reconcileStartup demotes every In Progress record to Paused. It runs
// once, synchronously, before New returns, so no StartDownload/Resume
// call can race a task that startup itself never spawned for these
// stale records.
func (e *Engine) reconcileStartup(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	stale, err := e.ledger.ListByStatus(ctx, ledger.StatusInProgress)
	if err != nil {
		logger.Error("startup reconciliation: list in_progress records failed", "err", err)
		return
	}

	for _, rec := range stale {
		rec.Status = ledger.StatusPaused

		if err := e.ledger.Update(ctx, rec); err != nil {
			logger.Error("startup reconciliation: demote to paused failed", "download_id", rec.ID, "err", err)
			continue
		}

		logger.Info("startup reconciliation: demoted stale in_progress record to paused", "download_id", rec.ID)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// StartDownload validates url, derives and reserves a unique save
// path, inserts a Pending record, and spawns its task.
func (e *Engine) StartDownload(ctx context.Context, rawURL, saveDir string, opts StartOptions) (string, error) {
	if err := e.tel.InstrumentValidation(ctx, "url", func() error {
		return validator.ValidateURL(rawURL)
	}); err != nil {
		return "", &InvalidURLError{URL: rawURL, Err: err}
	}

	filename := opts.Filename
	if filename == "" {
		filename = filenameFromURL(rawURL)
	}

	id := uuid.NewString()

	e.startMu.Lock()
	savePath := validator.GenerateSafePath(saveDir, filename)

	rec := &ledger.Record{
		ID:       id,
		URL:      rawURL,
		Filename: path.Base(savePath),
		SavePath: savePath,
		Status:   ledger.StatusPending,
	}

	err := e.ledger.Insert(ctx, rec)
	e.startMu.Unlock()

	if err != nil {
		return "", fmt.Errorf("insert download record: %w", err)
	}

	if opts.UserConfirmed {
		e.mu.Lock()
		e.confirmed[id] = true
		e.mu.Unlock()
	}

	e.spawn(ctx, id, 0)

	return id, nil
}

func filenameFromURL(rawURL string) string {
	idx := strings.IndexAny(rawURL, "?#")
	clean := rawURL
	if idx >= 0 {
		clean = rawURL[:idx]
	}

	base := path.Base(clean)
	if base == "." || base == "/" {
		return ""
	}

	return base
}

// spawn starts a task goroutine for id at the given resume offset hint
// (unused by the task itself, which always re-derives the offset from
// disk, but recorded for clarity at call sites).
func (e *Engine) spawn(ctx context.Context, id string, _ int64) {
	e.mu.Lock()
	if _, running := e.tasks[id]; running {
		e.mu.Unlock()
		return
	}

	t := &task{
		id:      id,
		engine:  e,
		control: make(chan controlSignal, 1),
		done:    make(chan struct{}),
	}
	e.tasks[id] = t
	e.mu.Unlock()

	taskLogger := logctx.LoggerFromContext(ctx).With("engine_instance", e.instanceID, "download_id", id)
	taskCtx := logctx.WithLogger(context.Background(), taskLogger)

	go func() {
		defer e.removeTask(id)

		_ = e.tel.InstrumentTransfer(taskCtx, func(taskCtx context.Context) error {
			t.run(taskCtx)

			if rec, err := e.ledger.Get(taskCtx, id); err == nil && rec.Status == ledger.StatusFailed {
				return fmt.Errorf("download failed: %s", rec.ErrorMessage)
			}

			return nil
		})
	}()
}

func (e *Engine) removeTask(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

func (e *Engine) userConfirmed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.confirmed[id]
}

// Pause signals the running task for id to stop after its next chunk.
// It returns AlreadyRunning-style errors only when no task is running.
func (e *Engine) Pause(ctx context.Context, id string) error {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status != ledger.StatusInProgress {
		return &InvalidTransitionError{ID: id, From: string(rec.Status), Verb: "pause"}
	}

	return e.signal(id, signalPause)
}

// Cancel signals the running task for id to abort, or, if no task is
// running, transitions the record directly and removes the partial
// file.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status.IsTerminal() {
		return &InvalidTransitionError{ID: id, From: string(rec.Status), Verb: "cancel"}
	}

	if e.hasTask(id) {
		return e.signal(id, signalCancel)
	}

	rec.Status = ledger.StatusCancelled
	rec.ErrorMessage = "cancelled"
	if err := e.ledger.Update(ctx, rec); err != nil {
		return err
	}

	removePartialFile(rec.SavePath)
	e.bus.Publish(eventbus.Cancelled(id, time.Now()))

	return nil
}

// Resume respawns a task for a Paused or Failed record, picking up
// from the on-disk file length.
func (e *Engine) Resume(ctx context.Context, id string) error {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status != ledger.StatusPaused && rec.Status != ledger.StatusFailed {
		return &InvalidTransitionError{ID: id, From: string(rec.Status), Verb: "resume"}
	}

	if e.hasTask(id) {
		return &AlreadyRunningError{ID: id}
	}

	e.spawn(ctx, id, 0)

	return nil
}

// Retry behaves like Resume but only from Failed, clearing
// error_message first.
func (e *Engine) Retry(ctx context.Context, id string) error {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status != ledger.StatusFailed {
		return &InvalidTransitionError{ID: id, From: string(rec.Status), Verb: "retry"}
	}

	if e.hasTask(id) {
		return &AlreadyRunningError{ID: id}
	}

	rec.ErrorMessage = ""
	if err := e.ledger.Update(ctx, rec); err != nil {
		return err
	}

	e.spawn(ctx, id, 0)

	return nil
}

// Remove cancels any running task, deletes the record, and best-effort
// deletes the file on disk.
func (e *Engine) Remove(ctx context.Context, id string) error {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}

	if e.hasTask(id) {
		if err := e.signal(id, signalCancel); err == nil {
			removeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			e.awaitTaskExit(removeCtx, id)
			cancel()
		}
	}

	if err := e.ledger.Delete(ctx, id); err != nil {
		return err
	}

	removePartialFile(rec.SavePath)

	return nil
}

// Shutdown signals pause on every running task, then waits concurrently
// for each to exit within wait, and demotes any still-InProgress
// records to Paused (a task whose wait expired before it finished
// writing its own Paused transition).
func (e *Engine) Shutdown(ctx context.Context, wait time.Duration) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.signal(id, signalPause)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	g, gctx := errgroup.WithContext(deadlineCtx)
	for _, id := range ids {
		g.Go(func() error {
			e.awaitTaskExit(gctx, id)
			return nil
		})
	}

	_ = g.Wait()

	inProgress, err := e.ledger.ListByStatus(ctx, ledger.StatusInProgress)
	if err != nil {
		return err
	}

	for _, rec := range inProgress {
		rec.Status = ledger.StatusPaused
		if err := e.ledger.Update(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) hasTask(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.tasks[id]

	return ok
}

func (e *Engine) signal(id string, sig controlSignal) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()

	if !ok {
		return &AlreadyRunningError{ID: id}
	}

	select {
	case t.control <- sig:
	default:
	}

	return nil
}

func (e *Engine) awaitTaskExit(ctx context.Context, id string) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()

	if !ok {
		return
	}

	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

// finishTask persists a non-pause terminal transition (Failed or
// Cancelled) and publishes the matching event.
func (e *Engine) finishTask(ctx context.Context, id string, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		logger.Error("finish task: load record failed", "download_id", id, "err", err)
		return
	}

	if _, cancelled := cause.(*CancelledError); cancelled {
		rec.Status = ledger.StatusCancelled
		rec.ErrorMessage = cause.Error()

		if err := e.ledger.Update(ctx, rec); err != nil {
			logger.Error("finish task: update record failed", "download_id", id, "err", err)
		}

		removePartialFile(rec.SavePath)
		e.bus.Publish(eventbus.Cancelled(id, time.Now()))

		return
	}

	rec.Status = ledger.StatusFailed
	rec.ErrorMessage = cause.Error()

	if err := e.ledger.Update(ctx, rec); err != nil {
		logger.Error("finish task: update record failed", "download_id", id, "err", err)
	}

	e.bus.Publish(eventbus.Failed(id, errorKind(cause), cause.Error(), time.Now()))
}

// pauseTask persists the Paused transition and publishes Paused.
func (e *Engine) pauseTask(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		logger.Error("pause task: load record failed", "download_id", id, "err", err)
		return
	}

	rec.Status = ledger.StatusPaused

	if err := e.ledger.Update(ctx, rec); err != nil {
		logger.Error("pause task: update record failed", "download_id", id, "err", err)
	}

	e.bus.Publish(eventbus.Paused(id, time.Now()))
}

// --- Ledger query proxies (§4.C "Queries — proxy to Ledger") ---

func (e *Engine) Get(ctx context.Context, id string) (*ledger.Record, error) {
	return e.ledger.Get(ctx, id)
}

func (e *Engine) ListAll(ctx context.Context) ([]*ledger.Record, error) {
	return e.ledger.ListAll(ctx)
}

func (e *Engine) ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.Record, error) {
	return e.ledger.ListByStatus(ctx, status)
}

func (e *Engine) Search(ctx context.Context, query string) ([]*ledger.Record, error) {
	return e.ledger.Search(ctx, query)
}

// Subscribe registers a new event consumer; see (*eventbus.Bus).Subscribe.
func (e *Engine) Subscribe() string {
	return e.bus.Subscribe()
}

// Unsubscribe removes an event consumer.
func (e *Engine) Unsubscribe(subscriber string) {
	e.bus.Unsubscribe(subscriber)
}

// PollEvents drains events queued for subscriber since its last poll.
func (e *Engine) PollEvents(subscriber string) []eventbus.Event {
	return e.bus.Drain(subscriber)
}
