package transfer

import (
	"context"
	"time"

	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/telemetry"
)

// InstrumentedEngine wraps Engine with telemetry on the control-plane
// verbs; the per-task data-plane metrics (transfers_total,
// bytes_transferred_total, ...) are already recorded inside Engine
// itself, the way the teacher recorded transfer metrics at both the
// client-wrapper and orchestrator layers.
type InstrumentedEngine struct {
	engine *Engine
	tel    *telemetry.Telemetry
}

// NewInstrumentedEngine wraps engine with tel.
func NewInstrumentedEngine(engine *Engine, tel *telemetry.Telemetry) *InstrumentedEngine {
	return &InstrumentedEngine{engine: engine, tel: tel}
}

func (e *InstrumentedEngine) StartDownload(ctx context.Context, rawURL, saveDir string, opts StartOptions) (string, error) {
	var id string

	err := e.tel.InstrumentOperation(ctx, "start_download", "transfer_engine", func(ctx context.Context) error {
		var err error
		id, err = e.engine.StartDownload(ctx, rawURL, saveDir, opts)

		return err
	})

	return id, err
}

func (e *InstrumentedEngine) Pause(ctx context.Context, id string) error {
	return e.tel.InstrumentOperation(ctx, "pause", "transfer_engine", func(ctx context.Context) error {
		return e.engine.Pause(ctx, id)
	})
}

func (e *InstrumentedEngine) Resume(ctx context.Context, id string) error {
	return e.tel.InstrumentOperation(ctx, "resume", "transfer_engine", func(ctx context.Context) error {
		return e.engine.Resume(ctx, id)
	})
}

func (e *InstrumentedEngine) Cancel(ctx context.Context, id string) error {
	return e.tel.InstrumentOperation(ctx, "cancel", "transfer_engine", func(ctx context.Context) error {
		return e.engine.Cancel(ctx, id)
	})
}

func (e *InstrumentedEngine) Retry(ctx context.Context, id string) error {
	return e.tel.InstrumentOperation(ctx, "retry", "transfer_engine", func(ctx context.Context) error {
		return e.engine.Retry(ctx, id)
	})
}

func (e *InstrumentedEngine) Remove(ctx context.Context, id string) error {
	return e.tel.InstrumentOperation(ctx, "remove", "transfer_engine", func(ctx context.Context) error {
		return e.engine.Remove(ctx, id)
	})
}

func (e *InstrumentedEngine) Shutdown(ctx context.Context, wait time.Duration) error {
	return e.tel.InstrumentOperation(ctx, "shutdown", "transfer_engine", func(ctx context.Context) error {
		return e.engine.Shutdown(ctx, wait)
	})
}

func (e *InstrumentedEngine) Get(ctx context.Context, id string) (*ledger.Record, error) {
	return e.engine.Get(ctx, id)
}

func (e *InstrumentedEngine) ListAll(ctx context.Context) ([]*ledger.Record, error) {
	return e.engine.ListAll(ctx)
}

func (e *InstrumentedEngine) ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.Record, error) {
	return e.engine.ListByStatus(ctx, status)
}

func (e *InstrumentedEngine) Search(ctx context.Context, query string) ([]*ledger.Record, error) {
	return e.engine.Search(ctx, query)
}

func (e *InstrumentedEngine) Subscribe() string { return e.engine.Subscribe() }

func (e *InstrumentedEngine) Unsubscribe(subscriber string) { e.engine.Unsubscribe(subscriber) }

func (e *InstrumentedEngine) PollEvents(subscriber string) []eventbus.Event {
	return e.engine.PollEvents(subscriber)
}
