package sqlite

import (
	"context"
	"time"

	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/telemetry"
)

// Instrumented wraps a Store with telemetry, recording ledger operation
// counts and durations exactly as InstrumentedDownloadRepository did
// for the torrent-claim store this package replaces.
type Instrumented struct {
	store *Store
	tel   *telemetry.Telemetry
}

// NewInstrumented wraps store with tel.
func NewInstrumented(store *Store, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{store: store, tel: tel}
}

func (i *Instrumented) Insert(ctx context.Context, record *ledger.Record) error {
	return i.tel.InstrumentLedgerOperation(ctx, "insert", func(ctx context.Context) error {
		return i.store.Insert(ctx, record)
	})
}

func (i *Instrumented) Update(ctx context.Context, record *ledger.Record) error {
	return i.tel.InstrumentLedgerOperation(ctx, "update", func(ctx context.Context) error {
		return i.store.Update(ctx, record)
	})
}

func (i *Instrumented) Get(ctx context.Context, id string) (*ledger.Record, error) {
	var result *ledger.Record

	err := i.tel.InstrumentLedgerOperation(ctx, "get", func(ctx context.Context) error {
		var err error
		result, err = i.store.Get(ctx, id)

		return err
	})

	return result, err
}

func (i *Instrumented) ListAll(ctx context.Context) ([]*ledger.Record, error) {
	var result []*ledger.Record

	err := i.tel.InstrumentLedgerOperation(ctx, "list_all", func(ctx context.Context) error {
		var err error
		result, err = i.store.ListAll(ctx)

		return err
	})

	return result, err
}

func (i *Instrumented) ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.Record, error) {
	var result []*ledger.Record

	err := i.tel.InstrumentLedgerOperation(ctx, "list_by_status", func(ctx context.Context) error {
		var err error
		result, err = i.store.ListByStatus(ctx, status)

		return err
	})

	return result, err
}

func (i *Instrumented) Search(ctx context.Context, query string) ([]*ledger.Record, error) {
	var result []*ledger.Record

	err := i.tel.InstrumentLedgerOperation(ctx, "search", func(ctx context.Context) error {
		var err error
		result, err = i.store.Search(ctx, query)

		return err
	})

	return result, err
}

func (i *Instrumented) Delete(ctx context.Context, id string) error {
	return i.tel.InstrumentLedgerOperation(ctx, "delete", func(ctx context.Context) error {
		return i.store.Delete(ctx, id)
	})
}

func (i *Instrumented) PurgeOlderThan(ctx context.Context, cutoff time.Time, statuses []ledger.Status) (int, error) {
	var result int

	err := i.tel.InstrumentLedgerOperation(ctx, "purge_older_than", func(ctx context.Context) error {
		var err error
		result, err = i.store.PurgeOlderThan(ctx, cutoff, statuses)

		return err
	})

	return result, err
}
