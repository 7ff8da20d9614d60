// Package ledger defines the durable download record store: its
// schema-level type, status state machine, and the storage-agnostic
// interface the Transfer Engine drives. internal/ledger/sqlite provides
// the embedded SQLite implementation.
package ledger

import (
	"context"
	"time"
)

// Status is a download record's position in the state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// legalTransitions enumerates the only state changes Update may commit.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusCancelled: true, StatusFailed: true},
	StatusInProgress: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusPaused:     {StatusInProgress: true, StatusCancelled: true},
	StatusFailed:     {StatusInProgress: true},
}

// IsTerminal reports whether no further transitions are legal from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is a legal
// transition of the record state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}

	return legalTransitions[from][to]
}

// Record is the central download entity, persisted by the Ledger and
// mirrored in memory by the Transfer Engine.
type Record struct {
	ID              string
	URL             string
	Filename        string
	SavePath        string
	FileSize        *int64
	DownloadedBytes int64
	Status          Status
	MIMEType        string
	Checksum        string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Ledger is the durable store of download Records. Implementations must
// serialize writers internally; concurrent readers are always safe.
type Ledger interface {
	// Insert persists a brand-new record. It fails if id or SavePath is
	// already present.
	Insert(ctx context.Context, record *Record) error

	// Update replaces every field of the stored record identified by
	// record.ID except ID and CreatedAt, and rejects a Status change
	// that is not a legal transition per CanTransition.
	Update(ctx context.Context, record *Record) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// ListAll returns every record ordered by CreatedAt descending.
	ListAll(ctx context.Context) ([]*Record, error)

	// ListByStatus returns records in status ordered by UpdatedAt
	// descending.
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)

	// Search returns records whose Filename or URL contains query,
	// case-insensitively.
	Search(ctx context.Context, query string) ([]*Record, error)

	// Delete removes the record only; the caller is responsible for
	// deleting the file on disk.
	Delete(ctx context.Context, id string) error

	// PurgeOlderThan deletes terminal records among statuses whose
	// CompletedAt (or UpdatedAt when CompletedAt is unset) precedes
	// cutoff. It returns the number of records removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error)
}
