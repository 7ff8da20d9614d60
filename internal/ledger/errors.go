package ledger

import "errors"

var (
	// ErrNotFound is returned by Get, Update, and Delete when no
	// record exists for the given id.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrAlreadyExists is returned by Insert when id or SavePath
	// collides with an existing record.
	ErrAlreadyExists = errors.New("ledger: record already exists")

	// ErrInvalidTransition is returned by Update when the requested
	// Status change is not legal from the record's current status.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)
