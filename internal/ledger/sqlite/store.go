package sqlite

import (
	"database/sql"
	"sync"
)

// Store is the SQLite-backed ledger.Ledger implementation. Writes are
// additionally serialized behind mu so that the read-then-write
// sections in write.go (such as Update's transition check) observe a
// consistent view even across goroutines sharing one *sql.DB.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New wraps an already-opened, already-migrated database handle. Use
// Open to create one from a file path.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the SQLite file at path, ensures its schema, and returns
// a ready-to-use Store.
func Open(path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	return New(db), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
