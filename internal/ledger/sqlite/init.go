// Package sqlite is the embedded SQLite implementation of
// internal/ledger.Ledger.
package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id               TEXT PRIMARY KEY,
	filename         TEXT NOT NULL,
	url              TEXT NOT NULL,
	file_size        INTEGER,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	mime_type        TEXT,
	save_path        TEXT NOT NULL UNIQUE,
	checksum         TEXT,
	error_message    TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	completed_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
CREATE INDEX IF NOT EXISTS idx_downloads_filename_url_nocase ON downloads(filename COLLATE NOCASE, url COLLATE NOCASE);
`

// open opens (creating if absent) the SQLite file at path and ensures
// the downloads schema exists.
func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// The sqlite3 driver serializes writers internally but a single
	// connection keeps WAL readers and the one writer from fighting
	// over OS-level locks under concurrent load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create downloads schema: %w", err)
	}

	return db, nil
}
