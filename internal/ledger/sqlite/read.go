package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/neonbrowser/neondl/internal/ledger"
)

const selectColumns = `id, filename, url, file_size, downloaded_bytes, status, mime_type, save_path, checksum, error_message, created_at, updated_at, completed_at`

// Get returns the record for id, or ledger.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*ledger.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get download record: %w", err)
	}

	return record, nil
}

// ListAll returns every record ordered by created_at descending.
func (s *Store) ListAll(ctx context.Context) ([]*ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM downloads ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list download records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByStatus returns records in status ordered by updated_at
// descending.
func (s *Store) ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM downloads WHERE status = ? ORDER BY updated_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list download records by status: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Search returns records whose filename or url contains query,
// case-insensitively.
func (s *Store) Search(ctx context.Context, query string) ([]*ledger.Record, error) {
	like := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM downloads
		 WHERE filename LIKE ? ESCAPE '\' COLLATE NOCASE OR url LIKE ? ESCAPE '\' COLLATE NOCASE
		 ORDER BY created_at DESC`, like, like)
	if err != nil {
		return nil, fmt.Errorf("search download records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.Record, error) {
	var (
		rec                                     ledger.Record
		status                                  string
		fileSize                                sql.NullInt64
		mimeType, checksum, errMessage          sql.NullString
		createdAt, updatedAt                    string
		completedAt                             sql.NullString
	)

	if err := row.Scan(
		&rec.ID, &rec.Filename, &rec.URL, &fileSize, &rec.DownloadedBytes, &status,
		&mimeType, &rec.SavePath, &checksum, &errMessage, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = ledger.Status(status)
	rec.MIMEType = mimeType.String
	rec.Checksum = checksum.String
	rec.ErrorMessage = errMessage.String

	if fileSize.Valid {
		v := fileSize.Int64
		rec.FileSize = &v
	}

	var err error

	rec.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	rec.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}

		rec.CompletedAt = &t
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*ledger.Record, error) {
	var records []*ledger.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate download records: %w", err)
	}

	return records, nil
}
