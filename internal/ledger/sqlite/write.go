package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neonbrowser/neondl/internal/ledger"
)

const timeLayout = time.RFC3339Nano

// Insert persists a brand-new record. Duplicates are not looked up
// beforehand: the PRIMARY KEY on id and the UNIQUE constraint on
// save_path reject them, and that rejection is returned as
// ledger.ErrAlreadyExists.
func (s *Store) Insert(ctx context.Context, record *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads
			(id, filename, url, file_size, downloaded_bytes, status, mime_type, save_path, checksum, error_message, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Filename, record.URL, nullableInt64(record.FileSize), record.DownloadedBytes,
		string(record.Status), nullableString(record.MIMEType), record.SavePath, nullableString(record.Checksum),
		nullableString(record.ErrorMessage), now.Format(timeLayout), now.Format(timeLayout), nullableTime(record.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAlreadyExists
		}

		return fmt.Errorf("insert download record: %w", err)
	}

	return nil
}

// Update replaces every field of the stored record except ID and
// CreatedAt. It rejects a status change that §3.2 does not allow.
func (s *Store) Update(ctx context.Context, record *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var currentStatus string

	err := s.db.QueryRowContext(ctx, `SELECT status FROM downloads WHERE id = ?`, record.ID).Scan(&currentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if !ledger.CanTransition(ledger.Status(currentStatus), record.Status) {
		return ledger.ErrInvalidTransition
	}

	now := time.Now().UTC()
	record.UpdatedAt = now

	if record.Status == ledger.StatusCompleted && record.CompletedAt == nil {
		record.CompletedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET
			filename = ?, url = ?, file_size = ?, downloaded_bytes = ?, status = ?,
			mime_type = ?, save_path = ?, checksum = ?, error_message = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		record.Filename, record.URL, nullableInt64(record.FileSize), record.DownloadedBytes, string(record.Status),
		nullableString(record.MIMEType), record.SavePath, nullableString(record.Checksum),
		nullableString(record.ErrorMessage), now.Format(timeLayout), nullableTime(record.CompletedAt), record.ID,
	)
	if err != nil {
		return fmt.Errorf("update download record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update download record: %w", err)
	}

	if affected == 0 {
		return ledger.ErrNotFound
	}

	return nil
}

// Delete removes the record only; deleting the on-disk file is the
// Transfer Engine's responsibility.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete download record: %w", err)
	}

	if affected == 0 {
		return ledger.ErrNotFound
	}

	return nil
}

// PurgeOlderThan deletes terminal records among statuses whose
// completed_at (or updated_at when completed_at is null) precedes
// cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time, statuses []ledger.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)

	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	args = append(args, cutoff.Format(timeLayout))

	query := fmt.Sprintf(`
		DELETE FROM downloads
		WHERE status IN (%s)
		AND COALESCE(completed_at, updated_at) < ?`, strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge download records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge download records: %w", err)
	}

	return int(affected), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.Format(timeLayout)
}
