package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

const recordColumns = `path, collection_id, remote_id, fingerprint, state, focus_linked, last_error, updated_at`

func scanRecord(s interface{ Scan(...any) error }) (*models.SyncRecord, error) {
	var (
		r     models.SyncRecord
		state string
	)
	if err := s.Scan(&r.Path, &r.CollectionID, &r.RemoteID, &r.Fingerprint, &state, &r.FocusLinked, &r.LastError, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = models.SyncState(state)
	return &r, nil
}

// GetRecord returns the sync record for path or apperr.ErrNotFound.
func (db *DB) GetRecord(path string) (*models.SyncRecord, error) {
	row := db.conn.QueryRow(`SELECT `+recordColumns+` FROM sync_records WHERE path = ?`, path)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get record: %w", err)
	}
	return r, nil
}

// RecordByRemoteID returns the sync record bound to remoteID or
// apperr.ErrNotFound.
func (db *DB) RecordByRemoteID(remoteID string) (*models.SyncRecord, error) {
	row := db.conn.QueryRow(`SELECT `+recordColumns+` FROM sync_records WHERE remote_id = ? ORDER BY path LIMIT 1`, remoteID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: record by remote id: %w", err)
	}
	return r, nil
}

// PutRecord inserts or replaces the sync record for r.Path and stamps it
// with the current time.
func (db *DB) PutRecord(r models.SyncRecord) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := db.conn.Exec(`
		INSERT INTO sync_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			collection_id = excluded.collection_id,
			remote_id     = excluded.remote_id,
			fingerprint   = excluded.fingerprint,
			state         = excluded.state,
			focus_linked  = excluded.focus_linked,
			last_error    = excluded.last_error,
			updated_at    = excluded.updated_at
	`, r.Path, r.CollectionID, r.RemoteID, r.Fingerprint, string(r.State), r.FocusLinked, r.LastError, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("state: put record: %w", err)
	}
	return nil
}

// DeleteRecord removes the sync record for path. Missing records are ignored.
func (db *DB) DeleteRecord(path string) error {
	if _, err := db.conn.Exec(`DELETE FROM sync_records WHERE path = ?`, path); err != nil {
		return fmt.Errorf("state: delete record: %w", err)
	}
	return nil
}

// ListRecords returns all sync records ordered by path, optionally filtered
// by state.
func (db *DB) ListRecords(states ...models.SyncState) ([]models.SyncRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM sync_records`
	var args []any
	if len(states) > 0 {
		q += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, s := range states {
			args = append(args, string(s))
		}
	}
	rows, err := db.conn.Query(q+` ORDER BY path`, args...)
	if err != nil {
		return nil, fmt.Errorf("state: list records: %w", err)
	}
	defer rows.Close()

	var out []models.SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
