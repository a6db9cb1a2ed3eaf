package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

const itemColumns = `id, path, kind, discovered_at, fingerprint, state, step, attempts, deferrals, last_error, transcript, output, updated_at`

func scanItem(s interface{ Scan(...any) error }) (*models.SourceItem, error) {
	var (
		it         models.SourceItem
		kind       string
		st         string
		step       int
		transcript sql.NullString
	)
	if err := s.Scan(&it.ID, &it.Path, &kind, &it.DiscoveredAt, &it.Fingerprint, &st, &step,
		&it.Attempts, &it.Deferrals, &it.LastError, &transcript, &it.Output, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Kind = models.SourceKind(kind)
	it.State = models.ItemState(st)
	it.Step = models.Step(step)
	it.Transcript = transcript.String
	return &it, nil
}

// SaveItem checkpoints an in-flight item.
func (db *DB) SaveItem(it models.SourceItem) error {
	it.UpdatedAt = time.Now().UTC()
	transcript := sql.NullString{String: it.Transcript, Valid: it.Step >= models.StepTranscribe}
	_, err := db.conn.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			id            = excluded.id,
			kind          = excluded.kind,
			discovered_at = excluded.discovered_at,
			fingerprint   = excluded.fingerprint,
			state         = excluded.state,
			step          = excluded.step,
			attempts      = excluded.attempts,
			deferrals     = excluded.deferrals,
			last_error    = excluded.last_error,
			transcript    = excluded.transcript,
			output        = excluded.output,
			updated_at    = excluded.updated_at
	`, it.ID, it.Path, string(it.Kind), it.DiscoveredAt, it.Fingerprint, string(it.State), int(it.Step),
		it.Attempts, it.Deferrals, it.LastError, transcript, it.Output, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("state: save item: %w", err)
	}
	return nil
}

// GetItem returns the checkpoint for a source path or apperr.ErrNotFound.
func (db *DB) GetItem(path string) (*models.SourceItem, error) {
	row := db.conn.QueryRow(`SELECT `+itemColumns+` FROM items WHERE path = ?`, path)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get item: %w", err)
	}
	return it, nil
}

// DeleteItem stops tracking a source path.
func (db *DB) DeleteItem(path string) error {
	if _, err := db.conn.Exec(`DELETE FROM items WHERE path = ?`, path); err != nil {
		return fmt.Errorf("state: delete item: %w", err)
	}
	return nil
}

// ListItems returns checkpoints ordered by discovery time, optionally
// filtered by state.
func (db *DB) ListItems(states ...models.ItemState) ([]models.SourceItem, error) {
	q := `SELECT ` + itemColumns + ` FROM items`
	var args []any
	if len(states) > 0 {
		q += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, s := range states {
			args = append(args, string(s))
		}
	}
	rows, err := db.conn.Query(q+` ORDER BY discovered_at, path`, args...)
	if err != nil {
		return nil, fmt.Errorf("state: list items: %w", err)
	}
	defer rows.Close()

	var out []models.SourceItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}
