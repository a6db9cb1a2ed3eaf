//go:build !sqlite_fts5

package state

import (
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; search uses LIKE on the documents.body column.
	return nil
}

func ftsUpsert(_ *sql.Tx, _ DocumentRow, _ string) error {
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

// Search matches the query with LIKE against title, content type, body and
// tags. Used when FTS5 is not compiled in.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.conn.Query(`
		SELECT path, title, type, date, substr(body, 1, 200)
		FROM documents
		WHERE title LIKE ? OR type LIKE ? OR body LIKE ? OR tags LIKE ?
		ORDER BY date DESC
		LIMIT ?
	`, like, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("state: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Title, &r.Type, &r.Date, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
