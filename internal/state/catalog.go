package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/document"
)

// DocumentRow represents a row in the documents catalog.
type DocumentRow struct {
	Path              string    `json:"path"`
	Title             string    `json:"title"`
	Type              string    `json:"type"`
	Date              string    `json:"date"`
	Checksum          string    `json:"checksum"`
	SourceFingerprint string    `json:"source_fingerprint"`
	Enrichment        string    `json:"enrichment"`
	Tags              []string  `json:"tags"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SearchResult represents one search hit.
type SearchResult struct {
	Path    string `json:"path"`
	Title   string `json:"title"`
	Type    string `json:"type,omitempty"`
	Date    string `json:"date,omitempty"`
	Snippet string `json:"snippet"`
}

// UpsertDocument inserts or replaces a catalog entry and its FTS entry
// within a transaction.
func (db *DB) UpsertDocument(d DocumentRow, body string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("state: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if d.Tags == nil {
		d.Tags = []string{}
	}
	tagsJSON, _ := json.Marshal(d.Tags)

	_, err = tx.Exec(`
		INSERT INTO documents (path, title, type, date, checksum, source_fingerprint, enrichment, tags, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title              = excluded.title,
			type               = excluded.type,
			date               = excluded.date,
			checksum           = excluded.checksum,
			source_fingerprint = excluded.source_fingerprint,
			enrichment         = excluded.enrichment,
			tags               = excluded.tags,
			body               = excluded.body,
			updated_at         = excluded.updated_at
	`, d.Path, d.Title, d.Type, d.Date, d.Checksum, d.SourceFingerprint, d.Enrichment, string(tagsJSON), body, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("state: upsert document: %w", err)
	}

	// FTS upsert (no-op when FTS5 tag is absent).
	if err := ftsUpsert(tx, d, body); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteDocument removes a catalog entry and its FTS entry.
func (db *DB) DeleteDocument(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("state: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, path)
	if _, err := tx.Exec(`DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("state: delete document: %w", err)
	}
	return tx.Commit()
}

const documentColumns = `path, title, type, date, checksum, source_fingerprint, enrichment, tags, updated_at`

func scanDocument(s interface{ Scan(...any) error }) (*DocumentRow, error) {
	var (
		d    DocumentRow
		tags string
	)
	if err := s.Scan(&d.Path, &d.Title, &d.Type, &d.Date, &d.Checksum, &d.SourceFingerprint, &d.Enrichment, &tags, &d.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &d.Tags)
	return &d, nil
}

// GetDocument returns a catalog entry or apperr.ErrNotFound.
func (db *DB) GetDocument(path string) (*DocumentRow, error) {
	row := db.conn.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE path = ?`, path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get document: %w", err)
	}
	return d, nil
}

// DocumentBySource returns the path of the document derived from the given
// source fingerprint, or "" when none exists.
func (db *DB) DocumentBySource(fingerprint string) (string, error) {
	var p string
	err := db.conn.QueryRow(`SELECT path FROM documents WHERE source_fingerprint = ? ORDER BY updated_at LIMIT 1`, fingerprint).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state: document by source: %w", err)
	}
	return p, nil
}

// ListDocuments returns a page of catalog entries, newest first, optionally
// filtered by content type, together with the total count.
func (db *DB) ListDocuments(limit, offset int, docType string) ([]DocumentRow, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	args := []any{}
	if docType != "" {
		where = ` WHERE type = ?`
		args = append(args, docType)
	}

	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("state: count documents: %w", err)
	}

	rows, err := db.conn.Query(`SELECT `+documentColumns+` FROM documents`+where+
		` ORDER BY date DESC, path LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("state: list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentRow
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

// IncompleteDocuments returns paths whose enrichment is incomplete.
func (db *DB) IncompleteDocuments() ([]string, error) {
	rows, err := db.conn.Query(`SELECT path FROM documents WHERE enrichment = 'incomplete' ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("state: incomplete documents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IndexDocument parses a rendered knowledge document and upserts its catalog
// entry. Documents without frontmatter are rejected with
// document.ErrNoFrontmatter.
func (db *DB) IndexDocument(path string, data []byte) error {
	doc, err := document.Parse(data)
	if err != nil {
		return err
	}
	enrichment := doc.Meta.Enrichment
	if enrichment == "" {
		enrichment = document.EnrichmentComplete
	}
	body := doc.Transcript
	for _, s := range doc.Sections {
		body += "\n\n" + s.Content
	}
	return db.UpsertDocument(DocumentRow{
		Path:              path,
		Title:             doc.Meta.Title,
		Type:              doc.Meta.Type,
		Date:              doc.Meta.Date,
		Checksum:          checksum.Document(data),
		SourceFingerprint: doc.Meta.SourceFingerprint,
		Enrichment:        enrichment,
		Tags:              doc.Meta.Tags,
		UpdatedAt:         time.Now().UTC(),
	}, body)
}
