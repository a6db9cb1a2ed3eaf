// Package docservice is the read side shared by the status API and the MCP
// server: knowledge documents, their sync state and the pipeline's items.
package docservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/pipeline"
	"github.com/starford/ansuz/internal/state"
	"github.com/starford/ansuz/internal/storage"
)

// DocumentDetail is the full representation of a knowledge document.
type DocumentDetail struct {
	Path        string             `json:"path"`
	Title       string             `json:"title"`
	Type        string             `json:"type,omitempty"`
	Date        string             `json:"date,omitempty"`
	Content     string             `json:"content"`
	Checksum    string             `json:"checksum"`
	Tags        []string           `json:"tags"`
	Frontmatter map[string]any     `json:"frontmatter,omitempty"`
	Sync        *models.SyncRecord `json:"sync,omitempty"`
}

// DocumentListItem is a lightweight item in a list response.
type DocumentListItem = state.DocumentRow

// Catalog is the subset of the state database the service reads.
type Catalog interface {
	ListDocuments(limit, offset int, docType string) ([]state.DocumentRow, int, error)
	Search(query string, limit int) ([]state.SearchResult, error)
	GetRecord(path string) (*models.SyncRecord, error)
	ListRecords(states ...models.SyncState) ([]models.SyncRecord, error)
	ListItems(states ...models.ItemState) ([]models.SourceItem, error)
	Ping() error
}

// Pipeline exposes the orchestrator's live state. It is nil when the
// service runs without a pipeline, as the MCP subcommand does.
type Pipeline interface {
	Status() (pipeline.Status, error)
	Sweep(ctx context.Context) pipeline.SweepReport
}

// ErrNoPipeline is returned by pipeline operations when none is attached.
var ErrNoPipeline = errors.New("docservice: pipeline not running")

// Service coordinates knowledge storage, the catalog and the pipeline.
type Service struct {
	store storage.Provider
	db    Catalog
	pipe  Pipeline
}

// NewService creates a new document service. pipe may be nil.
func NewService(store storage.Provider, db Catalog, pipe Pipeline) *Service {
	return &Service{store: store, db: db, pipe: pipe}
}

// GetDocument reads a document and attaches its sync record.
func (s *Service) GetDocument(_ context.Context, path string) (*DocumentDetail, error) {
	data, err := s.store.Read(path)
	if err != nil {
		return nil, err
	}
	res, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}
	d := &DocumentDetail{
		Path:        path,
		Title:       res.Title,
		Type:        res.String("type"),
		Date:        res.String("date"),
		Content:     string(data),
		Checksum:    checksum.Document(data),
		Tags:        nonNilSlice(res.Tags),
		Frontmatter: res.Frontmatter,
	}
	rec, err := s.db.GetRecord(path)
	switch {
	case err == nil:
		d.Sync = rec
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return d, nil
}

// ListDocuments returns a page of the catalog, optionally filtered by
// content type.
func (s *Service) ListDocuments(_ context.Context, limit, offset int, docType string) ([]DocumentListItem, int, error) {
	rows, total, err := s.db.ListDocuments(limit, offset, docType)
	if err != nil {
		return nil, 0, err
	}
	for i := range rows {
		rows[i].Tags = nonNilSlice(rows[i].Tags)
	}
	return nonNilSlice(rows), total, nil
}

// Search runs a full-text query over the catalog.
func (s *Service) Search(_ context.Context, query string, limit int) ([]state.SearchResult, error) {
	res, err := s.db.Search(query, limit)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(res), nil
}

// SyncRecords lists sync records, optionally filtered by state.
func (s *Service) SyncRecords(_ context.Context, st models.SyncState) ([]models.SyncRecord, error) {
	var states []models.SyncState
	if st != "" {
		states = append(states, st)
	}
	recs, err := s.db.ListRecords(states...)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(recs), nil
}

// Items lists tracked source items, optionally filtered by state.
func (s *Service) Items(_ context.Context, st models.ItemState) ([]models.SourceItem, error) {
	var states []models.ItemState
	if st != "" {
		states = append(states, st)
	}
	items, err := s.db.ListItems(states...)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(items), nil
}

// Errors lists items that ended in the error bucket.
func (s *Service) Errors(ctx context.Context) ([]models.SourceItem, error) {
	return s.Items(ctx, models.ItemErrored)
}

// Status returns the live pipeline snapshot.
func (s *Service) Status(_ context.Context) (*pipeline.Status, error) {
	if s.pipe == nil {
		return nil, ErrNoPipeline
	}
	st, err := s.pipe.Status()
	if err != nil {
		return nil, err
	}
	st.Items = nonNilSlice(st.Items)
	return &st, nil
}

// Sweep triggers a reconciliation sweep and returns what it queued.
func (s *Service) Sweep(ctx context.Context) (*pipeline.SweepReport, error) {
	if s.pipe == nil {
		return nil, ErrNoPipeline
	}
	r := s.pipe.Sweep(ctx)
	return &r, nil
}

// Ready reports whether the state database answers.
func (s *Service) Ready(_ context.Context) error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("docservice: state db: %w", err)
	}
	return nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
