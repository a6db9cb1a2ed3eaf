// Package syncer keeps the remote knowledge index in step with the documents
// in the knowledge folder. Each document path moves through
// unsynced -> syncing -> synced, back to syncing when its fingerprint changes,
// and through deleting when the file disappears. Transitions for one path are
// serialized; distinct paths sync concurrently up to a limit.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/retry"
	"github.com/starford/ansuz/internal/storage"
)

// RemoteIndex is the remote knowledge index.
type RemoteIndex interface {
	Create(ctx context.Context, collectionID, name string, content []byte) (string, error)
	Update(ctx context.Context, collectionID, remoteID string, content []byte) error
	Delete(ctx context.Context, collectionID, remoteID string) error
	Link(ctx context.Context, collectionID, remoteID string) error
	Unlink(ctx context.Context, collectionID, remoteID string) error
	FindByName(ctx context.Context, name string) (string, error)
}

// TypeResolver maps a document's type name to its content type rule.
type TypeResolver interface {
	ByName(name string) (*models.ContentType, bool)
	Default() *models.ContentType
}

// Store is the subset of the state database used by the engine.
type Store interface {
	GetRecord(path string) (*models.SyncRecord, error)
	RecordByRemoteID(remoteID string) (*models.SyncRecord, error)
	PutRecord(r models.SyncRecord) error
	DeleteRecord(path string) error
	ListRecords(states ...models.SyncState) ([]models.SyncRecord, error)
	IndexDocument(path string, data []byte) error
	DeleteDocument(path string) error
}

// Outcome describes what a sync call did.
type Outcome string

// Sync outcomes.
const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeMigrated  Outcome = "migrated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeDetached  Outcome = "detached"
	OutcomeSkipped   Outcome = "skipped"
)

// EventCallback is called after a sync mutation with the outcome and the
// document path.
type EventCallback func(outcome Outcome, path string)

// Config configures the engine.
type Config struct {
	// DeleteRemote removes the remote document when the local file is deleted.
	DeleteRemote bool
	// FocusCollection, when set, receives a link to every focus document.
	FocusCollection string
	// Concurrency bounds simultaneous remote syncs.
	Concurrency int
	Retry       retry.Policy
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	remote RemoteIndex
	db     Store
	store  storage.Provider
	types  TypeResolver
	logger *slog.Logger
	notify EventCallback

	locks *keyedMutex
	sem   *semaphore.Weighted
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier registers a callback for sync mutations.
func WithNotifier(cb EventCallback) Option {
	return func(e *Engine) { e.notify = cb }
}

// New creates an Engine.
func New(cfg Config, remote RemoteIndex, db Store, store storage.Provider, types TypeResolver, opts ...Option) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	e := &Engine{
		cfg:    cfg,
		remote: remote,
		db:     db,
		store:  store,
		types:  types,
		logger: slog.Default(),
		locks:  newKeyedMutex(),
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Sync makes the remote index reflect the document at relPath. A missing file
// is treated as a removal.
func (e *Engine) Sync(ctx context.Context, relPath string) (Outcome, error) {
	unlock := e.locks.Lock(relPath)
	defer unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return OutcomeSkipped, err
	}
	defer e.sem.Release(1)

	data, err := e.store.Read(relPath)
	if errors.Is(err, apperr.ErrNotFound) {
		return e.remove(ctx, relPath)
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("syncer: read: %w", err)
	}
	return e.sync(ctx, relPath, data)
}

// Remove handles a deleted document.
func (e *Engine) Remove(ctx context.Context, relPath string) (Outcome, error) {
	unlock := e.locks.Lock(relPath)
	defer unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return OutcomeSkipped, err
	}
	defer e.sem.Release(1)

	return e.remove(ctx, relPath)
}

func (e *Engine) sync(ctx context.Context, relPath string, data []byte) (Outcome, error) {
	doc, err := document.Parse(data)
	if err != nil {
		return OutcomeSkipped, apperr.Permanent("syncer: parse "+relPath, err)
	}
	fp := checksum.Document(data)

	ct, ok := e.types.ByName(doc.Meta.Type)
	if !ok {
		ct = e.types.Default()
		if ct == nil {
			return OutcomeSkipped, apperr.Permanent("syncer: resolve type", fmt.Errorf("unknown type %q for %s", doc.Meta.Type, relPath))
		}
		e.logger.Warn("syncer: unknown type, using default",
			slog.String("path", relPath),
			slog.String("type", doc.Meta.Type),
			slog.String("default", ct.Name))
	}
	collection := ct.Collection

	rec, err := e.db.GetRecord(relPath)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		rec = nil
	case err != nil:
		return OutcomeSkipped, fmt.Errorf("syncer: load record: %w", err)
	}

	if rec == nil && doc.Meta.RemoteID != "" && doc.Meta.CollectionID != "" {
		rec, data, err = e.adopt(relPath, doc, data)
		if err != nil {
			return OutcomeSkipped, err
		}
	}
	if rec == nil {
		rec = &models.SyncRecord{Path: relPath, State: models.SyncUnsynced}
	}

	wantFocus := doc.Meta.Focus && e.cfg.FocusCollection != ""
	if rec.Synced() && rec.State == models.SyncSynced && rec.CollectionID == collection && rec.Fingerprint == fp {
		if rec.FocusLinked != wantFocus {
			e.applyFocus(ctx, rec, wantFocus)
			if err := e.db.PutRecord(*rec); err != nil {
				e.logger.Error("syncer: save record", slog.String("path", relPath), slog.String("error", err.Error()))
			}
		}
		if doc.Meta.RemoteID != rec.RemoteID || doc.Meta.CollectionID != rec.CollectionID {
			e.writeBack(relPath, fp, rec.RemoteID, rec.CollectionID)
		}
		return OutcomeUnchanged, nil
	}

	rec.State = models.SyncSyncing
	if err := e.db.PutRecord(*rec); err != nil {
		return OutcomeSkipped, fmt.Errorf("syncer: save record: %w", err)
	}

	outcome, err := e.push(ctx, rec, collection, RemoteName(relPath), data)
	if err != nil {
		rec.State = models.SyncFailed
		rec.LastError = err.Error()
		if perr := e.db.PutRecord(*rec); perr != nil {
			e.logger.Error("syncer: save failed record", slog.String("path", relPath), slog.String("error", perr.Error()))
		}
		if !rec.Synced() {
			e.writeBack(relPath, fp, "", "")
		}
		e.logger.Warn("syncer: sync failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()))
		return OutcomeSkipped, err
	}

	e.applyFocus(ctx, rec, wantFocus)
	rec.Fingerprint = fp
	rec.State = models.SyncSynced
	rec.LastError = ""
	if err := e.db.PutRecord(*rec); err != nil {
		return outcome, fmt.Errorf("syncer: save record: %w", err)
	}
	e.writeBack(relPath, fp, rec.RemoteID, rec.CollectionID)
	e.catalog(relPath, data)

	e.logger.Info("syncer: synced",
		slog.String("path", relPath),
		slog.String("outcome", string(outcome)),
		slog.String("collection", rec.CollectionID),
		slog.String("remote_id", rec.RemoteID))
	if e.notify != nil {
		e.notify(outcome, relPath)
	}
	return outcome, nil
}

// adopt rebuilds the record of a file whose frontmatter already names a
// remote document. A file whose remote id belongs to another existing
// document is a copy: its sync fields are dropped and it is created anew. A
// file whose remote id belongs to a vanished path was moved and takes the
// record over.
func (e *Engine) adopt(relPath string, doc *document.Document, data []byte) (*models.SyncRecord, []byte, error) {
	owner, err := e.db.RecordByRemoteID(doc.Meta.RemoteID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		e.logger.Info("syncer: adopted remote document from frontmatter",
			slog.String("path", relPath),
			slog.String("remote_id", doc.Meta.RemoteID))
		return &models.SyncRecord{
			Path:         relPath,
			CollectionID: doc.Meta.CollectionID,
			RemoteID:     doc.Meta.RemoteID,
			State:        models.SyncSynced,
		}, data, nil
	case err != nil:
		return nil, data, fmt.Errorf("syncer: look up remote owner: %w", err)
	case owner.Path == relPath:
		return owner, data, nil
	}

	if _, err := e.store.Read(owner.Path); err == nil {
		stripped, err := document.SetSyncFields(data, "", "")
		if err != nil {
			return nil, data, apperr.Permanent("syncer: detach copy "+relPath, err)
		}
		e.logger.Info("syncer: copied document gets its own remote",
			slog.String("path", relPath),
			slog.String("original", owner.Path),
			slog.String("remote_id", owner.RemoteID))
		return nil, stripped, nil
	}

	if err := e.db.DeleteRecord(owner.Path); err != nil {
		return nil, data, fmt.Errorf("syncer: release moved record: %w", err)
	}
	if err := e.db.DeleteDocument(owner.Path); err != nil {
		e.logger.Warn("syncer: catalog delete failed", slog.String("path", owner.Path), slog.String("error", err.Error()))
	}
	e.logger.Info("syncer: moved document keeps its remote",
		slog.String("path", relPath),
		slog.String("from", owner.Path),
		slog.String("remote_id", owner.RemoteID))
	rec := *owner
	rec.Path = relPath
	// Force one update so the catalog and remote content follow the move.
	rec.Fingerprint = ""
	return &rec, data, nil
}

// RemoteName returns the file name a document is uploaded under: its base
// name plus a short hash of relPath, unique per document path.
func RemoteName(relPath string) string {
	base := path.Base(relPath)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + checksum.Sum([]byte(relPath))[:8] + ext
}

// push performs the remote mutation for rec and updates its remote fields.
func (e *Engine) push(ctx context.Context, rec *models.SyncRecord, collection, name string, data []byte) (Outcome, error) {
	if rec.Synced() && rec.CollectionID != collection {
		if rec.FocusLinked && e.cfg.FocusCollection != "" {
			e.applyFocus(ctx, rec, false)
		}
		oldCollection, oldID := rec.CollectionID, rec.RemoteID
		if err := e.retry(ctx, func(ctx context.Context) error {
			return e.remote.Delete(ctx, oldCollection, oldID)
		}); err != nil {
			return OutcomeSkipped, fmt.Errorf("syncer: delete from %s: %w", oldCollection, err)
		}
		rec.RemoteID, rec.CollectionID, rec.FocusLinked = "", "", false
		if err := e.create(ctx, rec, collection, name, data); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeMigrated, nil
	}

	if rec.Synced() {
		err := e.retry(ctx, func(ctx context.Context) error {
			return e.remote.Update(ctx, rec.CollectionID, rec.RemoteID, data)
		})
		if err == nil {
			return OutcomeUpdated, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return OutcomeSkipped, fmt.Errorf("syncer: update: %w", err)
		}
		e.logger.Info("syncer: remote document gone, creating again",
			slog.String("path", rec.Path),
			slog.String("remote_id", rec.RemoteID))
		rec.RemoteID, rec.CollectionID, rec.FocusLinked = "", "", false
	}

	if err := e.create(ctx, rec, collection, name, data); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// create uploads data as a new remote document. A remote file left behind
// under the same name by an interrupted earlier create of this path is
// removed first; a file another record owns is never touched.
func (e *Engine) create(ctx context.Context, rec *models.SyncRecord, collection, name string, data []byte) error {
	var stale string
	if err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		stale, err = e.remote.FindByName(ctx, name)
		return err
	}); err != nil {
		return fmt.Errorf("syncer: find existing: %w", err)
	}
	if stale != "" {
		owner, err := e.db.RecordByRemoteID(stale)
		switch {
		case err == nil && owner.Path != rec.Path:
			e.logger.Warn("syncer: remote name owned by another document, keeping it",
				slog.String("name", name),
				slog.String("remote_id", stale),
				slog.String("owner", owner.Path))
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return fmt.Errorf("syncer: look up remote owner: %w", err)
		default:
			e.logger.Info("syncer: removing stale remote file", slog.String("name", name), slog.String("remote_id", stale))
			if err := e.retry(ctx, func(ctx context.Context) error {
				return e.remote.Delete(ctx, collection, stale)
			}); err != nil {
				return fmt.Errorf("syncer: delete stale: %w", err)
			}
		}
	}

	var id string
	if err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.remote.Create(ctx, collection, name, data)
		return err
	}); err != nil {
		return fmt.Errorf("syncer: create: %w", err)
	}
	rec.RemoteID = id
	rec.CollectionID = collection
	return nil
}

func (e *Engine) remove(ctx context.Context, relPath string) (Outcome, error) {
	if err := e.db.DeleteDocument(relPath); err != nil {
		e.logger.Warn("syncer: catalog delete failed", slog.String("path", relPath), slog.String("error", err.Error()))
	}

	rec, err := e.db.GetRecord(relPath)
	if errors.Is(err, apperr.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("syncer: load record: %w", err)
	}

	if !e.cfg.DeleteRemote || !rec.Synced() {
		if err := e.db.DeleteRecord(relPath); err != nil {
			return OutcomeSkipped, fmt.Errorf("syncer: delete record: %w", err)
		}
		e.logger.Info("syncer: record detached", slog.String("path", relPath), slog.String("remote_id", rec.RemoteID))
		if e.notify != nil {
			e.notify(OutcomeDetached, relPath)
		}
		return OutcomeDetached, nil
	}

	rec.State = models.SyncDeleting
	if err := e.db.PutRecord(*rec); err != nil {
		return OutcomeSkipped, fmt.Errorf("syncer: save record: %w", err)
	}
	if rec.FocusLinked && e.cfg.FocusCollection != "" {
		e.applyFocus(ctx, rec, false)
	}
	if err := e.retry(ctx, func(ctx context.Context) error {
		return e.remote.Delete(ctx, rec.CollectionID, rec.RemoteID)
	}); err != nil {
		rec.LastError = err.Error()
		if perr := e.db.PutRecord(*rec); perr != nil {
			e.logger.Error("syncer: save failed record", slog.String("path", relPath), slog.String("error", perr.Error()))
		}
		return OutcomeSkipped, fmt.Errorf("syncer: delete: %w", err)
	}
	if err := e.db.DeleteRecord(relPath); err != nil {
		return OutcomeDeleted, fmt.Errorf("syncer: delete record: %w", err)
	}

	e.logger.Info("syncer: remote deleted", slog.String("path", relPath), slog.String("remote_id", rec.RemoteID))
	if e.notify != nil {
		e.notify(OutcomeDeleted, relPath)
	}
	return OutcomeDeleted, nil
}

// applyFocus links or unlinks rec in the focus collection. Failures are
// logged and leave FocusLinked unchanged so the next sync retries.
func (e *Engine) applyFocus(ctx context.Context, rec *models.SyncRecord, want bool) {
	if e.cfg.FocusCollection == "" || rec.FocusLinked == want || !rec.Synced() {
		return
	}
	op := e.remote.Link
	if !want {
		op = e.remote.Unlink
	}
	if err := e.retry(ctx, func(ctx context.Context) error {
		return op(ctx, e.cfg.FocusCollection, rec.RemoteID)
	}); err != nil {
		e.logger.Warn("syncer: focus link failed",
			slog.String("path", rec.Path),
			slog.Bool("link", want),
			slog.String("error", err.Error()))
		return
	}
	rec.FocusLinked = want
}

// writeBack records the remote identity in the document's frontmatter when
// the file still holds the content that was synced.
func (e *Engine) writeBack(relPath, fp, remoteID, collectionID string) {
	current, err := e.store.Read(relPath)
	if err != nil || checksum.Document(current) != fp {
		return
	}
	updated, err := document.SetSyncFields(current, remoteID, collectionID)
	if err != nil || string(updated) == string(current) {
		return
	}
	if err := e.store.Write(relPath, updated); err != nil {
		e.logger.Warn("syncer: write back failed", slog.String("path", relPath), slog.String("error", err.Error()))
	}
}

func (e *Engine) catalog(relPath string, data []byte) {
	if err := e.db.IndexDocument(relPath, data); err != nil {
		e.logger.Warn("syncer: catalog upsert failed", slog.String("path", relPath), slog.String("error", err.Error()))
	}
}

func (e *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.cfg.Retry, fn)
}

// Status returns every sync record.
func (e *Engine) Status() ([]models.SyncRecord, error) {
	return e.db.ListRecords()
}
