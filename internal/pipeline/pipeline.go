// Package pipeline turns captures dropped into the inbox folders into
// enriched knowledge documents and keeps the knowledge folder in sync with
// the remote index. Watchers and the periodic sweep feed a de-duplicated job
// queue drained by a bounded worker pool; every item checkpoints the last
// step it completed so a restart resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/ansuz/internal/classify"
	"github.com/starford/ansuz/internal/enrich"
	"github.com/starford/ansuz/internal/metadata"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/retry"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/syncer"
)

// errStopping aborts an item between steps during shutdown.
var errStopping = errors.New("pipeline: shutting down")

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

// Enricher asks the LLM for document fields.
type Enricher interface {
	Enrich(ctx context.Context, req enrich.Request) (*enrich.Result, error)
}

// Syncer pushes knowledge documents to the remote index.
type Syncer interface {
	Sync(ctx context.Context, relPath string) (syncer.Outcome, error)
	Remove(ctx context.Context, relPath string) (syncer.Outcome, error)
	Plan(ctx context.Context) (syncer.Plan, error)
}

// Store persists item checkpoints and the document catalog.
type Store interface {
	SaveItem(it models.SourceItem) error
	GetItem(path string) (*models.SourceItem, error)
	DeleteItem(path string) error
	ListItems(states ...models.ItemState) ([]models.SourceItem, error)
	DocumentBySource(fingerprint string) (string, error)
	IncompleteDocuments() ([]string, error)
	IndexDocument(path string, data []byte) error
}

// Event kinds passed to the EventCallback.
const (
	EventItemDiscovered  = "item.discovered"
	EventItemDone        = "item.done"
	EventItemDeferred    = "item.deferred"
	EventItemErrored     = "item.errored"
	EventDocumentWritten = "document.written"
)

// EventCallback receives pipeline events with the affected path.
type EventCallback func(kind, path string)

// Config configures the pipeline.
type Config struct {
	AudioInbox string
	TextInbox  string
	Archive    string
	Errors     string

	AudioExtensions []string
	TextExtensions  []string
	Ignore          []string

	Debounce          time.Duration
	KnowledgeDebounce time.Duration

	Workers       int
	Language      string
	Retry         retry.Policy
	MaxDeferrals  int
	SweepInterval time.Duration
	GracePeriod   time.Duration
}

// Pipeline is the orchestrator. Create it with New and start it with Run.
type Pipeline struct {
	cfg        Config
	knowledge  *storage.FS
	db         Store
	extractor  *metadata.Extractor
	classifier *classify.Classifier
	transcribe Transcriber
	enricher   Enricher
	syncer     Syncer
	filter     *filter
	queue      *queue
	logger     *slog.Logger
	notify     EventCallback
	now        func() time.Time

	stopping atomic.Bool
	sweepMu  sync.Mutex
	lastRun  atomic.Pointer[SweepReport]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithNotifier registers a callback for pipeline events.
func WithNotifier(cb EventCallback) Option {
	return func(p *Pipeline) { p.notify = cb }
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Knowledge   *storage.FS
	Store       Store
	Extractor   *metadata.Extractor
	Classifier  *classify.Classifier
	Transcriber Transcriber
	Enricher    Enricher
	Syncer      Syncer
}

// New validates the folders and creates a Pipeline.
func New(cfg Config, deps Deps, opts ...Option) (*Pipeline, error) {
	f, err := newFilter(cfg.AudioExtensions, cfg.TextExtensions, cfg.Ignore)
	if err != nil {
		return nil, err
	}
	for _, dir := range []*string{&cfg.AudioInbox, &cfg.TextInbox, &cfg.Archive, &cfg.Errors} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("pipeline: resolve %s: %w", *dir, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: create %s: %w", abs, err)
		}
		*dir = abs
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	p := &Pipeline{
		cfg:        cfg,
		knowledge:  deps.Knowledge,
		db:         deps.Store,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		transcribe: deps.Transcriber,
		enricher:   deps.Enricher,
		syncer:     deps.Syncer,
		filter:     f,
		queue:      newQueue(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Run starts the watchers, the workers and the sweep loop and blocks until
// ctx is cancelled. In-flight items then get the grace period to finish
// their current step before their work context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	w, err := newWatcher(p)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.run(ctx)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.work(workCtx)
		}()
	}

	p.logger.Info("pipeline: started",
		slog.Int("workers", p.cfg.Workers),
		slog.String("audio_inbox", p.cfg.AudioInbox),
		slog.String("text_inbox", p.cfg.TextInbox),
		slog.String("knowledge", p.knowledge.Root()))

	p.Sweep(ctx)
	if p.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(p.cfg.SweepInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					p.Sweep(ctx)
				}
			}
		}()
	}

	<-ctx.Done()
	p.stopping.Store(true)
	p.queue.Close()
	p.logger.Info("pipeline: stopping", slog.Duration("grace", p.cfg.GracePeriod))

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	if p.cfg.GracePeriod > 0 {
		select {
		case <-done:
		case <-time.After(p.cfg.GracePeriod):
			p.logger.Warn("pipeline: grace period expired, cancelling in-flight work")
			cancelWork()
			<-done
		}
	} else {
		cancelWork()
		<-done
	}
	wg.Wait()
	p.logger.Info("pipeline: stopped")
	return nil
}

// Drain runs one sweep without watchers and processes everything it queued
// with the worker pool. It returns once the queue is empty or ctx is done.
func (p *Pipeline) Drain(ctx context.Context) SweepReport {
	r := p.Sweep(ctx)

	var workers sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.work(ctx)
		}()
	}

	idle := make(chan struct{})
	go func() {
		p.queue.WaitIdle()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		p.stopping.Store(true)
	}
	p.queue.Close()
	workers.Wait()
	return r
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		j, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.ProcessJob(ctx, j)
		p.queue.Done(j.Path)
	}
}

// Enqueue adds a job. It reports false once shutdown has begun.
func (p *Pipeline) Enqueue(j Job) bool {
	return p.queue.Push(j)
}

// ProcessJob runs one job to completion in the calling goroutine.
func (p *Pipeline) ProcessJob(ctx context.Context, j Job) {
	var err error
	switch j.Kind {
	case JobIngest:
		err = p.ingest(ctx, j.Path, false)
	case JobKnowledge:
		err = p.knowledgeChanged(ctx, j.Path)
	case JobReenrich:
		err = p.reenrich(ctx, j.Path)
	default:
		err = fmt.Errorf("pipeline: unknown job kind %q", j.Kind)
	}
	if err != nil && !errors.Is(err, errStopping) {
		p.logger.Warn("pipeline: job failed",
			slog.String("kind", string(j.Kind)),
			slog.String("path", j.Path),
			slog.String("error", err.Error()))
	}
}

// Status is a snapshot of the pipeline.
type Status struct {
	Queued    int                 `json:"queued"`
	Running   int                 `json:"running"`
	Items     []models.SourceItem `json:"items"`
	LastSweep *SweepReport        `json:"last_sweep,omitempty"`
}

// Status returns the queue depth and all tracked items.
func (p *Pipeline) Status() (Status, error) {
	queued, running := p.queue.Stats()
	items, err := p.db.ListItems()
	if err != nil {
		return Status{}, err
	}
	return Status{Queued: queued, Running: running, Items: items, LastSweep: p.lastRun.Load()}, nil
}

func (p *Pipeline) emit(kind, path string) {
	if p.notify != nil {
		p.notify(kind, path)
	}
}
