// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/classify"
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/enrich"
	"github.com/starford/ansuz/internal/indexclient"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/metadata"
	"github.com/starford/ansuz/internal/pipeline"
	"github.com/starford/ansuz/internal/retry"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/state"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/syncer"
	"github.com/starford/ansuz/internal/transcribe"
)

// Run starts the daemon: watchers, workers, the sweep loop and, when a port
// is configured, the status API. It blocks until SIGINT/SIGTERM or ctx ends.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger, closeLog := newLogger(cfg.App, app.console)
	defer closeLog()

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	s, err := build(ctx, cfg, logger,
		[]pipeline.Option{pipeline.WithNotifier(broker.PipelineEvent)},
		[]syncer.Option{syncer.WithNotifier(func(o syncer.Outcome, path string) {
			broker.SyncEvent(string(o), path)
		})})
	if err != nil {
		return err
	}
	defer s.close()

	var httpServer *http.Server
	if cfg.App.HTTP.Enabled() {
		svc := docservice.NewService(s.knowledge, s.db, s.pipe)
		httpServer = &http.Server{
			Addr:              cfg.App.HTTP.Address(),
			Handler:           api.NewServer(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return s.pipe.Run(gCtx)
	})

	if httpServer != nil {
		g.Go(func() error {
			logger.Info("http: listening", slog.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("app: received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
		}
		stop()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("http: shutdown failed", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("app: stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("app: stopped")
	return nil
}

// RunSweep performs one reconciliation pass: it processes stranded inbox
// files and resumable items, pushes stale documents to the remote index and
// retries incomplete enrichment, then exits.
func RunSweep(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(app.config.App, app.console)
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := build(ctx, app.config, logger, nil, nil)
	if err != nil {
		return err
	}
	defer s.close()

	r := s.pipe.Drain(ctx)
	logger.Info("app: sweep finished",
		slog.Int("inbox", r.Inbox),
		slog.Int("resumed", r.Resumed),
		slog.Int("sync", r.Sync),
		slog.Int("delete", r.Delete),
		slog.Int("reenrich", r.Reenrich))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return reconcileLeftovers(ctx, s.sync)
}

type reconciler interface {
	Plan(ctx context.Context) (syncer.Plan, error)
	Reconcile(ctx context.Context) (syncer.Report, error)
}

// reconcileLeftovers gives documents whose sync failed during the drain one
// direct pass and reports the paths that still fail.
func reconcileLeftovers(ctx context.Context, r reconciler) error {
	plan, err := r.Plan(ctx)
	if err != nil {
		return err
	}
	if plan.Empty() {
		return nil
	}
	rep, err := r.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(rep.Failed) > 0 {
		return fmt.Errorf("sync: %d documents failed: %s", len(rep.Failed), strings.Join(rep.Failed, ", "))
	}
	return nil
}

// RunMCP serves the MCP tools over stdio against the state database and the
// knowledge folder. No pipeline runs in this process.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger, closeLog := newLogger(cfg.App, app.console)
	defer closeLog()

	db, knowledge, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("mcp: serving on stdio", slog.String("knowledge", knowledge.Root()))
	srv := mcpserver.New(docservice.NewService(knowledge, db, nil), app.version)
	return srv.ServeStdio()
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", console: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// newLogger builds the JSON logger shared by every component. Output goes to
// console and, when configured, to a size-rotated log file.
func newLogger(cfg ApplicationConfig, console io.Writer) (*slog.Logger, func()) {
	out := console
	closeFn := func() {}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		}
		out = io.MultiWriter(console, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})).With(slog.String("run_id", uuid.NewString()))
	slog.SetDefault(logger)
	return logger, closeFn
}

type stack struct {
	db        *state.DB
	knowledge *storage.FS
	pipe      *pipeline.Pipeline
	sync      *syncer.Engine
}

func (s *stack) close() {
	_ = s.db.Close()
}

func openStores(cfg *Config) (*state.DB, *storage.FS, error) {
	if err := os.MkdirAll(cfg.Paths.Knowledge, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create knowledge dir: %w", err)
	}
	knowledge, err := storage.NewFS(cfg.Paths.Knowledge)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.StateDB), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := state.Open(cfg.Paths.StateDB)
	if err != nil {
		return nil, nil, fmt.Errorf("init state: %w", err)
	}
	return db, knowledge, nil
}

// build wires every pipeline component from the configuration.
func build(ctx context.Context, cfg *Config, logger *slog.Logger, pipeOpts []pipeline.Option, syncOpts []syncer.Option) (*stack, error) {
	logger.Info("app: configuration loaded",
		slog.String("audio_inbox", cfg.Paths.AudioInbox),
		slog.String("text_inbox", cfg.Paths.TextInbox),
		slog.String("knowledge", cfg.Paths.Knowledge),
		slog.String("state_db", cfg.Paths.StateDB),
		slog.Int("content_types", len(cfg.ContentTypes)),
		slog.String("log_level", cfg.App.LogLevel.String()))

	db, knowledge, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	classifier := classify.New(cfg.ContentTypes, cfg.DefaultType, cfg.Classify.ScanWindow)

	llmClient := llm.New(llm.Config{
		URL:            cfg.LLM.URL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		Timeout:        cfg.LLM.Timeout,
		Temperature:    cfg.LLM.Temperature,
		MaxInputTokens: cfg.LLM.MaxInputTokens,
	}, logger)
	prompts := cfg.LLM.Prompts
	enricher := enrich.New(llmClient, enrich.Prompts{
		Title:      enrich.Prompt(prompts.Title),
		Summary:    enrich.Prompt(prompts.Summary),
		Structured: enrich.Prompt(prompts.Structured),
	}, cfg.Concurrency.LLM, policy, logger)

	transcriber := transcribe.New(transcribe.Config{
		Binary:           cfg.Transcription.Binary,
		Model:            cfg.Transcription.Model,
		FFmpeg:           cfg.Transcription.FFmpeg,
		Language:         cfg.Transcription.Language,
		Timeout:          cfg.Transcription.Timeout,
		SilenceThreshold: cfg.Transcription.SilenceThreshold,
		WorkDir:          cfg.Transcription.WorkDir,
	}, cfg.Concurrency.Transcription, logger)

	remote := indexclient.New(indexclient.Config{
		URL:               cfg.Index.URL,
		APIKey:            cfg.Index.APIKey,
		Timeout:           cfg.Index.Timeout,
		RequestsPerSecond: cfg.Index.RequestsPerSecond,
	}, logger)

	engine := syncer.New(syncer.Config{
		DeleteRemote:    cfg.Sync.DeleteRemote,
		FocusCollection: cfg.Index.FocusCollection,
		Concurrency:     cfg.Concurrency.Sync,
		Retry:           policy,
	}, remote, db, knowledge, classifier, append([]syncer.Option{syncer.WithLogger(logger)}, syncOpts...)...)

	pipe, err := pipeline.New(pipeline.Config{
		AudioInbox:        cfg.Paths.AudioInbox,
		TextInbox:         cfg.Paths.TextInbox,
		Archive:           cfg.Paths.Archive,
		Errors:            cfg.Paths.Errors,
		AudioExtensions:   cfg.Inputs.AudioExtensions,
		TextExtensions:    cfg.Inputs.TextExtensions,
		Ignore:            cfg.Inputs.Ignore,
		Debounce:          cfg.Inputs.Debounce,
		KnowledgeDebounce: cfg.Inputs.KnowledgeDebounce,
		Workers:           cfg.Concurrency.Workers,
		Language:          cfg.Transcription.Language,
		Retry:             policy,
		MaxDeferrals:      cfg.Retry.MaxDeferrals,
		SweepInterval:     cfg.Sweep.Interval,
		GracePeriod:       cfg.Shutdown.GracePeriod,
	}, pipeline.Deps{
		Knowledge: knowledge,
		Store:     db,
		Extractor: metadata.New(metadata.Config{
			DateCues:  cfg.Markers.DateCues,
			TimeCues:  cfg.Markers.TimeCues,
			TagCues:   cfg.Markers.TagCues,
			TagWindow: cfg.Markers.TagWindow,
			Focus:     cfg.Markers.Focus,
		}),
		Classifier:  classifier,
		Transcriber: transcriber,
		Enricher:    enricher,
		Syncer:      engine,
	}, append([]pipeline.Option{pipeline.WithLogger(logger)}, pipeOpts...)...)
	if err != nil {
		db.Close()
		return nil, err
	}

	// External services may come up after the pipeline; items defer until then.
	if err := transcriber.Available(); err != nil {
		logger.Warn("app: transcription engine unavailable, audio items will be deferred", slog.String("error", err.Error()))
	}
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := llmClient.Health(healthCtx); err != nil {
		logger.Warn("app: llm service unreachable, enrichment will be deferred", slog.String("error", err.Error()))
	}

	return &stack{db: db, knowledge: knowledge, pipe: pipe, sync: engine}, nil
}
