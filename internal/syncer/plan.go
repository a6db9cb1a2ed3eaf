package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/models"
)

// Plan lists the work a reconciliation sweep would do.
type Plan struct {
	// Sync holds documents that are new, edited or failed earlier.
	Sync []string `json:"sync"`
	// Delete holds records whose file no longer exists.
	Delete []string `json:"delete"`
}

// Empty reports whether the plan has no work.
func (p Plan) Empty() bool { return len(p.Sync) == 0 && len(p.Delete) == 0 }

// Report summarizes a reconciliation sweep.
type Report struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Migrated  int      `json:"migrated"`
	Deleted   int      `json:"deleted"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Failed    []string `json:"failed,omitempty"`
}

func (r *Report) add(o Outcome) {
	switch o {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeMigrated:
		r.Migrated++
	case OutcomeDeleted, OutcomeDetached:
		r.Deleted++
	case OutcomeUnchanged:
		r.Unchanged++
	default:
		r.Skipped++
	}
}

// Plan compares the knowledge folder with the sync records.
func (e *Engine) Plan(_ context.Context) (Plan, error) {
	metas, err := e.store.List("")
	if err != nil {
		return Plan{}, fmt.Errorf("syncer: plan: %w", err)
	}
	records, err := e.db.ListRecords()
	if err != nil {
		return Plan{}, fmt.Errorf("syncer: plan: %w", err)
	}

	byPath := make(map[string]models.SyncRecord, len(records))
	for _, r := range records {
		byPath[r.Path] = r
	}

	var p Plan
	onDisk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		onDisk[m.Path] = struct{}{}
		r, ok := byPath[m.Path]
		if ok && r.State == models.SyncSynced && r.Fingerprint == m.Checksum {
			continue
		}
		p.Sync = append(p.Sync, m.Path)
	}
	for _, r := range records {
		if _, ok := onDisk[r.Path]; !ok {
			p.Delete = append(p.Delete, r.Path)
		}
	}
	sort.Strings(p.Sync)
	sort.Strings(p.Delete)
	return p, nil
}

// Reconcile runs one full sweep: every planned sync and delete is executed.
// Syncs finish before deletes start, so a moved document takes over its
// record before the old path is removed. Individual failures are recorded in
// the report and do not stop the sweep.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	plan, err := e.Plan(ctx)
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(p string, o Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if errors.Is(err, document.ErrNoFrontmatter) {
				report.Skipped++
				return
			}
			report.Failed = append(report.Failed, p)
			return
		}
		report.add(o)
	}

	run := func(paths []string, op func(context.Context, string) (Outcome, error)) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, p := range paths {
			g.Go(func() error {
				o, err := op(gctx, p)
				record(p, o, err)
				return nil
			})
		}
		_ = g.Wait()
	}
	run(plan.Sync, e.Sync)
	run(plan.Delete, e.Remove)
	sort.Strings(report.Failed)

	e.logger.Info("syncer: reconciled",
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("migrated", report.Migrated),
		slog.Int("deleted", report.Deleted),
		slog.Int("failed", len(report.Failed)))
	return report, ctx.Err()
}
