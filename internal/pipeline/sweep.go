package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/models"
)

// SweepReport counts the jobs a sweep queued.
type SweepReport struct {
	At        time.Time `json:"at"`
	Inbox     int       `json:"inbox"`
	Resumed   int       `json:"resumed"`
	Sync      int       `json:"sync"`
	Delete    int       `json:"delete"`
	Reenrich  int       `json:"reenrich"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Sweep queues everything the watchers may have missed: stranded inbox
// files, resumable checkpoints, knowledge documents whose remote state is
// stale and documents with incomplete enrichment. Concurrent calls are
// serialized.
func (p *Pipeline) Sweep(ctx context.Context) SweepReport {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	r := SweepReport{At: p.now().UTC()}
	push := func(kind JobKind, path string) bool {
		if ctx.Err() != nil || !p.queue.Push(Job{Kind: kind, Path: path}) {
			r.Truncated = true
			return false
		}
		return true
	}

	items, err := p.db.ListItems(models.ItemDiscovered, models.ItemProcessing, models.ItemDeferred,
		models.ItemWritten, models.ItemSyncing)
	if err != nil {
		p.logger.Warn("sweep: list checkpoints failed", slog.String("error", err.Error()))
	}
	tracked := make(map[string]struct{}, len(items))
	for _, it := range items {
		tracked[it.Path] = struct{}{}
		kind := JobIngest
		if _, err := p.knowledge.Rel(it.Path); err == nil {
			kind = JobKnowledge
		}
		if push(kind, it.Path) {
			r.Resumed++
		}
	}

	for _, dir := range []string{p.cfg.AudioInbox, p.cfg.TextInbox} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			p.logger.Warn("sweep: read inbox failed", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			abs := filepath.Join(dir, e.Name())
			if _, ok := tracked[abs]; ok {
				continue
			}
			if _, ok := p.filter.Kind(abs); !ok {
				continue
			}
			info, err := e.Info()
			if err != nil || p.now().Sub(info.ModTime()) < p.cfg.Debounce {
				continue
			}
			if item, err := p.db.GetItem(abs); err == nil && item.State == models.ItemErrored && !replaced(item, abs, info) {
				continue
			}
			if push(JobIngest, abs) {
				r.Inbox++
			}
		}
	}

	plan, err := p.syncer.Plan(ctx)
	if err != nil {
		p.logger.Warn("sweep: plan failed", slog.String("error", err.Error()))
	}
	root := p.knowledge.Root()
	for _, rel := range plan.Sync {
		if push(JobKnowledge, filepath.Join(root, filepath.FromSlash(rel))) {
			r.Sync++
		}
	}
	for _, rel := range plan.Delete {
		if push(JobKnowledge, filepath.Join(root, filepath.FromSlash(rel))) {
			r.Delete++
		}
	}

	incomplete, err := p.db.IncompleteDocuments()
	if err != nil {
		p.logger.Warn("sweep: incomplete documents failed", slog.String("error", err.Error()))
	}
	for _, rel := range incomplete {
		if push(JobReenrich, filepath.Join(root, filepath.FromSlash(rel))) {
			r.Reenrich++
		}
	}

	p.lastRun.Store(&r)
	p.logger.Info("sweep: queued",
		slog.Int("inbox", r.Inbox),
		slog.Int("resumed", r.Resumed),
		slog.Int("sync", r.Sync),
		slog.Int("delete", r.Delete),
		slog.Int("reenrich", r.Reenrich))
	return r
}

// replaced reports whether the inbox file at an errored item's path is a
// different source from the one that failed.
func replaced(it *models.SourceItem, abs string, info fs.FileInfo) bool {
	if it.Fingerprint == "" {
		return info.ModTime().After(it.UpdatedAt)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return false
	}
	return checksum.Sum(data) != it.Fingerprint
}
