package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/storage"
)

// deferItem parks an item until the next sweep. Counted deferrals past the
// configured cap turn into a permanent failure.
func (p *Pipeline) deferItem(it *item, cause error, counted bool) error {
	if counted {
		it.Deferrals++
	}
	it.Attempts++
	it.LastError = cause.Error()
	if counted && p.cfg.MaxDeferrals > 0 && it.Deferrals > p.cfg.MaxDeferrals {
		return p.quarantine(it, apperr.Permanent("pipeline: deferral cap reached",
			fmt.Errorf("deferred %d times: %w", it.Deferrals-1, cause)))
	}
	it.State = models.ItemDeferred
	if err := p.db.SaveItem(it.SourceItem); err != nil {
		return err
	}
	p.logger.Warn("pipeline: item deferred",
		slog.String("path", it.Path),
		slog.String("step", it.Step.String()),
		slog.Int("deferrals", it.Deferrals),
		slog.String("error", cause.Error()))
	p.emit(EventItemDeferred, it.Path)
	return nil
}

// quarantine moves the source into the error bucket next to a
// "<name>.error.txt" annotation and marks the item errored.
func (p *Pipeline) quarantine(it *item, cause error) error {
	it.State = models.ItemErrored
	it.LastError = cause.Error()

	dst := it.Path
	if _, err := os.Stat(it.Path); err == nil {
		moved, err := storage.Relocate(it.Path, p.cfg.Errors)
		if err != nil {
			p.logger.Error("pipeline: move to error bucket failed",
				slog.String("path", it.Path),
				slog.String("error", err.Error()))
		} else {
			dst = moved
		}
	}
	note := annotation(it, cause, p.now())
	if err := storage.WriteFile(dst+".error.txt", []byte(note)); err != nil {
		p.logger.Error("pipeline: write error annotation failed", slog.String("path", dst), slog.String("error", err.Error()))
	}
	it.Output = dst
	if err := p.db.SaveItem(it.SourceItem); err != nil {
		return err
	}
	p.logger.Error("pipeline: item failed",
		slog.String("path", it.Path),
		slog.String("bucket", dst),
		slog.String("step", it.Step.String()),
		slog.String("error", cause.Error()))
	p.emit(EventItemErrored, it.Path)
	return nil
}

func annotation(it *item, cause error, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", filepath.Base(it.Path))
	fmt.Fprintf(&b, "kind: %s\n", it.Kind)
	fmt.Fprintf(&b, "step: %s\n", (it.Step + 1).String())
	fmt.Fprintf(&b, "time: %s\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "attempts: %d\n", it.Attempts)
	fmt.Fprintf(&b, "reason: %s\n", cause.Error())
	return b.String()
}
