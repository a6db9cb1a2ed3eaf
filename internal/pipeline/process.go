package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/enrich"
	"github.com/starford/ansuz/internal/metadata"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/retry"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/transcribe"
)

// item carries the in-memory results of the steps of one source.
type item struct {
	models.SourceItem
	data    []byte
	inPlace bool
	meta    metadata.Result
	ctype   *models.ContentType
	enrich  *enrich.Result
	doc     []byte
}

// ingest runs a source through the step pipeline, resuming from its
// checkpoint. inPlace sources live in the knowledge folder and are replaced
// by their document.
func (p *Pipeline) ingest(ctx context.Context, abs string, inPlace bool) error {
	it, err := p.load(abs)
	if err != nil {
		return err
	}
	if it == nil {
		return nil
	}
	it.inPlace = inPlace

	err = p.steps(ctx, it)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStopping):
		return err
	case apperr.KindOf(err) == apperr.KindDeferred:
		return p.deferItem(it, err, isTranscriptionFailure(err))
	case apperr.IsTransient(err):
		return p.deferItem(it, err, true)
	default:
		return p.quarantine(it, err)
	}
}

// load returns the checkpoint for abs, creating a new one for unseen files.
// It returns nil when there is nothing to do.
func (p *Pipeline) load(abs string) (*item, error) {
	info, statErr := os.Stat(abs)
	existing, err := p.db.GetItem(abs)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("pipeline: load checkpoint: %w", err)
	}

	if statErr != nil {
		if !errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("pipeline: stat: %w", statErr)
		}
		if existing != nil {
			p.finishOrphan(existing)
		}
		return nil, nil
	}
	if info.IsDir() {
		return nil, nil
	}

	if existing != nil && existing.State != models.ItemErrored {
		return &item{SourceItem: *existing}, nil
	}

	kind := models.KindText
	if k, ok := p.filter.Kind(abs); ok {
		kind = k
	}
	it := &item{SourceItem: models.SourceItem{
		ID:           uuid.NewString(),
		Path:         abs,
		Kind:         kind,
		DiscoveredAt: p.now().UTC(),
		State:        models.ItemDiscovered,
	}}
	if err := p.db.SaveItem(it.SourceItem); err != nil {
		return nil, err
	}
	p.logger.Info("pipeline: discovered", slog.String("path", abs), slog.String("kind", string(kind)))
	p.emit(EventItemDiscovered, abs)
	return it, nil
}

// finishOrphan handles a checkpoint whose source file is gone. A written
// document is still synced; otherwise the checkpoint is dropped.
func (p *Pipeline) finishOrphan(it *models.SourceItem) {
	if it.Output != "" && it.Step >= models.StepWrite {
		if _, err := p.syncer.Sync(context.Background(), it.Output); err != nil {
			p.logger.Warn("pipeline: sync of orphan output failed", slog.String("path", it.Output), slog.String("error", err.Error()))
		}
	}
	if err := p.db.DeleteItem(it.Path); err != nil {
		p.logger.Warn("pipeline: drop checkpoint failed", slog.String("path", it.Path), slog.String("error", err.Error()))
	}
}

// checkpoint records that step completed.
func (p *Pipeline) checkpoint(it *item, step models.Step, st models.ItemState) error {
	it.Step = step
	it.State = st
	if err := p.db.SaveItem(it.SourceItem); err != nil {
		return fmt.Errorf("pipeline: checkpoint %s: %w", step, err)
	}
	if p.stopping.Load() && step < models.StepFinalize {
		return errStopping
	}
	return nil
}

func (p *Pipeline) steps(ctx context.Context, it *item) error {
	data, err := os.ReadFile(it.Path)
	if err != nil {
		return apperr.Transient("pipeline: read", err)
	}
	fp := checksum.Sum(data)
	if it.Fingerprint != "" && it.Fingerprint != fp && it.Step < models.StepWrite {
		p.logger.Info("pipeline: source changed, restarting", slog.String("path", it.Path))
		it.Step = models.StepNone
		it.Transcript = ""
	}
	it.Fingerprint = fp
	it.data = data
	if it.Step < models.StepRead {
		if err := p.checkpoint(it, models.StepRead, models.ItemProcessing); err != nil {
			return err
		}
	}

	if it.Step < models.StepTranscribe {
		text, err := p.text(ctx, it)
		if err != nil {
			return err
		}
		it.Transcript = text
		if err := p.checkpoint(it, models.StepTranscribe, models.ItemProcessing); err != nil {
			return err
		}
	}

	if it.Step < models.StepWrite {
		if it.Kind == models.KindText {
			if imported, err := p.importDocument(it); imported || err != nil {
				if err != nil {
					return err
				}
				if err := p.checkpoint(it, models.StepWrite, models.ItemWritten); err != nil {
					return err
				}
			}
		}
	}

	if it.Step < models.StepWrite {
		if err := p.build(ctx, it); err != nil {
			return err
		}
		if err := p.write(it); err != nil {
			return err
		}
		if err := p.checkpoint(it, models.StepWrite, models.ItemWritten); err != nil {
			return err
		}
	}

	if it.Step < models.StepSync {
		it.State = models.ItemSyncing
		if outcome, err := p.syncer.Sync(ctx, it.Output); err != nil {
			it.LastError = err.Error()
			p.logger.Warn("pipeline: sync failed, sweep will retry",
				slog.String("path", it.Output),
				slog.String("error", err.Error()))
		} else {
			p.logger.Debug("pipeline: synced", slog.String("path", it.Output), slog.String("outcome", string(outcome)))
		}
		if err := p.checkpoint(it, models.StepSync, models.ItemSyncing); err != nil {
			return err
		}
	}

	return p.finalize(it)
}

// text returns the raw text of the source, transcribing audio.
func (p *Pipeline) text(ctx context.Context, it *item) (string, error) {
	if it.Kind != models.KindAudio {
		return string(it.data), nil
	}
	var text string
	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		var err error
		text, err = p.transcribe.Transcribe(ctx, it.Path, p.cfg.Language)
		return err
	})
	if errors.Is(err, transcribe.ErrEmptyAudio) {
		p.logger.Info("pipeline: empty audio, using default classification", slog.String("path", it.Path))
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// build runs extraction, classification, enrichment and assembly.
func (p *Pipeline) build(ctx context.Context, it *item) error {
	fallback := p.now()
	if info, err := os.Stat(it.Path); err == nil {
		fallback = info.ModTime()
	}
	it.meta = p.extractor.Extract(it.Transcript, filepath.Base(it.Path), fallback)
	if err := p.checkpoint(it, models.StepExtract, models.ItemProcessing); err != nil {
		return err
	}

	ct, err := p.classifier.Classify(it.meta.CleanText)
	if err != nil {
		return apperr.Permanent("pipeline: classify", err)
	}
	it.ctype = ct
	if err := p.checkpoint(it, models.StepClassify, models.ItemProcessing); err != nil {
		return err
	}

	res, err := p.enricher.Enrich(ctx, enrich.Request{Text: it.meta.CleanText, Type: ct})
	if err != nil {
		return err
	}
	it.enrich = res
	if err := p.checkpoint(it, models.StepEnrich, models.ItemProcessing); err != nil {
		return err
	}

	doc := assemble(it.Fingerprint, it.meta, ct, res, filepath.Base(it.Path))
	out, err := document.Render(doc)
	if err != nil {
		return apperr.Permanent("pipeline: assemble", err)
	}
	it.doc = out
	return p.checkpoint(it, models.StepAssemble, models.ItemProcessing)
}

// assemble maps extraction and enrichment results onto a document.
func assemble(fp string, meta metadata.Result, ct *models.ContentType, res *enrich.Result, filename string) *document.Document {
	title := res.Title
	if title == "" {
		title = fallbackTitle(meta.CleanText, filename)
	}
	enrichment := document.EnrichmentComplete
	if !res.Complete() {
		enrichment = document.EnrichmentIncomplete
	}
	doc := &document.Document{
		Meta: document.Frontmatter{
			ID:                documentID(fp),
			Title:             title,
			Date:              meta.Date,
			Time:              meta.Time,
			Type:              ct.Name,
			Tags:              meta.Tags,
			Emotions:          res.Emotions,
			Characters:        res.Characters,
			Language:          res.Language,
			Summary:           res.Summary,
			Focus:             meta.Focus,
			SourceFingerprint: fp,
			Enrichment:        enrichment,
			Unavailable:       res.Unavailable,
		},
		Transcript: meta.CleanText,
	}
	for _, prompt := range ct.Prompts {
		for _, s := range res.Sections {
			if s.Field == prompt.Field {
				doc.Sections = append(doc.Sections, document.Section{Field: s.Field, Content: s.Content})
			}
		}
	}
	return doc
}

// fallbackTitle uses the first words of the text, or the file name.
func fallbackTitle(text, filename string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Trim(strings.Join(words, " "), ".,;:!?")
}

// write stores the rendered document. A source that already produced a
// document reuses its path so reprocessing never creates a second one.
func (p *Pipeline) write(it *item) error {
	rel := it.Output
	if rel == "" && it.inPlace {
		r, err := p.knowledge.Rel(it.Path)
		if err != nil {
			return apperr.Permanent("pipeline: in-place path", err)
		}
		rel = r
	}
	if rel == "" {
		existing, err := p.db.DocumentBySource(it.Fingerprint)
		if err != nil {
			return err
		}
		rel = existing
	}

	if rel != "" {
		if err := p.knowledge.Write(rel, it.doc); err != nil {
			return apperr.Transient("pipeline: write", err)
		}
	} else {
		created, err := createDocument(p.knowledge, it.ctype.Folder(), it.meta.Date, it.ctype.Name, it.doc)
		if err != nil {
			return apperr.Transient("pipeline: write", err)
		}
		rel = created
	}
	it.Output = rel
	if err := p.db.IndexDocument(rel, it.doc); err != nil {
		p.logger.Warn("pipeline: catalog failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
	p.logger.Info("pipeline: document written",
		slog.String("source", it.Path),
		slog.String("path", rel),
		slog.String("type", it.ctype.Name),
		slog.String("date", it.meta.Date))
	p.emit(EventDocumentWritten, rel)
	return nil
}

// importDocument copies a text source that already carries frontmatter into
// the knowledge folder unchanged. It reports whether the source was imported.
func (p *Pipeline) importDocument(it *item) (bool, error) {
	if it.inPlace {
		return false, nil
	}
	res, err := parser.Parse(it.data)
	if err != nil || !res.HasFrontmatter() {
		return false, nil
	}
	doc, err := document.Parse(it.data)
	if err != nil {
		return false, nil
	}

	ct, ok := p.classifier.ByName(doc.Meta.Type)
	if !ok {
		if ct, err = p.classifier.Classify(doc.Transcript); err != nil {
			return false, apperr.Permanent("pipeline: classify import", err)
		}
	}
	it.ctype = ct

	rel := it.Output
	if rel == "" {
		rel, err = p.db.DocumentBySource(it.Fingerprint)
		if err != nil {
			return false, err
		}
	}
	data, err := document.SetSyncFields(it.data, "", "")
	if err != nil {
		return false, apperr.Permanent("pipeline: import", err)
	}
	if rel != "" {
		if err := p.knowledge.Write(rel, data); err != nil {
			return false, apperr.Transient("pipeline: import", err)
		}
	} else {
		base := filepath.Base(it.Path)
		base = strings.TrimSuffix(base, filepath.Ext(base)) + ".md"
		rel, err = importName(p.knowledge, path.Clean(ct.Folder()), base, data)
		if err != nil {
			return false, apperr.Transient("pipeline: import", err)
		}
	}
	it.Output = rel
	if err := p.db.IndexDocument(rel, data); err != nil {
		p.logger.Warn("pipeline: catalog failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
	p.logger.Info("pipeline: document imported", slog.String("source", it.Path), slog.String("path", rel))
	p.emit(EventDocumentWritten, rel)
	return true, nil
}

// finalize archives audio sources, removes text sources and stops tracking
// the item.
func (p *Pipeline) finalize(it *item) error {
	if !it.inPlace {
		if it.Kind == models.KindAudio {
			dst, err := storage.Relocate(it.Path, p.cfg.Archive)
			if err != nil {
				return apperr.Transient("pipeline: archive", err)
			}
			p.logger.Info("pipeline: source archived", slog.String("path", it.Path), slog.String("archive", dst))
		} else if err := os.Remove(it.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperr.Transient("pipeline: remove source", err)
		}
	}
	it.Step = models.StepFinalize
	it.State = models.ItemDone
	if err := p.db.DeleteItem(it.Path); err != nil {
		return err
	}
	p.logger.Info("pipeline: item done", slog.String("path", it.Path), slog.String("output", it.Output))
	p.emit(EventItemDone, it.Path)
	return nil
}

func isTranscriptionFailure(err error) bool {
	return errors.Is(err, transcribe.ErrEngineUnavailable)
}
