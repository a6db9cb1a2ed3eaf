package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/enrich"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
)

// knowledgeChanged reconciles one knowledge-folder file after an edit,
// creation or removal.
func (p *Pipeline) knowledgeChanged(ctx context.Context, abs string) error {
	rel, err := p.knowledge.Rel(abs)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		outcome, err := p.syncer.Remove(ctx, rel)
		if err != nil {
			return err
		}
		p.logger.Debug("pipeline: document removed", slog.String("path", rel), slog.String("outcome", string(outcome)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline: read %s: %w", rel, err)
	}

	if _, err := document.Parse(data); errors.Is(err, document.ErrNoFrontmatter) {
		if parser.StartsWithFence(data) {
			p.logger.Warn("pipeline: unreadable frontmatter, leaving document alone", slog.String("path", rel))
			return nil
		}
		p.logger.Info("pipeline: document without frontmatter, ingesting in place", slog.String("path", rel))
		return p.ingest(ctx, abs, true)
	}

	// A document still owned by an in-flight item is synced by that item.
	if it, err := p.db.GetItem(abs); err == nil && it.State != models.ItemErrored {
		return p.ingest(ctx, abs, true)
	}

	outcome, err := p.syncer.Sync(ctx, rel)
	if err != nil {
		return err
	}
	p.logger.Debug("pipeline: document synced", slog.String("path", rel), slog.String("outcome", string(outcome)))
	return nil
}

// reenrich asks the LLM again for the fields a document lists as
// unavailable, rewrites the document with whatever it gets and then
// reconciles it like any other knowledge change.
func (p *Pipeline) reenrich(ctx context.Context, abs string) error {
	if err := p.enrichAgain(ctx, abs); err != nil {
		p.logger.Warn("pipeline: re-enrichment failed", slog.String("path", abs), slog.String("error", err.Error()))
	}
	return p.knowledgeChanged(ctx, abs)
}

func (p *Pipeline) enrichAgain(ctx context.Context, abs string) error {
	rel, err := p.knowledge.Rel(abs)
	if err != nil {
		return err
	}
	data, err := p.knowledge.Read(rel)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := document.Parse(data)
	if errors.Is(err, document.ErrNoFrontmatter) {
		return nil
	}
	if err != nil {
		return err
	}
	if !doc.Meta.Incomplete() || len(doc.Meta.Unavailable) == 0 {
		return nil
	}

	ct, ok := p.classifier.ByName(doc.Meta.Type)
	if !ok {
		ct = p.classifier.Default()
	}
	res, err := p.enricher.Enrich(ctx, enrich.Request{Text: doc.Transcript, Type: ct, Only: doc.Meta.Unavailable})
	if err != nil {
		p.logger.Info("pipeline: re-enrichment postponed", slog.String("path", rel), slog.String("error", err.Error()))
		return nil
	}

	merge(doc, res, ct)
	out, err := document.Render(doc)
	if err != nil {
		return err
	}
	// The remote identity lines are owned by the sync engine.
	out, err = document.SetSyncFields(out, doc.Meta.RemoteID, doc.Meta.CollectionID)
	if err != nil {
		return err
	}
	if err := p.knowledge.Write(rel, out); err != nil {
		return err
	}
	p.logger.Info("pipeline: re-enriched",
		slog.String("path", rel),
		slog.Int("still_unavailable", len(doc.Meta.Unavailable)))
	p.emit(EventDocumentWritten, rel)
	return nil
}

// merge copies the fields res produced into doc.
func merge(doc *document.Document, res *enrich.Result, ct *models.ContentType) {
	m := &doc.Meta
	requested := m.Unavailable
	for _, field := range requested {
		if !res.Has(field) {
			continue
		}
		switch field {
		case enrich.FieldTitle:
			m.Title = res.Title
		case enrich.FieldSummary:
			m.Summary = res.Summary
		case enrich.FieldStructured:
			m.Language = res.Language
			m.Emotions = res.Emotions
			m.Characters = res.Characters
		}
	}
	for _, s := range res.Sections {
		replaced := false
		for i := range doc.Sections {
			if doc.Sections[i].Field == s.Field {
				doc.Sections[i].Content = s.Content
				replaced = true
			}
		}
		if !replaced {
			doc.Sections = append(doc.Sections, document.Section{Field: s.Field, Content: s.Content})
		}
	}
	if ct != nil {
		doc.Sections = orderSections(doc.Sections, ct.Prompts)
	}

	m.Unavailable = res.Unavailable
	if len(m.Unavailable) == 0 {
		m.Enrichment = document.EnrichmentComplete
		m.Unavailable = nil
	}
}

// orderSections puts custom sections in prompt order, keeping unknown ones
// at the end.
func orderSections(sections []document.Section, prompts []models.CustomPrompt) []document.Section {
	out := make([]document.Section, 0, len(sections))
	used := make([]bool, len(sections))
	for _, pr := range prompts {
		for i, s := range sections {
			if !used[i] && s.Field == pr.Field {
				out = append(out, s)
				used[i] = true
			}
		}
	}
	for i, s := range sections {
		if !used[i] {
			out = append(out, s)
		}
	}
	return out
}
