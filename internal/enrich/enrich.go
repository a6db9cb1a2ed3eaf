// Package enrich asks the local LLM for a title, a summary, structured
// metadata and any custom sections a content type defines. Fields are
// requested concurrently; a field that cannot be produced is reported as
// unavailable instead of failing the document.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/retry"
)

// Built-in field names.
const (
	FieldTitle      = "title"
	FieldSummary    = "summary"
	FieldStructured = "structured"
)

// Completer sends one prompt to the LLM.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Prompt is a system/user prompt pair.
type Prompt struct {
	System string
	User   string
}

// Prompts holds the built-in field prompts.
type Prompts struct {
	Title      Prompt
	Summary    Prompt
	Structured Prompt
}

// Request describes one enrichment run.
type Request struct {
	Text string
	Type *models.ContentType
	// Only restricts the run to the named fields; empty means all.
	Only []string
}

// Section is the output of a custom prompt.
type Section struct {
	Field   string
	Content string
}

// Result holds enrichment output. Fields listed in Unavailable are empty.
type Result struct {
	Title       string
	Summary     string
	Language    string
	Emotions    []string
	Characters  []string
	Sections    []Section
	Unavailable []string
}

// Complete reports whether every requested field was produced.
func (r *Result) Complete() bool {
	return len(r.Unavailable) == 0
}

// Has reports whether field was requested and produced.
func (r *Result) Has(field string) bool {
	for _, u := range r.Unavailable {
		if strings.EqualFold(u, field) {
			return false
		}
	}
	return true
}

// Enricher runs enrichment with a shared bound on in-flight LLM calls.
type Enricher struct {
	llm     Completer
	prompts Prompts
	sem     *semaphore.Weighted
	policy  retry.Policy
	logger  *slog.Logger
}

// New creates an Enricher allowing limit concurrent LLM calls across all
// items.
func New(llm Completer, prompts Prompts, limit int, policy retry.Policy, logger *slog.Logger) *Enricher {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		llm:     llm,
		prompts: prompts,
		sem:     semaphore.NewWeighted(int64(limit)),
		policy:  policy,
		logger:  logger,
	}
}

type job struct {
	field  string
	prompt Prompt
	apply  func(res *Result, reply string) error
}

// Enrich runs every requested field. It returns a Deferred error when the
// LLM service stayed unreachable after retries; all other failures only mark
// fields unavailable.
func (e *Enricher) Enrich(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return res, nil
	}

	jobs := e.jobs(req, res)
	if len(jobs) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			reply, err := e.call(gctx, j.prompt, text)
			if err == nil {
				mu.Lock()
				err = j.apply(res, reply)
				mu.Unlock()
				if err != nil {
					err = apperr.Partial("enrich: parse "+j.field, err)
				}
			}
			if err == nil {
				return nil
			}
			if apperr.IsTransient(err) {
				return apperr.Deferred("enrich: "+j.field, err)
			}
			e.logger.Warn("enrich: field unavailable",
				slog.String("field", j.field),
				slog.String("error", err.Error()))
			mu.Lock()
			res.Unavailable = append(res.Unavailable, j.field)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Unavailable = ordered(jobs, res.Unavailable)
	res.Sections = compact(res.Sections)
	return res, nil
}

func (e *Enricher) call(ctx context.Context, p Prompt, text string) (string, error) {
	var reply string
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return apperr.Transient("enrich: wait", err)
		}
		defer e.sem.Release(1)

		out, err := e.llm.Complete(ctx, p.System, p.User+"\n\n"+text)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})
	return reply, err
}

func (e *Enricher) jobs(req Request, res *Result) []job {
	want := func(field string) bool {
		if len(req.Only) == 0 {
			return true
		}
		for _, f := range req.Only {
			if strings.EqualFold(f, field) {
				return true
			}
		}
		return false
	}

	var jobs []job
	if want(FieldTitle) {
		jobs = append(jobs, job{field: FieldTitle, prompt: e.prompts.Title, apply: func(r *Result, s string) error {
			r.Title = cleanTitle(s)
			if r.Title == "" {
				return errors.New("empty title")
			}
			return nil
		}})
	}
	if want(FieldSummary) {
		jobs = append(jobs, job{field: FieldSummary, prompt: e.prompts.Summary, apply: func(r *Result, s string) error {
			r.Summary = s
			return nil
		}})
	}
	if want(FieldStructured) {
		jobs = append(jobs, job{field: FieldStructured, prompt: e.prompts.Structured, apply: applyStructured})
	}
	if req.Type != nil {
		var custom []models.CustomPrompt
		for _, p := range req.Type.Prompts {
			if want(p.Field) {
				custom = append(custom, p)
			}
		}
		res.Sections = make([]Section, len(custom))
		for i, p := range custom {
			jobs = append(jobs, job{field: p.Field, prompt: Prompt{System: p.System, User: p.User}, apply: func(r *Result, s string) error {
				r.Sections[i] = Section{Field: p.Field, Content: s}
				return nil
			}})
		}
	}
	return jobs
}

type structured struct {
	Language   string   `json:"language"`
	Emotions   []string `json:"emotions"`
	Characters []string `json:"characters"`
}

func applyStructured(r *Result, reply string) error {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply")
	}
	var s structured
	if err := json.Unmarshal([]byte(reply[start:end+1]), &s); err != nil {
		return fmt.Errorf("decode structured reply: %w", err)
	}
	r.Language = strings.ToLower(strings.TrimSpace(s.Language))
	r.Emotions = cleanList(s.Emotions)
	r.Characters = cleanList(s.Characters)
	return nil
}

func cleanTitle(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'*#` ")
	if len(s) > 6 && strings.EqualFold(s[:6], "title:") {
		s = strings.Trim(s[6:], "\"'*#` ")
	}
	return s
}

func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ordered sorts unavailable fields into job order so output is stable.
func ordered(jobs []job, unavailable []string) []string {
	if len(unavailable) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(unavailable))
	for _, u := range unavailable {
		set[u] = struct{}{}
	}
	out := make([]string, 0, len(unavailable))
	for _, j := range jobs {
		if _, ok := set[j.field]; ok {
			out = append(out, j.field)
		}
	}
	return out
}

func compact(sections []Section) []Section {
	out := sections[:0]
	for _, s := range sections {
		if s.Field != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
