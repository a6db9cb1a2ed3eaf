package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/classify"
	"github.com/starford/ansuz/internal/document"
	"github.com/starford/ansuz/internal/enrich"
	"github.com/starford/ansuz/internal/metadata"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/retry"
	"github.com/starford/ansuz/internal/state"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/syncer"
	"github.com/starford/ansuz/internal/testutil"
	"github.com/starford/ansuz/internal/transcribe"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	fails int
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", apperr.Transient("engine", transcribe.ErrEngineUnavailable)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEnricher struct {
	mu          sync.Mutex
	calls       int
	unavailable []string
	err         error
	requests    []enrich.Request
}

func (f *fakeEnricher) Enrich(_ context.Context, req enrich.Request) (*enrich.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if strings.TrimSpace(req.Text) == "" {
		return &enrich.Result{}, nil
	}
	res := &enrich.Result{Title: "Roadmap sync", Summary: "A short summary.", Language: "en"}
	for _, u := range f.unavailable {
		if u == enrich.FieldSummary {
			res.Summary = ""
		}
	}
	res.Unavailable = append([]string(nil), f.unavailable...)
	return res, nil
}

func (f *fakeEnricher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type env struct {
	p          *Pipeline
	db         *state.DB
	knowledge  *storage.FS
	remote     *testutil.FakeIndex
	transcribe *fakeTranscriber
	enricher   *fakeEnricher
	cfg        Config
}

func newEnv(t *testing.T, withDefault bool) *env {
	t.Helper()
	base := t.TempDir()
	_, knowledge := testutil.TestKnowledge(t)
	db := testutil.TestDB(t)

	types := []models.ContentType{
		{Name: "Meeting", Keywords: []string{"meeting"}, Collection: "c-meeting"},
		{Name: "Dream", Keywords: []string{"dream"}, Collection: "c-dream"},
		{Name: "Note", Collection: "c-note"},
	}
	def := "Note"
	if !withDefault {
		types = types[:2]
		def = ""
	}
	classifier := classify.New(types, def, 500)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	remote := testutil.NewFakeIndex()
	engine := syncer.New(syncer.Config{DeleteRemote: true, Concurrency: 2, Retry: policy},
		remote, db, knowledge, classifier, syncer.WithLogger(logger))

	cfg := Config{
		AudioInbox:      filepath.Join(base, "audio"),
		TextInbox:       filepath.Join(base, "text"),
		Archive:         filepath.Join(base, "archive"),
		Errors:          filepath.Join(base, "errors"),
		AudioExtensions: []string{".m4a", ".wav"},
		TextExtensions:  []string{".txt", ".md"},
		Ignore:          []string{".*", "*.part"},
		Workers:         2,
		Retry:           policy,
		MaxDeferrals:    2,
	}
	tr := &fakeTranscriber{text: "Meeting with the team about the roadmap. Tags: planning"}
	en := &fakeEnricher{}
	p, err := New(cfg, Deps{
		Knowledge:   knowledge,
		Store:       db,
		Extractor:   metadata.New(metadata.Config{}),
		Classifier:  classifier,
		Transcriber: tr,
		Enricher:    en,
		Syncer:      engine,
	}, WithLogger(logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &env{p: p, db: db, knowledge: knowledge, remote: remote, transcribe: tr, enricher: en, cfg: p.cfg}
}

func (e *env) drop(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *env) ingest(path string) {
	e.p.ProcessJob(context.Background(), Job{Kind: JobIngest, Path: path})
}

// drain runs every queued job in the calling goroutine.
func (e *env) drain() {
	for {
		queued, _ := e.p.queue.Stats()
		if queued == 0 {
			return
		}
		j, ok := e.p.queue.Pop()
		if !ok {
			return
		}
		e.p.ProcessJob(context.Background(), j)
		e.p.queue.Done(j.Path)
	}
}

func (e *env) docs(t *testing.T) []models.DocumentMetadata {
	t.Helper()
	metas, err := e.knowledge.List("")
	if err != nil {
		t.Fatal(err)
	}
	return metas
}

func TestAudioScenario(t *testing.T) {
	e := newEnv(t, true)
	src := e.drop(t, e.cfg.AudioInbox, "20251027_meeting.m4a", "fake audio")

	e.ingest(src)

	data, err := e.knowledge.Read("Meeting/2025-10-27-meeting-1.md")
	if err != nil {
		t.Fatalf("document not written: %v (docs: %+v)", err, e.docs(t))
	}
	doc, err := document.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Meta.Date != "2025-10-27" || doc.Meta.Type != "Meeting" {
		t.Errorf("meta = %+v", doc.Meta)
	}
	if doc.Meta.Title != "Roadmap sync" || doc.Meta.Enrichment != document.EnrichmentComplete {
		t.Errorf("enrichment = %q/%q", doc.Meta.Title, doc.Meta.Enrichment)
	}
	if len(doc.Meta.Tags) != 1 || doc.Meta.Tags[0] != "planning" {
		t.Errorf("tags = %v", doc.Meta.Tags)
	}
	if doc.Meta.RemoteID == "" || doc.Meta.CollectionID != "c-meeting" {
		t.Errorf("sync fields = %q/%q", doc.Meta.RemoteID, doc.Meta.CollectionID)
	}

	if n := e.remote.Count("create"); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
	if ids := e.remote.InCollection("c-meeting"); len(ids) != 1 {
		t.Errorf("meeting collection = %v", ids)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.Archive, "20251027_meeting.m4a")); err != nil {
		t.Errorf("audio not archived: %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Error("source still in inbox")
	}
	if _, err := e.db.GetItem(src); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("checkpoint should be dropped: %v", err)
	}
}

func TestEngineUnavailableDefersThenSweepSucceeds(t *testing.T) {
	e := newEnv(t, true)
	e.transcribe.fails = 3
	audio := e.drop(t, e.cfg.AudioInbox, "20251027_meeting.m4a", "fake audio")
	text := e.drop(t, e.cfg.TextInbox, "idea.txt", "A dream about flying over the sea.")

	e.ingest(audio)
	e.ingest(text)

	it, err := e.db.GetItem(audio)
	if err != nil {
		t.Fatal(err)
	}
	if it.State != models.ItemDeferred || it.Deferrals != 1 {
		t.Fatalf("item = %+v", it)
	}
	if e.transcribe.count() != 3 {
		t.Errorf("transcribe calls = %d, want 3", e.transcribe.count())
	}
	if _, err := os.Stat(audio); err != nil {
		t.Errorf("deferred source must stay in inbox: %v", err)
	}
	if e.enricher.count() != 1 {
		t.Fatalf("enrich calls = %d, want 1", e.enricher.count())
	}

	e.p.Sweep(context.Background())
	e.drain()

	if e.transcribe.count() != 4 {
		t.Errorf("transcribe calls = %d, want 4", e.transcribe.count())
	}
	if e.enricher.count() != 2 {
		t.Errorf("enrich calls = %d, want 2 (text item must not be reprocessed)", e.enricher.count())
	}
	if n := e.remote.Count("create"); n != 2 {
		t.Errorf("creates = %d, want 2", n)
	}
	if _, err := e.db.GetItem(audio); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("audio checkpoint should be dropped: %v", err)
	}
}

func TestDeferralCapMovesToErrorBucket(t *testing.T) {
	e := newEnv(t, true)
	e.transcribe.fails = 1000
	audio := e.drop(t, e.cfg.AudioInbox, "memo.m4a", "fake audio")

	for i := 0; i < 3; i++ {
		e.ingest(audio)
	}

	it, err := e.db.GetItem(audio)
	if err != nil {
		t.Fatal(err)
	}
	if it.State != models.ItemErrored {
		t.Fatalf("state = %s", it.State)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.Errors, "memo.m4a")); err != nil {
		t.Errorf("source not in error bucket: %v", err)
	}
	note, err := os.ReadFile(filepath.Join(e.cfg.Errors, "memo.m4a.error.txt"))
	if err != nil {
		t.Fatalf("annotation missing: %v", err)
	}
	if !strings.Contains(string(note), "step: transcribe") || !strings.Contains(string(note), "engine unavailable") {
		t.Errorf("annotation = %s", note)
	}
}

func TestEnrichmentDeferralDoesNotCount(t *testing.T) {
	e := newEnv(t, true)
	e.enricher.err = apperr.Deferred("enrich: title", errors.New("connection refused"))
	text := e.drop(t, e.cfg.TextInbox, "later.txt", "a plain note")

	for i := 0; i < 5; i++ {
		e.ingest(text)
	}
	it, err := e.db.GetItem(text)
	if err != nil {
		t.Fatal(err)
	}
	if it.State != models.ItemDeferred || it.Deferrals != 0 || it.Attempts != 5 {
		t.Errorf("item = %+v", it)
	}
}

func TestNoMatchingTypeGoesToErrorBucket(t *testing.T) {
	e := newEnv(t, false)
	text := e.drop(t, e.cfg.TextInbox, "groceries.txt", "milk and bread")

	e.ingest(text)

	if _, err := os.Stat(filepath.Join(e.cfg.Errors, "groceries.txt.error.txt")); err != nil {
		t.Fatalf("annotation missing: %v", err)
	}
	it, _ := e.db.GetItem(text)
	if it == nil || it.State != models.ItemErrored {
		t.Errorf("item = %+v", it)
	}
	if len(e.docs(t)) != 0 {
		t.Error("no document expected")
	}
}

func TestSilentAudioUsesDefaultType(t *testing.T) {
	e := newEnv(t, true)
	e.transcribe.err = apperr.Partial("transcribe: silence", transcribe.ErrEmptyAudio)
	audio := e.drop(t, e.cfg.AudioInbox, "20250101_quiet.m4a", "fake audio")

	e.ingest(audio)

	data, err := e.knowledge.Read("Note/2025-01-01-note-1.md")
	if err != nil {
		t.Fatalf("document not written: %v", err)
	}
	doc, _ := document.Parse(data)
	if doc.Meta.Enrichment != document.EnrichmentComplete || doc.Meta.Title != "20250101_quiet" {
		t.Errorf("meta = %+v", doc.Meta)
	}
}

func TestEditedDocumentUpdatesOnly(t *testing.T) {
	e := newEnv(t, true)
	e.ingest(e.drop(t, e.cfg.TextInbox, "n.txt", "Meeting notes: ship it"))

	docs := e.docs(t)
	if len(docs) != 1 {
		t.Fatalf("docs = %+v", docs)
	}
	rel := docs[0].Path
	data, _ := e.knowledge.Read(rel)
	_ = e.knowledge.Write(rel, []byte(strings.Replace(string(data), "ship it", "ship it tomorrow", 1)))

	abs, _ := e.knowledge.Abs(rel)
	e.p.ProcessJob(context.Background(), Job{Kind: JobKnowledge, Path: abs})
	e.p.ProcessJob(context.Background(), Job{Kind: JobKnowledge, Path: abs})

	if e.remote.Count("create") != 1 || e.remote.Count("update") != 1 {
		t.Errorf("create=%d update=%d", e.remote.Count("create"), e.remote.Count("update"))
	}
}

func TestReprocessingSameSourceReusesDocument(t *testing.T) {
	e := newEnv(t, true)
	e.ingest(e.drop(t, e.cfg.TextInbox, "a.txt", "Meeting about budgets"))
	e.ingest(e.drop(t, e.cfg.TextInbox, "a.txt", "Meeting about budgets"))

	if n := len(e.docs(t)); n != 1 {
		t.Errorf("documents = %d, want 1", n)
	}
	if e.remote.Count("create") != 1 {
		t.Errorf("creates = %d, want 1", e.remote.Count("create"))
	}
}

func TestImportTextWithFrontmatter(t *testing.T) {
	e := newEnv(t, true)
	src := "---\ntitle: Old dream\ndate: \"2024-05-01\"\ntype: Dream\ntags: []\nfocus: false\nsource_fingerprint: x\nenrichment: complete\n---\n\n## Transcript\n\nI was in a forest.\n"
	e.ingest(e.drop(t, e.cfg.TextInbox, "old-dream.md", src))

	data, err := e.knowledge.Read("Dream/old-dream.md")
	if err != nil {
		t.Fatalf("import not written: %v (docs %+v)", err, e.docs(t))
	}
	if !strings.Contains(string(data), "I was in a forest.") {
		t.Errorf("content = %s", data)
	}
	if e.enricher.count() != 0 {
		t.Error("imported documents are not enriched")
	}
	if ids := e.remote.InCollection("c-dream"); len(ids) != 1 {
		t.Errorf("dream collection = %v", ids)
	}
}

func TestKnowledgeFileWithoutFrontmatterIngestedInPlace(t *testing.T) {
	e := newEnv(t, true)
	_ = e.knowledge.Write("inbox-note.md", []byte("Last night I had a dream about trains.\n"))
	abs, _ := e.knowledge.Abs("inbox-note.md")

	e.p.ProcessJob(context.Background(), Job{Kind: JobKnowledge, Path: abs})

	data, err := e.knowledge.Read("inbox-note.md")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := document.Parse(data)
	if err != nil {
		t.Fatalf("document not rewritten in place: %v", err)
	}
	if doc.Meta.Type != "Dream" {
		t.Errorf("type = %q", doc.Meta.Type)
	}
	if n := len(e.docs(t)); n != 1 {
		t.Errorf("documents = %d, want 1", n)
	}
	if e.remote.Count("create") != 1 {
		t.Errorf("creates = %d", e.remote.Count("create"))
	}
}

func TestReenrichFillsUnavailableFields(t *testing.T) {
	e := newEnv(t, true)
	e.enricher.unavailable = []string{enrich.FieldSummary}
	e.ingest(e.drop(t, e.cfg.TextInbox, "r.txt", "A dream about a red door"))

	docs := e.docs(t)
	if len(docs) != 1 {
		t.Fatalf("docs = %+v", docs)
	}
	rel := docs[0].Path
	data, _ := e.knowledge.Read(rel)
	doc, _ := document.Parse(data)
	if !doc.Meta.Incomplete() {
		t.Fatalf("expected incomplete document, got %+v", doc.Meta)
	}

	e.enricher.mu.Lock()
	e.enricher.unavailable = nil
	e.enricher.mu.Unlock()

	report := e.p.Sweep(context.Background())
	if report.Reenrich != 1 {
		t.Fatalf("report = %+v", report)
	}
	e.drain()

	data, _ = e.knowledge.Read(rel)
	doc, _ = document.Parse(data)
	if doc.Meta.Incomplete() || doc.Meta.Summary != "A short summary." {
		t.Errorf("meta after re-enrichment = %+v", doc.Meta)
	}
	last := e.enricher.requests[len(e.enricher.requests)-1]
	if len(last.Only) != 1 || last.Only[0] != enrich.FieldSummary {
		t.Errorf("re-enrichment request = %+v", last.Only)
	}
	if e.remote.Count("update") != 1 {
		t.Errorf("updates = %d, want 1", e.remote.Count("update"))
	}
}

func TestDeletedDocumentRemovedRemotely(t *testing.T) {
	e := newEnv(t, true)
	e.ingest(e.drop(t, e.cfg.TextInbox, "d.txt", "Meeting to delete"))
	rel := e.docs(t)[0].Path
	abs, _ := e.knowledge.Abs(rel)
	_ = os.Remove(abs)

	e.p.ProcessJob(context.Background(), Job{Kind: JobKnowledge, Path: abs})

	if e.remote.Count("delete") != 1 || len(e.remote.Files) != 0 {
		t.Errorf("delete=%d files=%d", e.remote.Count("delete"), len(e.remote.Files))
	}
}

func TestRunWatchesInbox(t *testing.T) {
	e := newEnv(t, true)
	e.p.cfg.Debounce = 20 * time.Millisecond
	e.p.cfg.KnowledgeDebounce = 20 * time.Millisecond
	e.p.cfg.GracePeriod = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.p.Run(ctx) }()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	e.drop(t, e.cfg.TextInbox, "live.txt", "Meeting from the watcher")

	testutil.Eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return e.remote.Count("create") == 1
	}, "document was not created and synced")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if _, err := os.Stat(filepath.Join(e.cfg.TextInbox, "live.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("text source should be removed")
	}
}

func TestDrainProcessesSweepAndReturns(t *testing.T) {
	e := newEnv(t, true)
	e.drop(t, e.cfg.TextInbox, "one.txt", "Meeting one")
	e.drop(t, e.cfg.TextInbox, "two.txt", "A dream two")

	report := e.p.Drain(context.Background())

	if report.Inbox != 2 {
		t.Errorf("report = %+v", report)
	}
	if e.remote.Count("create") != 2 {
		t.Errorf("creates = %d, want 2", e.remote.Count("create"))
	}
	if e.remote.InCollection("c-meeting") == nil || e.remote.InCollection("c-dream") == nil {
		t.Error("documents not routed to their collections")
	}
}

// restart builds a second Pipeline over the same folders and state, as a
// process restart would.
func (e *env) restart(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(e.cfg, Deps{
		Knowledge:   e.knowledge,
		Store:       e.db,
		Extractor:   e.p.extractor,
		Classifier:  e.p.classifier,
		Transcriber: e.transcribe,
		Enricher:    e.enricher,
		Syncer:      e.p.syncer,
	}, WithLogger(e.p.logger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestStoppingLeavesResumableCheckpoint(t *testing.T) {
	e := newEnv(t, true)
	audio := e.drop(t, e.cfg.AudioInbox, "20251027_meeting.m4a", "fake audio")
	e.p.stopping.Store(true)

	e.ingest(audio)

	it, err := e.db.GetItem(audio)
	if err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	if it.State != models.ItemProcessing || it.Step != models.StepRead || it.Fingerprint == "" {
		t.Errorf("item = %+v", it)
	}
	if e.transcribe.count() != 0 {
		t.Errorf("transcribe calls = %d, want 0 after stop", e.transcribe.count())
	}
	if _, err := os.Stat(audio); err != nil {
		t.Errorf("source must stay in inbox: %v", err)
	}

	next := &item{SourceItem: *it}
	if err := e.p.checkpoint(next, models.StepTranscribe, models.ItemProcessing); !errors.Is(err, errStopping) {
		t.Errorf("checkpoint while stopping = %v, want errStopping", err)
	}
	saved, _ := e.db.GetItem(audio)
	if saved == nil || saved.Step != models.StepTranscribe {
		t.Errorf("checkpoint not persisted before stopping: %+v", saved)
	}
}

func TestResumeAfterTranscribeReusesTranscript(t *testing.T) {
	e := newEnv(t, true)
	audio := e.drop(t, e.cfg.AudioInbox, "20251027_meeting.m4a", "fake audio")
	e.p.stopping.Store(true)
	e.ingest(audio)

	it, err := e.db.GetItem(audio)
	if err != nil {
		t.Fatal(err)
	}
	it.Step = models.StepTranscribe
	it.Transcript = "Meeting about the budget. Tags: finance"
	if err := e.db.SaveItem(*it); err != nil {
		t.Fatal(err)
	}

	e.restart(t).ProcessJob(context.Background(), Job{Kind: JobIngest, Path: audio})

	if e.transcribe.count() != 0 {
		t.Errorf("transcribe calls = %d, want 0 on resume", e.transcribe.count())
	}
	data, err := e.knowledge.Read("Meeting/2025-10-27-meeting-1.md")
	if err != nil {
		t.Fatalf("document not written: %v (docs: %+v)", err, e.docs(t))
	}
	doc, err := document.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Transcript, "budget") {
		t.Errorf("transcript = %q", doc.Transcript)
	}
	if len(doc.Meta.Tags) != 1 || doc.Meta.Tags[0] != "finance" {
		t.Errorf("tags = %v", doc.Meta.Tags)
	}
	if _, err := e.db.GetItem(audio); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("checkpoint should be dropped: %v", err)
	}
}

func TestSweepRequeuesNewFileAtErroredPath(t *testing.T) {
	e := newEnv(t, false)
	text := e.drop(t, e.cfg.TextInbox, "groceries.txt", "milk and bread")
	e.ingest(text)
	if it, _ := e.db.GetItem(text); it == nil || it.State != models.ItemErrored {
		t.Fatalf("item = %+v", it)
	}

	e.drop(t, e.cfg.TextInbox, "groceries.txt", "milk and bread")
	if r := e.p.Sweep(context.Background()); r.Inbox != 0 {
		t.Errorf("identical source requeued: %+v", r)
	}
	e.drain()

	e.drop(t, e.cfg.TextInbox, "groceries.txt", "Meeting about the grocery budget")
	if r := e.p.Sweep(context.Background()); r.Inbox != 1 {
		t.Fatalf("replacement source not requeued: %+v", r)
	}
	e.drain()

	if e.remote.Count("create") != 1 || e.remote.InCollection("c-meeting") == nil {
		t.Errorf("creates = %d", e.remote.Count("create"))
	}
	if _, err := e.db.GetItem(text); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("checkpoint should be dropped: %v", err)
	}
}

func TestKnowledgeFileWithCRLFFrontmatterLeftIntact(t *testing.T) {
	e := newEnv(t, true)
	original := []byte("---\r\ntitle: Hand written\r\ntype: Note\r\n---\r\n## Transcript\r\nwritten on windows\r\n")
	_ = e.knowledge.Write("hand.md", original)
	abs, _ := e.knowledge.Abs("hand.md")

	e.p.ProcessJob(context.Background(), Job{Kind: JobKnowledge, Path: abs})

	data, _ := e.knowledge.Read("hand.md")
	if string(data) != string(original) {
		t.Errorf("document rewritten:\n%q", data)
	}
	if e.remote.Count("create") != 1 || e.remote.InCollection("c-note") == nil {
		t.Errorf("creates = %d", e.remote.Count("create"))
	}

	broken := []byte("---\r\ntitle: [unclosed\r\n---\r\nbody\r\n")
	_ = e.knowledge.Write("broken.md", broken)
	brokenAbs, _ := e.knowledge.Abs("broken.md")
	e.p.ProcessJob(context.Background(), Job{Kind: JobKnowledge, Path: brokenAbs})

	data, _ = e.knowledge.Read("broken.md")
	if string(data) != string(broken) {
		t.Errorf("unreadable document rewritten:\n%q", data)
	}
	if e.remote.Count("create") != 1 {
		t.Errorf("creates = %d, want 1", e.remote.Count("create"))
	}
}
