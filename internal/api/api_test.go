package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/pipeline"
	"github.com/starford/ansuz/internal/state"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/testutil"
)

type fakePipeline struct {
	sweeps int
}

func (f *fakePipeline) Status() (pipeline.Status, error) {
	return pipeline.Status{Queued: 3, Running: 1}, nil
}

func (f *fakePipeline) Sweep(context.Context) pipeline.SweepReport {
	f.sweeps++
	return pipeline.SweepReport{Inbox: 2, Sync: 1}
}

type env struct {
	db        *state.DB
	knowledge *storage.FS
	pipe      *fakePipeline
	router    http.Handler
}

// testEnv sets up a temp knowledge folder, SQLite DB, service and router.
// A non-empty token enables token auth.
func testEnv(t *testing.T, token string) *env {
	t.Helper()
	return testEnvWith(t, token, &fakePipeline{}, nil)
}

func testEnvWith(t *testing.T, token string, pipe *fakePipeline, sse http.Handler) *env {
	t.Helper()
	_, knowledge := testutil.TestKnowledge(t)
	db := testutil.TestDB(t)

	var p docservice.Pipeline
	if pipe != nil {
		p = pipe
	}
	svc := docservice.NewService(knowledge, db, p)
	return &env{
		db:        db,
		knowledge: knowledge,
		pipe:      pipe,
		router:    NewServer(svc, token != "", token, sse),
	}
}

const meetingDoc = `---
id: 6c1d
title: Roadmap sync
date: "2025-10-27"
type: Meeting
tags:
    - planning
focus: false
source_fingerprint: abc
enrichment: complete
---

## Transcript

We agreed on the uniquetoken milestone.
`

func (e *env) addDocument(t *testing.T, path, content string) {
	t.Helper()
	if err := e.knowledge.Write(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := e.db.IndexDocument(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func (e *env) get(t *testing.T, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (body %s)", target, err, w.Body.String())
		}
	}
	return w.Code
}

func TestHealth(t *testing.T) {
	e := testEnv(t, "secret")

	if code := e.get(t, "/health/live", nil); code != http.StatusOK {
		t.Errorf("live = %d", code)
	}
	var body healthResponse
	if code := e.get(t, "/health/ready", &body); code != http.StatusOK || body.Status != "ok" {
		t.Errorf("ready = %d %+v", code, body)
	}
}

func TestGetDocumentWithSyncRecord(t *testing.T) {
	e := testEnv(t, "")
	e.addDocument(t, "Meeting/2025-10-27-meeting-1.md", meetingDoc)
	_ = e.db.PutRecord(models.SyncRecord{
		Path:         "Meeting/2025-10-27-meeting-1.md",
		CollectionID: "c-meeting",
		RemoteID:     "file-1",
		State:        models.SyncSynced,
	})

	var doc DocumentDetail
	if code := e.get(t, "/api/documents/Meeting/2025-10-27-meeting-1.md", &doc); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if doc.Title != "Roadmap sync" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.Type != "Meeting" || doc.Date != "2025-10-27" {
		t.Errorf("type = %q date = %q", doc.Type, doc.Date)
	}
	if doc.Sync == nil || doc.Sync.RemoteID != "file-1" {
		t.Errorf("sync = %+v", doc.Sync)
	}
	if doc.Checksum == "" {
		t.Error("checksum missing")
	}

	if code := e.get(t, "/api/documents/Meeting%2F2025-10-27-meeting-1.md", nil); code != http.StatusOK {
		t.Errorf("encoded path = %d", code)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	e := testEnv(t, "")
	if code := e.get(t, "/api/documents/missing.md", nil); code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", code)
	}
}

func TestListDocumentsFiltersByType(t *testing.T) {
	e := testEnv(t, "")
	e.addDocument(t, "Meeting/a.md", meetingDoc)
	e.addDocument(t, "Dream/b.md", `---
title: Flying
date: "2025-10-26"
type: Dream
tags: []
focus: false
source_fingerprint: def
enrichment: incomplete
---

## Transcript

Over the sea.
`)

	var all DocumentListResponse
	if code := e.get(t, "/api/documents", &all); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if all.Total != 2 || len(all.Documents) != 2 {
		t.Errorf("list = %+v", all)
	}

	var dreams DocumentListResponse
	e.get(t, "/api/documents?type=Dream", &dreams)
	if dreams.Total != 1 || dreams.Documents[0].Path != "Dream/b.md" {
		t.Errorf("dreams = %+v", dreams)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := testEnv(t, "")
	e.addDocument(t, "Meeting/a.md", meetingDoc)

	var resp SearchResponse
	if code := e.get(t, "/api/documents/search?q=uniquetoken", &resp); code != http.StatusOK {
		t.Fatalf("search = %d", code)
	}
	if len(resp.Results) != 1 || resp.Results[0].Path != "Meeting/a.md" {
		t.Errorf("results = %+v", resp.Results)
	}

	if code := e.get(t, "/api/documents/search", nil); code != http.StatusBadRequest {
		t.Errorf("search without q = %d, want 400", code)
	}
}

func TestItemsAndErrors(t *testing.T) {
	e := testEnv(t, "")
	now := time.Now().UTC()
	_ = e.db.SaveItem(models.SourceItem{ID: "1", Path: "/in/a.m4a", Kind: models.KindAudio, DiscoveredAt: now, State: models.ItemDeferred})
	_ = e.db.SaveItem(models.SourceItem{ID: "2", Path: "/in/b.txt", Kind: models.KindText, DiscoveredAt: now, State: models.ItemErrored, LastError: "no type"})

	var items ItemListResponse
	e.get(t, "/api/items", &items)
	if len(items.Items) != 2 {
		t.Errorf("items = %+v", items)
	}

	var deferred ItemListResponse
	e.get(t, "/api/items?state=deferred", &deferred)
	if len(deferred.Items) != 1 || deferred.Items[0].Path != "/in/a.m4a" {
		t.Errorf("deferred = %+v", deferred)
	}

	var errs ItemListResponse
	e.get(t, "/api/errors", &errs)
	if len(errs.Items) != 1 || errs.Items[0].LastError != "no type" {
		t.Errorf("errors = %+v", errs)
	}
}

func TestSyncRecords(t *testing.T) {
	e := testEnv(t, "")
	_ = e.db.PutRecord(models.SyncRecord{Path: "a.md", State: models.SyncSynced, RemoteID: "1"})
	_ = e.db.PutRecord(models.SyncRecord{Path: "b.md", State: models.SyncFailed, LastError: "timeout"})

	var failed SyncListResponse
	e.get(t, "/api/sync?state=failed", &failed)
	if len(failed.Records) != 1 || failed.Records[0].Path != "b.md" {
		t.Errorf("failed = %+v", failed)
	}
	var all SyncListResponse
	e.get(t, "/api/sync", &all)
	if len(all.Records) != 2 {
		t.Errorf("all = %+v", all)
	}
}

func TestStatusAndSweep(t *testing.T) {
	e := testEnv(t, "")

	var st StatusResponse
	if code := e.get(t, "/api/status", &st); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if st.Queued != 3 || st.Running != 1 || st.Items == nil {
		t.Errorf("status = %+v", st)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sweep", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("sweep = %d", w.Code)
	}
	var report SweepResponse
	_ = json.Unmarshal(w.Body.Bytes(), &report)
	if report.Inbox != 2 || e.pipe.sweeps != 1 {
		t.Errorf("report = %+v, sweeps = %d", report, e.pipe.sweeps)
	}
}

func TestStatusWithoutPipeline(t *testing.T) {
	e := testEnvWith(t, "", nil, nil)
	if code := e.get(t, "/api/status", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := testEnv(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := testEnv(t, "secret")
	if code := e.get(t, "/api/items", nil); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := testEnv(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := testEnvWith(t, "secret", &fakePipeline{}, blockingSSE())
	if code := e.get(t, "/api/events", nil); code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := testEnvWith(t, "tok", &fakePipeline{}, blockingSSE())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with valid token = %d", w.Code)
	}
}

// blockingSSE writes stream headers and blocks until the client goes away.
func blockingSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}
