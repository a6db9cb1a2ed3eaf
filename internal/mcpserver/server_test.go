package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/state"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/testutil"
)

const dreamDoc = `---
title: Flying over the sea
date: "2025-10-26"
type: Dream
tags:
    - flight
focus: false
source_fingerprint: def
enrichment: complete
---

## Transcript

I was flying over a calm sea at night.
`

func testServer(t *testing.T) (*Server, *state.DB, *storage.FS) {
	t.Helper()
	_, store := testutil.TestKnowledge(t)
	db := testutil.TestDB(t)
	return New(docservice.NewService(store, db, nil), "test"), db, store
}

func addDocument(t *testing.T, db *state.DB, store *storage.FS, path, content string) {
	t.Helper()
	if err := store.Write(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := db.IndexDocument(path, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no call-tool test helper, so handlers are invoked directly.
	var result *mcp.CallToolResult
	var err error
	switch name {
	case "search_documents":
		result, err = srv.searchDocuments(ctx, req)
	case "read_document":
		result, err = srv.readDocument(ctx, req)
	case "list_documents":
		result, err = srv.listDocuments(ctx, req)
	case "pipeline_status":
		result, err = srv.pipelineStatus(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestReadDocument(t *testing.T) {
	srv, db, store := testServer(t)
	addDocument(t, db, store, "Dream/2025-10-26-dream-1.md", dreamDoc)
	_ = db.PutRecord(models.SyncRecord{Path: "Dream/2025-10-26-dream-1.md", RemoteID: "file-9", CollectionID: "c-dream", State: models.SyncSynced})

	r := callTool(t, srv, "read_document", map[string]any{"path": "Dream/2025-10-26-dream-1.md"})
	if r.IsError {
		t.Fatalf("error: %s", resultText(r))
	}
	var doc docservice.DocumentDetail
	if err := json.Unmarshal([]byte(resultText(r)), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Flying over the sea" || doc.Sync == nil || doc.Sync.RemoteID != "file-9" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestReadDocumentMissing(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "read_document", map[string]any{"path": "nope.md"})
	if !r.IsError || !strings.Contains(resultText(r), "not found") {
		t.Errorf("expected not found error, got %q", resultText(r))
	}
}

func TestSearchDocuments(t *testing.T) {
	srv, db, store := testServer(t)
	addDocument(t, db, store, "Dream/a.md", dreamDoc)

	r := callTool(t, srv, "search_documents", map[string]any{"query": "calm"})
	if r.IsError {
		t.Fatalf("error: %s", resultText(r))
	}
	var hits []state.SearchResult
	_ = json.Unmarshal([]byte(resultText(r)), &hits)
	if len(hits) != 1 || hits[0].Path != "Dream/a.md" {
		t.Errorf("hits = %+v", hits)
	}

	r = callTool(t, srv, "search_documents", map[string]any{})
	if !r.IsError {
		t.Error("expected error without query")
	}
}

func TestListDocumentsByType(t *testing.T) {
	srv, db, store := testServer(t)
	addDocument(t, db, store, "Dream/a.md", dreamDoc)
	addDocument(t, db, store, "Meeting/b.md", strings.Replace(dreamDoc, "type: Dream", "type: Meeting", 1))

	r := callTool(t, srv, "list_documents", map[string]any{"type": "Meeting"})
	var out struct {
		Documents []state.DocumentRow `json:"documents"`
		Total     int                 `json:"total"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || out.Documents[0].Path != "Meeting/b.md" {
		t.Errorf("list = %+v", out)
	}
}

func TestPipelineStatusWithoutPipeline(t *testing.T) {
	srv, db, _ := testServer(t)
	_ = db.SaveItem(models.SourceItem{ID: "1", Path: "/in/a.m4a", Kind: models.KindAudio, DiscoveredAt: time.Now().UTC(), State: models.ItemDeferred})

	r := callTool(t, srv, "pipeline_status", map[string]any{})
	if r.IsError {
		t.Fatalf("error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "/in/a.m4a") {
		t.Errorf("status = %s", resultText(r))
	}
}
