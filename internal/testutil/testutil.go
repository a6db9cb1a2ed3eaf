// Package testutil provides shared test helpers for setting up knowledge
// folders, state databases and a fake remote index.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/state"
	"github.com/starford/ansuz/internal/storage"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *state.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := state.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestKnowledge creates a temporary knowledge folder with a storage provider.
func TestKnowledge(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return store.Root(), store
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// RemoteFile is a document held by FakeIndex.
type RemoteFile struct {
	Name        string
	Content     string
	Collections map[string]bool
}

// FakeIndex is an in-memory remote knowledge index.
type FakeIndex struct {
	mu    sync.Mutex
	next  int
	Files map[string]*RemoteFile
	Calls map[string]int
}

// NewFakeIndex returns an empty FakeIndex.
func NewFakeIndex() *FakeIndex {
	return &FakeIndex{Files: map[string]*RemoteFile{}, Calls: map[string]int{}}
}

// Count returns how often op was called.
func (f *FakeIndex) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

// InCollection returns the ids of files linked into collection.
func (f *FakeIndex) InCollection(collection string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, file := range f.Files {
		if file.Collections[collection] {
			out = append(out, id)
		}
	}
	return out
}

func (f *FakeIndex) Create(_ context.Context, collection, name string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["create"]++
	f.next++
	id := fmt.Sprintf("file-%d", f.next)
	f.Files[id] = &RemoteFile{Name: name, Content: string(content), Collections: map[string]bool{collection: true}}
	return id, nil
}

func (f *FakeIndex) Update(_ context.Context, collection, id string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["update"]++
	file, ok := f.Files[id]
	if !ok || !file.Collections[collection] {
		return apperr.Permanent("update", apperr.ErrNotFound)
	}
	file.Content = string(content)
	return nil
}

func (f *FakeIndex) Delete(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["delete"]++
	delete(f.Files, id)
	return nil
}

func (f *FakeIndex) Link(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["link"]++
	if file, ok := f.Files[id]; ok {
		file.Collections[collection] = true
	}
	return nil
}

func (f *FakeIndex) Unlink(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["unlink"]++
	if file, ok := f.Files[id]; ok {
		delete(file.Collections, collection)
	}
	return nil
}

func (f *FakeIndex) FindByName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["find"]++
	for id, file := range f.Files {
		if file.Name == name {
			return id, nil
		}
	}
	return "", nil
}
