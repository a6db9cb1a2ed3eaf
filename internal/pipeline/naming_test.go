package pipeline

import (
	"testing"

	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/testutil"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Meeting", "meeting"},
		{"Voice Memo", "voice-memo"},
		{"  Träume & Ideen!", "träume-ideen"},
		{"***", "note"},
	}
	for _, tt := range tests {
		if got := slug(tt.in); got != tt.want {
			t.Errorf("slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDocumentIDStable(t *testing.T) {
	a := documentID("abc")
	if a != documentID("abc") {
		t.Error("id not stable")
	}
	if a == documentID("abd") {
		t.Error("different fingerprints share an id")
	}
}

func TestCreateDocumentPicksNextFreeName(t *testing.T) {
	_, store := testutil.TestKnowledge(t)

	first, err := createDocument(store, "Meeting", "2025-10-27", "Meeting", []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := createDocument(store, "Meeting", "2025-10-27", "Meeting", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	if first != "Meeting/2025-10-27-meeting-1.md" || second != "Meeting/2025-10-27-meeting-2.md" {
		t.Errorf("names = %q, %q", first, second)
	}
	data, _ := store.Read(first)
	if string(data) != "one" {
		t.Errorf("first document overwritten: %q", data)
	}
}

func TestImportNameKeepsBase(t *testing.T) {
	_, store := testutil.TestKnowledge(t)
	a, _ := importName(store, "Dream", "flight.md", []byte("a"))
	b, _ := importName(store, "Dream", "flight.md", []byte("b"))
	if a != "Dream/flight.md" || b != "Dream/flight-1.md" {
		t.Errorf("names = %q, %q", a, b)
	}
}

func TestFilter(t *testing.T) {
	f, err := newFilter([]string{"m4a", ".WAV"}, []string{".txt"}, []string{".*", "*.part"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		kind models.SourceKind
		ok   bool
	}{
		{"/in/memo.m4a", models.KindAudio, true},
		{"/in/memo.wav", models.KindAudio, true},
		{"/in/idea.TXT", models.KindText, true},
		{"/in/.hidden.txt", "", false},
		{"/in/upload.m4a.part", "", false},
		{"/in/photo.jpg", "", false},
	}
	for _, tt := range tests {
		kind, ok := f.Kind(tt.path)
		if kind != tt.kind || ok != tt.ok {
			t.Errorf("Kind(%q) = %q, %v; want %q, %v", tt.path, kind, ok, tt.kind, tt.ok)
		}
	}
}
