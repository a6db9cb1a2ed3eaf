package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/starford/ansuz/internal/models"
)

// filter decides which inbox files are sources.
type filter struct {
	audio  map[string]struct{}
	text   map[string]struct{}
	ignore []glob.Glob
}

func newFilter(audioExt, textExt, ignore []string) (*filter, error) {
	f := &filter{audio: extSet(audioExt), text: extSet(textExt)}
	for _, pattern := range ignore {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("pipeline: ignore pattern %q: %w", pattern, err)
		}
		f.ignore = append(f.ignore, g)
	}
	return f, nil
}

func extSet(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out[e] = struct{}{}
	}
	return out
}

// Ignored reports whether the base name matches an ignore pattern.
func (f *filter) Ignored(path string) bool {
	name := filepath.Base(path)
	for _, g := range f.ignore {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Kind returns the source kind for path, or false when the file is not a
// source.
func (f *filter) Kind(path string) (models.SourceKind, bool) {
	if f.Ignored(path) {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := f.audio[ext]; ok {
		return models.KindAudio, true
	}
	if _, ok := f.text[ext]; ok {
		return models.KindText, true
	}
	return "", false
}

// Document reports whether path is a knowledge document.
func (f *filter) Document(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md") && !f.Ignored(path)
}
