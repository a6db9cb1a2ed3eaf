package pipeline

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/storage"
)

var docNamespace = uuid.MustParse("5f0c2a8e-6b7d-4c1e-9a3f-2d8b7e4c1a90")

// documentID derives a stable document id from the source fingerprint.
func documentID(fingerprint string) string {
	return uuid.NewSHA1(docNamespace, []byte(fingerprint)).String()
}

// slug lowercases s and joins its letter and digit runs with dashes.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	if b.Len() == 0 {
		return "note"
	}
	return b.String()
}

// createDocument writes data to the first free {folder}/{date}-{type}-{n}.md
// path and returns it.
func createDocument(store storage.Provider, folder, date, typ string, data []byte) (string, error) {
	for n := 1; n < 10000; n++ {
		rel := path.Join(folder, fmt.Sprintf("%s-%s-%d.md", date, slug(typ), n))
		err := store.Create(rel, data)
		if err == nil {
			return rel, nil
		}
		if !errors.Is(err, apperr.ErrAlreadyExists) {
			return "", err
		}
	}
	return "", fmt.Errorf("pipeline: no free name in %s for %s", folder, date)
}

// importName returns the first free path for an imported document that keeps
// its original base name.
func importName(store storage.Provider, folder, base string, data []byte) (string, error) {
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 0; n < 10000; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		rel := path.Join(folder, name)
		err := store.Create(rel, data)
		if err == nil {
			return rel, nil
		}
		if !errors.Is(err, apperr.ErrAlreadyExists) {
			return "", err
		}
	}
	return "", fmt.Errorf("pipeline: no free name in %s for %s", folder, base)
}
