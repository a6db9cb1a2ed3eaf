// Package checksum computes content fingerprints for sources and documents.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// SyncFields are frontmatter keys written by the sync engine. They are
// excluded from document fingerprints so recording a remote id is not an edit.
var SyncFields = []string{"remote_id", "collection_id"}

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Document returns the fingerprint of a Markdown document with the
// sync-managed frontmatter lines removed.
func Document(data []byte) string {
	return Sum(StripSyncFields(data))
}

// StripSyncFields returns data without top-level SyncFields lines in the
// leading frontmatter block. Content without frontmatter is returned as is.
func StripSyncFields(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return data
	}
	end := bytes.Index(data[4:], []byte("\n---"))
	if end < 0 {
		return data
	}
	end += 4

	block := data[4 : end+1]
	var kept bytes.Buffer
	kept.Grow(len(data))
	kept.WriteString("---\n")
	changed := false
	for _, line := range bytes.SplitAfter(block, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if isSyncLine(line) {
			changed = true
			continue
		}
		kept.Write(line)
	}
	if !changed {
		return data
	}
	kept.Write(data[end+1:])
	return kept.Bytes()
}

func isSyncLine(line []byte) bool {
	for _, f := range SyncFields {
		if bytes.HasPrefix(line, []byte(f+":")) {
			return true
		}
	}
	return false
}
