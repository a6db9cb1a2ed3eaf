// Package document renders and parses the Markdown knowledge documents the
// pipeline writes: a YAML frontmatter block with a fixed field order followed
// by a transcript section and one section per custom enrichment field.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/ansuz/internal/parser"
)

// Enrichment states stored in the frontmatter.
const (
	EnrichmentComplete   = "complete"
	EnrichmentIncomplete = "incomplete"
)

// TranscriptHeading is the heading of the section holding the source text.
const TranscriptHeading = "Transcript"

// ErrNoFrontmatter is returned when a document has no frontmatter block.
var ErrNoFrontmatter = errors.New("document: no frontmatter")

// Frontmatter is the metadata block of a knowledge document. Field order here
// is the order in the rendered YAML.
type Frontmatter struct {
	ID                string   `yaml:"id"`
	Title             string   `yaml:"title"`
	Date              string   `yaml:"date"`
	Time              string   `yaml:"time,omitempty"`
	Type              string   `yaml:"type"`
	Tags              []string `yaml:"tags"`
	Emotions          []string `yaml:"emotions,omitempty"`
	Characters        []string `yaml:"characters,omitempty"`
	Language          string   `yaml:"language,omitempty"`
	Summary           string   `yaml:"summary,omitempty"`
	Aliases           []string `yaml:"aliases,omitempty"`
	Focus             bool     `yaml:"focus"`
	SourceFingerprint string   `yaml:"source_fingerprint"`
	Enrichment        string   `yaml:"enrichment"`
	Unavailable       []string `yaml:"unavailable,omitempty"`
	RemoteID          string   `yaml:"remote_id,omitempty"`
	CollectionID      string   `yaml:"collection_id,omitempty"`

	// Extra keeps keys written by hand so re-rendering does not drop them.
	Extra map[string]any `yaml:",inline"`
}

// Incomplete reports whether some enrichment fields are missing.
func (f *Frontmatter) Incomplete() bool {
	return f.Enrichment == EnrichmentIncomplete
}

// Section is a custom enrichment field rendered as "## <Field>".
type Section struct {
	Field   string
	Content string
}

// Document is a parsed or to-be-rendered knowledge document.
type Document struct {
	Meta       Frontmatter
	Transcript string
	Sections   []Section
}

// Section returns the content of the named custom section.
func (d *Document) Section(field string) (string, bool) {
	for _, s := range d.Sections {
		if strings.EqualFold(s.Field, field) {
			return s.Content, true
		}
	}
	return "", false
}

// Render encodes doc as Markdown. Identical input yields identical bytes.
func Render(doc *Document) ([]byte, error) {
	meta := doc.Meta
	if meta.Tags == nil {
		meta.Tags = []string{}
	}

	var fm bytes.Buffer
	enc := yaml.NewEncoder(&fm)
	enc.SetIndent(2)
	if err := enc.Encode(&meta); err != nil {
		return nil, fmt.Errorf("document: encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("document: encode frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm.Bytes())
	b.WriteString("---\n")
	writeSection(&b, TranscriptHeading, doc.Transcript)
	for _, s := range doc.Sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		writeSection(&b, s.Field, s.Content)
	}
	return b.Bytes(), nil
}

func writeSection(b *bytes.Buffer, heading, content string) {
	b.WriteString("\n## ")
	b.WriteString(heading)
	b.WriteString("\n\n")
	content = strings.Trim(content, "\n")
	if content != "" {
		b.WriteString(content)
		b.WriteByte('\n')
	}
}

// Parse decodes a knowledge document. Body text outside any section is kept
// as the transcript when no transcript section exists.
func Parse(data []byte) (*Document, error) {
	res, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}
	if !res.HasFrontmatter() {
		return nil, ErrNoFrontmatter
	}

	doc := &Document{}
	if err := yaml.Unmarshal(res.Raw, &doc.Meta); err != nil {
		return nil, fmt.Errorf("document: decode frontmatter: %w", err)
	}
	if len(doc.Meta.Extra) == 0 {
		doc.Meta.Extra = nil
	}

	transcript, ok := res.Section(TranscriptHeading)
	if !ok {
		transcript = strings.Trim(res.Body, "\n")
	}
	doc.Transcript = transcript
	for _, s := range res.Sections {
		if strings.EqualFold(s.Heading, TranscriptHeading) {
			continue
		}
		doc.Sections = append(doc.Sections, Section{Field: s.Heading, Content: s.Content})
	}
	return doc, nil
}

// SetSyncFields rewrites the remote_id and collection_id frontmatter lines of
// data, leaving every other byte untouched. Empty values remove the lines.
func SetSyncFields(data []byte, remoteID, collectionID string) ([]byte, error) {
	block, rest, ok := splitRaw(data)
	if !ok {
		return nil, ErrNoFrontmatter
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	for _, line := range strings.SplitAfter(string(block), "\n") {
		if line == "" || isSyncLine(line) {
			continue
		}
		b.WriteString(line)
	}
	for _, kv := range [][2]string{{"remote_id", remoteID}, {"collection_id", collectionID}} {
		if kv[1] == "" {
			continue
		}
		v, err := scalar(kv[1])
		if err != nil {
			return nil, err
		}
		b.WriteString(kv[0])
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteString("---\n")
	b.Write(rest)
	return b.Bytes(), nil
}

// splitRaw returns the frontmatter lines (each newline-terminated) and the
// bytes following the closing delimiter line.
func splitRaw(data []byte) (block, rest []byte, ok bool) {
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, nil, false
	}
	inner := data[4:]
	if bytes.HasPrefix(inner, []byte("---\n")) {
		return nil, inner[4:], true
	}
	end := bytes.Index(inner, []byte("\n---\n"))
	if end < 0 {
		if bytes.HasSuffix(inner, []byte("\n---")) {
			return inner[:len(inner)-3], nil, true
		}
		return nil, nil, false
	}
	return inner[:end+1], inner[end+5:], true
}

func isSyncLine(line string) bool {
	return strings.HasPrefix(line, "remote_id:") || strings.HasPrefix(line, "collection_id:")
}

func scalar(v string) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("document: encode value: %w", err)
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}
