// Package parser splits Markdown documents into YAML frontmatter, body,
// level-two sections and tags.
package parser

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var tagRe = regexp.MustCompile(`(?:^|\s)#([\p{L}][\p{L}\p{N}_/-]*)`)

// Section is a "## Heading" block of a Markdown body.
type Section struct {
	Heading string
	Content string
}

// Result holds the output of parsing a Markdown file.
type Result struct {
	Frontmatter map[string]any
	// Raw is the undecoded YAML block, nil when there is no frontmatter.
	Raw      []byte
	Body     string
	Sections []Section
	Tags     []string
	Title    string
}

// HasFrontmatter reports whether a valid frontmatter block was found.
func (r *Result) HasFrontmatter() bool {
	return r.Frontmatter != nil
}

// String returns the frontmatter value for key when it is a scalar string.
func (r *Result) String(key string) string {
	if r.Frontmatter == nil {
		return ""
	}
	switch v := r.Frontmatter[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := yaml.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}

// Section returns the content of the first section with the given heading.
func (r *Result) Section(heading string) (string, bool) {
	for _, s := range r.Sections {
		if strings.EqualFold(s.Heading, heading) {
			return s.Content, true
		}
	}
	return "", false
}

// Parse extracts frontmatter, body, sections and tags from raw Markdown bytes.
// CRLF line endings are read as LF.
func Parse(data []byte) (*Result, error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	fm, raw, body := splitFrontmatter(data)

	return &Result{
		Frontmatter: fm,
		Raw:         raw,
		Body:        body,
		Sections:    splitSections(body),
		Tags:        extractTags(body, fm),
		Title:       deriveTitle(fm, body),
	}, nil
}

// StartsWithFence reports whether data opens with a "---" line in either line
// ending style, whether or not the block that follows is valid YAML.
func StartsWithFence(data []byte) bool {
	line, _, _ := bytes.Cut(bytes.TrimLeft(data, "\n\r"), []byte("\n"))
	return string(bytes.TrimSuffix(line, []byte("\r"))) == "---"
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no valid frontmatter is found the entire content
// is body.
func splitFrontmatter(data []byte) (map[string]any, []byte, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim+"\n")) {
		return nil, nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, nil, string(data)
	}
	if fm == nil {
		fm = map[string]any{}
	}

	return fm, bytes.TrimLeft(yamlBlock, "\n"), body
}

// splitSections cuts the body at "## " headings. Text before the first
// heading is not part of any section.
func splitSections(body string) []Section {
	var (
		out     []Section
		current *Section
		buf     strings.Builder
	)
	flush := func() {
		if current != nil {
			current.Content = strings.Trim(buf.String(), "\n")
			out = append(out, *current)
		}
		buf.Reset()
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = &Section{Heading: strings.TrimSpace(line[3:])}
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return out
}

// extractTags collects tags from the frontmatter "tags" field and inline
// #tags in the body, in that order and without duplicates.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if fm != nil {
		switch v := fm["tags"].(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case string:
			for _, s := range strings.Split(v, ",") {
				add(s)
			}
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	return out
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(fm map[string]any, body string) string {
	if fm != nil {
		if s, ok := fm["title"].(string); ok && s != "" {
			return s
		}
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
