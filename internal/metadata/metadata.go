// Package metadata pulls a date, an optional time of day, tags and the focus
// flag out of a capture's filename and text.
package metadata

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// DateLayout is the ISO calendar date format used in documents.
const DateLayout = "2006-01-02"

// Date sources reported in Result.DateSource.
const (
	SourceFilename = "filename"
	SourceMarker   = "marker"
	SourceFallback = "fallback"
)

// Config lists the cue words the extractor looks for.
type Config struct {
	DateCues  []string
	TimeCues  []string
	TagCues   []string
	TagWindow int
	Focus     string
}

// Result is the outcome of an extraction. Date is always set.
type Result struct {
	Date       string
	Time       string
	DateSource string
	Tags       []string
	Focus      bool
	CleanText  string
}

// Extractor is safe for concurrent use.
type Extractor struct {
	cfg     Config
	nl      *when.Parser
	dateCue *regexp.Regexp
	timeCue *regexp.Regexp
	tagCue  *regexp.Regexp
	trailer *regexp.Regexp
}

var (
	filenamePatterns = []struct {
		re       *regexp.Regexp
		twoDigit bool
		withTime bool
	}{
		{re: regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})_(\d{2})(\d{2})(\d{2})(?:\D|$)`), withTime: true},
		{re: regexp.MustCompile(`(?:^|\D)(\d{2})(\d{2})(\d{2})_(\d{2})(\d{2})(\d{2})(?:\D|$)`), twoDigit: true, withTime: true},
		{re: regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})(?:\D|$)`)},
		{re: regexp.MustCompile(`(?:^|\D)(\d{4})[-_.](\d{2})[-_.](\d{2})(?:\D|$)`)},
	}

	explicitDate = []*regexp.Regexp{
		regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`),
		regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})`),
		regexp.MustCompile(`^(\d{1,2})\.?\s+(\p{L}{3,9})\.?,?\s+(\d{2,4})`),
		regexp.MustCompile(`^(\p{L}{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})`),
	}

	hashtagRe   = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_-]+)`)
	hashTrailer = regexp.MustCompile(`(?:^|\n)[ \t]*((?:#[\p{L}\p{N}_-]+[\s,.]*)+)$`)
	leadingJunk = regexp.MustCompile(`^[\s.,;:\-]+`)
	tagSplit    = regexp.MustCompile(`[\s,]+`)
	tagClean    = regexp.MustCompile(`[^\p{L}\p{N}_-]`)
)

var months = map[string]time.Month{
	"jan": time.January, "january": time.January, "januar": time.January, "jänner": time.January,
	"feb": time.February, "february": time.February, "februar": time.February,
	"mar": time.March, "march": time.March, "mär": time.March, "märz": time.March, "maerz": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May, "mai": time.May,
	"jun": time.June, "june": time.June, "juni": time.June,
	"jul": time.July, "july": time.July, "juli": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October, "okt": time.October, "oktober": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December, "dez": time.December, "dezember": time.December,
}

// New builds an Extractor. Empty cue lists fall back to English defaults.
func New(cfg Config) *Extractor {
	if len(cfg.DateCues) == 0 {
		cfg.DateCues = []string{"date"}
	}
	if len(cfg.TimeCues) == 0 {
		cfg.TimeCues = []string{"time"}
	}
	if len(cfg.TagCues) == 0 {
		cfg.TagCues = []string{"tag", "tags"}
	}
	if cfg.TagWindow < 10 {
		cfg.TagWindow = 400
	}

	nl := when.New(nil)
	nl.Add(en.All...)
	nl.Add(common.All...)

	tags := alternation(cfg.TagCues)
	return &Extractor{
		cfg:     cfg,
		nl:      nl,
		dateCue: regexp.MustCompile(`(?i)\b(?:` + alternation(cfg.DateCues) + `)\b[ \t]*:?[ \t]*`),
		timeCue: regexp.MustCompile(`(?i)\b(?:` + alternation(cfg.TimeCues) + `)\b[ \t]*:?[ \t]*` +
			`(\d{1,2})[ \t]*(?:[:.]|uhr)[ \t]*(\d{2})(?:[ \t]*(uhr|h|am|pm)\b)?`),
		tagCue:  regexp.MustCompile(`(?i)\b(?:` + tags + `)\b[ \t]*:?[ \t]*([\p{L}\p{N}_-]+(?:[ \t]*,[ \t]*[\p{L}\p{N}_-]+)*)`),
		trailer: regexp.MustCompile(`(?i)\b(?:` + tags + `)\b[:\s.,]+([^\n]*)$`),
	}
}

func alternation(words []string) string {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	return strings.Join(quoted, "|")
}

// Extract never fails: unparseable input yields the fallback date and no tags.
func (e *Extractor) Extract(text, filename string, fallback time.Time) Result {
	res := Result{}
	trailerTags, clean := e.cutTrailer(text)

	markerDate, clean := e.dateFromMarker(clean, fallback)
	markerTime, clean := e.timeFromMarker(clean)
	fileDate, fileTime := dateFromFilename(filename)

	switch {
	case fileDate != "":
		res.Date, res.DateSource = fileDate, SourceFilename
	case markerDate != "":
		res.Date, res.DateSource = markerDate, SourceMarker
	default:
		res.Date, res.DateSource = fallback.Format(DateLayout), SourceFallback
	}
	res.Time = markerTime
	if res.Time == "" {
		res.Time = fileTime
	}

	res.Tags = dedupe(append(e.inlineTags(clean), trailerTags...))
	res.Focus = e.hasFocus(text, res.Tags)
	res.CleanText = tidy(clean)
	return res
}

// cutTrailer removes a tag list at the very end of the text, searching only
// the trailing window.
func (e *Extractor) cutTrailer(text string) ([]string, string) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	start := len(trimmed) - e.cfg.TagWindow
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(trimmed[start]) {
		start--
	}
	window := trimmed[start:]

	loc := e.trailer.FindStringSubmatchIndex(window)
	if loc == nil {
		loc = hashTrailer.FindStringSubmatchIndex(window)
	}
	if loc == nil {
		return nil, text
	}

	raw := strings.TrimRight(strings.TrimSpace(window[loc[2]:loc[3]]), ".!?")
	var tags []string
	for _, w := range tagSplit.Split(raw, -1) {
		if w = tagClean.ReplaceAllString(w, ""); w != "" {
			tags = append(tags, w)
		}
	}
	if len(tags) == 0 {
		return nil, text
	}
	return tags, strings.TrimRight(trimmed[:start+loc[0]], " ,.\t\r\n")
}

func (e *Extractor) inlineTags(text string) []string {
	type hit struct {
		pos int
		tag string
	}
	var hits []hit
	for _, m := range e.tagCue.FindAllStringSubmatchIndex(text, -1) {
		for _, w := range strings.Split(text[m[2]:m[3]], ",") {
			hits = append(hits, hit{pos: m[0], tag: strings.TrimSpace(w)})
		}
	}
	for _, m := range hashtagRe.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{pos: m[2], tag: text[m[2]:m[3]]})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.tag)
	}
	return out
}

func (e *Extractor) hasFocus(text string, tags []string) bool {
	if e.cfg.Focus != "" && strings.Contains(strings.ToLower(text), strings.ToLower(e.cfg.Focus)) {
		return true
	}
	for _, t := range tags {
		if t == "focus" {
			return true
		}
	}
	return false
}

// dateFromMarker looks for "<cue>: <phrase>" and parses the phrase with
// explicit layouts first, then as natural language relative to base.
func (e *Extractor) dateFromMarker(text string, base time.Time) (string, string) {
	for _, loc := range e.dateCue.FindAllStringIndex(text, -1) {
		rest := text[loc[1]:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[:nl]
		}
		if d, n, ok := parseExplicit(rest); ok {
			return d, text[:loc[0]] + text[loc[1]+n:]
		}
		r, err := e.nl.Parse(rest, base)
		if err != nil || r == nil || r.Index > 1 {
			continue
		}
		end := loc[1] + r.Index + len(r.Text)
		return r.Time.Format(DateLayout), text[:loc[0]] + text[end:]
	}
	return "", text
}

func parseExplicit(s string) (string, int, bool) {
	for i, re := range explicitDate {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		var (
			y, d int
			mo   time.Month
		)
		switch i {
		case 0:
			y, _ = strconv.Atoi(m[1])
			n, _ := strconv.Atoi(m[2])
			mo = time.Month(n)
			d, _ = strconv.Atoi(m[3])
		case 1:
			d, _ = strconv.Atoi(m[1])
			n, _ := strconv.Atoi(m[2])
			mo = time.Month(n)
			y, _ = strconv.Atoi(m[3])
		case 2:
			d, _ = strconv.Atoi(m[1])
			mo = months[strings.ToLower(m[2])]
			y, _ = strconv.Atoi(m[3])
		case 3:
			mo = months[strings.ToLower(m[1])]
			d, _ = strconv.Atoi(m[2])
			y, _ = strconv.Atoi(m[3])
		}
		if y < 100 {
			y += 2000
		}
		if date, ok := calendarDate(y, mo, d); ok {
			return date, len(m[0]), true
		}
	}
	return "", 0, false
}

func (e *Extractor) timeFromMarker(text string) (string, string) {
	m := e.timeCue.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text
	}
	h, _ := strconv.Atoi(text[m[2]:m[3]])
	mi, _ := strconv.Atoi(text[m[4]:m[5]])
	if m[6] >= 0 {
		switch strings.ToLower(text[m[6]:m[7]]) {
		case "pm":
			if h < 12 {
				h += 12
			}
		case "am":
			if h == 12 {
				h = 0
			}
		}
	}
	if h > 23 || mi > 59 {
		return "", text
	}
	return clock(h, mi), text[:m[0]] + text[m[1]:]
}

func dateFromFilename(name string) (string, string) {
	name = baseName(name)
	for _, p := range filenamePatterns {
		m := p.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if p.twoDigit {
			y += 2000
		}
		date, ok := calendarDate(y, time.Month(mo), d)
		if !ok {
			continue
		}
		if !p.withTime {
			return date, ""
		}
		h, _ := strconv.Atoi(m[4])
		mi, _ := strconv.Atoi(m[5])
		if h > 23 || mi > 59 {
			return date, ""
		}
		return date, clock(h, mi)
	}
	return "", ""
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// calendarDate rejects dates like Feb 30 that time.Date would normalize.
func calendarDate(y int, mo time.Month, d int) (string, bool) {
	if y < 1900 || y > 2199 || mo < time.January || mo > time.December || d < 1 {
		return "", false
	}
	t := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	if t.Month() != mo || t.Day() != d {
		return "", false
	}
	return t.Format(DateLayout), true
}

func clock(h, m int) string {
	return strconv.Itoa(h/10) + strconv.Itoa(h%10) + ":" + strconv.Itoa(m/10) + strconv.Itoa(m%10)
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func tidy(text string) string {
	text = strings.TrimSpace(text)
	text = leadingJunk.ReplaceAllString(text, "")
	r, size := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}
