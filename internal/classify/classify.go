// Package classify maps text to a configured content type by keyword.
package classify

import (
	"errors"
	"strings"

	"github.com/starford/ansuz/internal/models"
)

// ErrNoMatchingType is returned when no rule matches and no default exists.
var ErrNoMatchingType = errors.New("classify: no matching content type")

// Classifier evaluates rules in configured order. It is immutable and safe for
// concurrent use.
type Classifier struct {
	rules  []rule
	byName map[string]*models.ContentType
	def    *models.ContentType
	window int
}

type rule struct {
	ct       *models.ContentType
	keywords []string
}

// New builds a Classifier. defaultType may be empty. window limits matching to
// the first N characters of the normalized text; 0 scans everything.
func New(types []models.ContentType, defaultType string, window int) *Classifier {
	c := &Classifier{
		byName: make(map[string]*models.ContentType, len(types)),
		window: window,
	}
	for i := range types {
		ct := &types[i]
		kws := make([]string, 0, len(ct.Keywords))
		for _, k := range ct.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		c.rules = append(c.rules, rule{ct: ct, keywords: kws})
		c.byName[strings.ToLower(ct.Name)] = ct
	}
	if defaultType != "" {
		c.def = c.byName[strings.ToLower(defaultType)]
	}
	return c
}

// Classify returns the first rule with a keyword contained in text, the
// default rule when nothing matches, or ErrNoMatchingType.
func (c *Classifier) Classify(text string) (*models.ContentType, error) {
	scan := c.normalize(text)
	for _, r := range c.rules {
		for _, k := range r.keywords {
			if strings.Contains(scan, k) {
				return r.ct, nil
			}
		}
	}
	if c.def != nil {
		return c.def, nil
	}
	return nil, ErrNoMatchingType
}

// ByName resolves a rule by its type name, case-insensitively.
func (c *Classifier) ByName(name string) (*models.ContentType, bool) {
	ct, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return ct, ok
}

// Default returns the default rule, or nil.
func (c *Classifier) Default() *models.ContentType {
	return c.def
}

func (c *Classifier) normalize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if c.window > 0 {
		r := []rune(text)
		if len(r) > c.window {
			text = string(r[:c.window])
		}
	}
	return strings.ToLower(text)
}
