package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

// Truncator shortens prompt input to a token budget. When the BPE ranks
// cannot be loaded it falls back to four runes per token.
type Truncator struct {
	max  int
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTruncator returns a Truncator for max tokens; max <= 0 disables it.
func NewTruncator(max int) *Truncator {
	return &Truncator{max: max}
}

// Truncate returns text cut to the token budget.
func (t *Truncator) Truncate(text string) string {
	if t == nil || t.max <= 0 || text == "" {
		return text
	}
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			t.enc = enc
		}
	})
	if t.enc == nil {
		r := []rune(text)
		if limit := t.max * 4; len(r) > limit {
			return string(r[:limit])
		}
		return text
	}
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= t.max {
		return text
	}
	return t.enc.Decode(ids[:t.max])
}
