package synth

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SegmentConfig bounds synthesis unit sizes in characters.
type SegmentConfig struct {
	// MinChars merges sentences shorter than this into the next one.
	MinChars int
	// MaxChars splits longer sentences at a clause or word boundary.
	MaxChars int
}

func (c SegmentConfig) withDefaults() SegmentConfig {
	if c.MinChars <= 0 {
		c.MinChars = 12
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 160
	}
	if c.MaxChars < c.MinChars {
		c.MaxChars = c.MinChars
	}
	return c
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n', '。', '！', '？', '；':
		return true
	}
	return false
}

// Segment splits text into sentence-sized synthesis units.
func Segment(text string, cfg SegmentConfig) []string {
	cfg = cfg.withDefaults()

	var sentences []string
	start := 0
	for i, r := range text {
		if !isTerminator(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		// Keep "3.5" and "e.g." together: a terminator must be followed by
		// space or the end of text.
		if r == '.' && end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(next) {
				continue
			}
		}
		sentences = append(sentences, text[start:end])
		start = end
	}
	sentences = append(sentences, text[start:])

	var units []string
	var pending strings.Builder
	flush := func() {
		s := strings.TrimSpace(pending.String())
		pending.Reset()
		if s != "" {
			units = append(units, splitLong(s, cfg.MaxChars)...)
		}
	}
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if pending.Len() > 0 {
			pending.WriteByte(' ')
		}
		pending.WriteString(s)
		if utf8.RuneCountInString(pending.String()) >= cfg.MinChars {
			flush()
		}
	}
	flush()
	return units
}

// splitLong breaks s into pieces of at most max runes, preferring commas,
// then spaces.
func splitLong(s string, max int) []string {
	var out []string
	for utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		cut := -1
		for i := max - 1; i > max/2; i-- {
			if runes[i] == ',' || runes[i] == '，' {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			for i := max - 1; i > 0; i-- {
				if unicode.IsSpace(runes[i]) {
					cut = i
					break
				}
			}
		}
		if cut <= 0 {
			cut = max
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		s = strings.TrimSpace(string(runes[cut:]))
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
