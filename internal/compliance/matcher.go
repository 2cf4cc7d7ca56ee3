package compliance

import (
	"strings"
	"unicode"
)

// Matcher picks the control an entry is judged against.
type Matcher interface {
	Match(controls []Control, entry Entry) Control
}

// KeywordMatcher scores controls by how many of their keywords (or title
// words when a control has no keywords) occur in the entry's text. The
// highest score wins, ties go to catalog order, and an entry that matches
// nothing is judged against the first control.
type KeywordMatcher struct{}

func (KeywordMatcher) Match(controls []Control, entry Entry) Control {
	if len(controls) == 0 {
		return Control{}
	}
	words := entryWords(entry)
	best, bestScore := 0, 0
	for i, c := range controls {
		score := 0
		for _, kw := range controlTerms(c) {
			if words[kw] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return controls[best]
}

func controlTerms(c Control) []string {
	if len(c.Keywords) > 0 {
		out := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				out = append(out, k)
			}
		}
		return out
	}
	var out []string
	for _, w := range tokenize(c.Title) {
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

func entryWords(e Entry) map[string]bool {
	words := make(map[string]bool)
	add := func(s string) {
		for _, w := range tokenize(s) {
			words[w] = true
		}
	}
	add(e.Group)
	add(e.Name)
	for k, v := range e.Fields {
		add(k)
		add(v)
	}
	return words
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
