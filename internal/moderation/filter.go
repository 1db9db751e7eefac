// Package moderation provides content screening for session messages.
// Messages are never dropped by the engine; a flagged message is stored with
// its moderated marker set so reviewers see what triage saw.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of screening one message.
type FilterResult struct {
	Flagged bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// Filter screens text against a keyword blocklist and spam heuristics.
// Single-word terms match on word boundaries; multi-word phrases match as
// boundary-delimited substrings. Matching is case-insensitive and applies a
// leetspeak normalization pass first.
type Filter struct {
	words   map[string]bool
	phrases []string
}

// defaultTerms is the built-in blocklist: self-harm incitement, exploitation,
// and common scam bait.
var defaultTerms = []string{
	"kill yourself",
	"go die",
	"child porn",
	"send nudes",
	"free bitcoin",
	"free crypto",
	"bomb threat",
}

// NewFilter creates a filter with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a filter with a custom blocklist. Empty and
// whitespace-only terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]bool)}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsRune(term, ' ') {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = true
		}
	}
	return f
}

// Check screens text and returns the first blocklist or spam hit.
func (f *Filter) Check(text string) FilterResult {
	normalized := normalizeLeet(strings.ToLower(text))

	for _, word := range fields(normalized) {
		if f.words[word] {
			return FilterResult{Flagged: true, Reason: "blocked_keyword", Term: word}
		}
	}

	for _, phrase := range f.phrases {
		if containsPhrase(normalized, phrase) {
			return FilterResult{Flagged: true, Reason: "blocked_keyword", Term: phrase}
		}
	}

	return f.checkSpamPatterns(text)
}

// leetReplacer maps common character substitutions back to letters before
// blocklist matching.
var leetReplacer = strings.NewReplacer(
	"@", "a",
	"$", "s",
	"0", "o",
	"1", "i",
	"3", "e",
	"!", "i",
	"4", "a",
	"5", "s",
	"7", "t",
)

func normalizeLeet(text string) string {
	return leetReplacer.Replace(text)
}

// fields splits normalized text into words, treating punctuation (other than
// intra-word characters) as delimiters.
func fields(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// containsPhrase reports whether phrase occurs in text delimited by word
// boundaries, so "kill yourselves" does not match the phrase "kill yourself".
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordRune(rune(text[start-1]))
		afterOK := end == len(text) || !isWordRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
