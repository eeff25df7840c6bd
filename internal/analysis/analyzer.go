// Package analysis turns raw query and field text into the ordered term
// sequences that statistics are keyed by. The same analyzer must be used at
// indexing and at query time.
package analysis

import (
	"strings"
	"unicode"

	"github.com/reiver/go-porterstemmer"
)

// Analyzer maps text to terms. Order and duplicates are preserved; empty
// text yields an empty (non-nil not required) slice.
type Analyzer interface {
	Analyze(text string) []string
}

// Func adapts a plain function to Analyzer.
type Func func(text string) []string

func (f Func) Analyze(text string) []string { return f(text) }

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "to": {},
	"was": {}, "will": {}, "with": {},
}

// Standard lower-cases, splits on anything that is not a letter or digit,
// drops single-character tokens and English stop words, and Porter-stems
// what remains.
type Standard struct{}

func (Standard) Analyze(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(words))
	for _, word := range words {
		if len([]rune(word)) < 2 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if stemmed := porterstemmer.StemString(word); stemmed != "" {
			terms = append(terms, stemmed)
		}
	}
	return terms
}

// Whitespace lower-cases and splits on white space only. Useful for
// pre-analyzed input.
type Whitespace struct{}

func (Whitespace) Analyze(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// ByName returns the analyzer configured under name ("standard" or
// "whitespace"); anything else yields Standard.
func ByName(name string) Analyzer {
	if strings.EqualFold(strings.TrimSpace(name), "whitespace") {
		return Whitespace{}
	}
	return Standard{}
}
