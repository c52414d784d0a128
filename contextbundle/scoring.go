// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package contextbundle

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// stopwords excluded from lexical overlap so filler does not inflate
// similarity.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "and": {},
	"or": {}, "it": {}, "this": {}, "that": {}, "what": {}, "which": {},
	"how": {}, "why": {}, "when": {}, "where": {}, "who": {}, "do": {},
	"does": {}, "did": {}, "can": {}, "could": {}, "with": {}, "about": {},
}

// tokenize lowercases and splits on non-letter/digit runs, dropping
// stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, skip := stopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

// lexicalOverlap is the fraction of distinct query tokens present in
// the candidate text. Returns a value in [0,1].
func lexicalOverlap(query, candidate string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}

	candidateSet := make(map[string]struct{})
	for _, t := range tokenize(candidate) {
		candidateSet[t] = struct{}{}
	}

	seen := make(map[string]struct{}, len(queryTokens))
	matched := 0
	for _, t := range queryTokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := candidateSet[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}

// decay maps age to (0,1] with the given half-life.
func decay(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / halfLife.Hours())
}

// truncateAtSentence cuts text to at most max bytes, preferring the
// last sentence boundary, falling back to the last word boundary. An
// empty string means nothing useful fits.
func truncateAtSentence(text string, max int) string {
	if len(text) <= max {
		return text
	}
	if max <= 0 {
		return ""
	}

	cut := text[:max]
	// Avoid slicing mid-rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}

	if idx := strings.LastIndexAny(cut, ".!?"); idx > max/4 {
		return strings.TrimSpace(cut[:idx+1])
	}
	if idx := strings.LastIndexByte(cut, ' '); idx > max/4 {
		return strings.TrimSpace(cut[:idx])
	}
	return strings.TrimSpace(cut)
}
