// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package validator

import (
	"strings"
	"unicode"

	"studymesh/platform/shared/types"
)

var fillerWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "and": {},
	"or": {}, "it": {}, "this": {}, "that": {}, "with": {}, "as": {}, "by": {},
}

func tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, skip := fillerWords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

// tokenOverlap is |A ∩ B| / min(|A|, |B|) over distinct content tokens.
// 1.0 means one statement's vocabulary is contained in the other's.
func tokenOverlap(a, b string) float64 {
	setA := toSet(tokens(a))
	setB := toSet(tokens(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	small, large := setA, setB
	if len(setB) < len(setA) {
		small, large = setB, setA
	}

	matched := 0
	for t := range small {
		if _, ok := large[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(small))
}

func toSet(ts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		set[t] = struct{}{}
	}
	return set
}

// detectContradictions compares every claim pair. Two claims that share
// most of their vocabulary but disagree in polarity or numbers are
// flagged, scored by their lexical similarity.
func detectContradictions(claims []string) []types.Contradiction {
	var out []types.Contradiction
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			overlap := tokenOverlap(claims[i], claims[j])
			if overlap < 0.6 {
				continue
			}
			if conflicts(claims[i], claims[j]) {
				out = append(out, types.Contradiction{
					ClaimA: claims[i],
					ClaimB: claims[j],
					Score:  overlap,
				})
			}
		}
	}
	return out
}

// factAgreement averages fact-check verdicts into [0,1]. With no
// results the signal is neutral.
func factAgreement(results []types.FactCheckResult) float64 {
	if len(results) == 0 {
		return 0.5
	}
	total := 0.0
	for _, r := range results {
		switch r.Verdict {
		case types.VerdictSupported:
			total += 1.0
		case types.VerdictUnverifiable:
			total += 0.5
		case types.VerdictUnsupported:
			total += 0.25
		case types.VerdictContradicted:
			// counts zero
		}
	}
	return total / float64(len(results))
}

// contextGrounding measures how much of the draft's vocabulary appears
// in the assembled context. An empty or degraded bundle is neutral.
func contextGrounding(text string, bundle *types.ContextBundle) float64 {
	if bundle == nil || (len(bundle.KnowledgeFacts) == 0 && len(bundle.MemoryItems) == 0) {
		return 0.5
	}

	var b strings.Builder
	for _, f := range bundle.KnowledgeFacts {
		b.WriteString(f.Fact)
		b.WriteString(" ")
	}
	for _, m := range bundle.MemoryItems {
		b.WriteString(m.Content)
		b.WriteString(" ")
	}
	return tokenOverlap(text, b.String())
}

// internalConsistency degrades with the strongest detected
// contradiction.
func internalConsistency(contradictions []types.Contradiction) float64 {
	worst := 0.0
	for _, c := range contradictions {
		if c.Score > worst {
			worst = c.Score
		}
	}
	return clamp(1 - worst)
}
