// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package validator

import (
	"strings"
	"unicode"

	"studymesh/platform/shared/types"
)

// extractClaims splits draft text into declarative sentences worth
// checking. Questions, fragments, and hedged meta-statements are not
// claims.
func extractClaims(text string, max int) []string {
	var claims []string
	for _, s := range splitSentences(text) {
		s = strings.TrimSpace(s)
		if len(s) < 15 {
			continue
		}
		if strings.HasSuffix(s, "?") {
			continue
		}
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, "i'm not sure") ||
			strings.HasPrefix(lower, "i am not sure") ||
			strings.HasPrefix(lower, "it depends") {
			continue
		}
		claims = append(claims, s)
		if len(claims) >= max {
			break
		}
	}
	return claims
}

// splitSentences breaks text on sentence terminators, keeping the
// terminator attached.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// judgeClaim compares one claim against its candidate verified facts.
func judgeClaim(claim string, facts []types.KnowledgeFact) types.FactCheckResult {
	result := types.FactCheckResult{Claim: claim, Verdict: types.VerdictUnverifiable}
	if len(facts) == 0 {
		return result
	}

	bestOverlap := 0.0
	var best types.KnowledgeFact
	for _, f := range facts {
		if o := tokenOverlap(claim, f.Fact); o > bestOverlap {
			bestOverlap = o
			best = f
		}
	}

	switch {
	case bestOverlap >= 0.6:
		if conflicts(claim, best.Fact) {
			result.Verdict = types.VerdictContradicted
		} else {
			result.Verdict = types.VerdictSupported
		}
		result.SupportingSourceID = best.SourceID
	case bestOverlap >= 0.3:
		result.Verdict = types.VerdictUnsupported
	}

	return result
}

// conflicts reports whether two lexically similar statements disagree,
// either by opposite polarity or by differing numeric values.
func conflicts(a, b string) bool {
	if negated(a) != negated(b) {
		return true
	}
	numsA, numsB := numbers(a), numbers(b)
	if len(numsA) > 0 && len(numsB) > 0 && !sameNumbers(numsA, numsB) {
		return true
	}
	return false
}

var negationWords = map[string]struct{}{
	"not": {}, "never": {}, "no": {}, "cannot": {}, "can't": {},
	"doesn't": {}, "don't": {}, "isn't": {}, "aren't": {}, "won't": {},
	"wasn't": {}, "weren't": {}, "nor": {}, "neither": {},
}

func negated(s string) bool {
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,;:!?")
		if _, ok := negationWords[t]; ok {
			return true
		}
	}
	return false
}

func numbers(s string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsDigit(r) || (r == '.' && b.Len() > 0) {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return out
}

func sameNumbers(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, n := range a {
		set[strings.TrimSuffix(n, ".")] = struct{}{}
	}
	for _, n := range b {
		if _, ok := set[strings.TrimSuffix(n, ".")]; ok {
			return true
		}
	}
	return false
}
