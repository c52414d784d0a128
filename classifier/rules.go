// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package classifier

import (
	"strings"

	"studymesh/platform/shared/types"
)

// Keyword tables for the heuristic pass. Matching is lowercase substring
// or prefix, deterministic, first-match-wins in the order checked.

var factualPrefixes = []string{
	"what is", "what are", "what was", "what were",
	"when did", "when was", "when is",
	"where is", "where was", "where did",
	"who is", "who was", "who invented", "who discovered",
	"how many", "how much", "how does", "how do", "how did",
	"why does", "why do", "why is", "why did",
	"define", "explain", "describe", "compare", "calculate",
	"list", "name the",
}

var conversationalPhrases = []string{
	"hello", "hi there", "hey", "good morning", "good evening",
	"thanks", "thank you", "that helps", "got it", "makes sense",
	"can you repeat", "say that again", "never mind", "ok",
	"how are you",
}

var personalPhrases = []string{
	"my progress", "my score", "my grade", "my results",
	"my study plan", "my schedule", "my subscription", "my account",
	"remember that i", "remind me", "last time we", "we discussed",
	"i told you", "you said earlier",
}

var highRiskPhrases = []string{
	"medication", "dosage", "diagnosis", "symptom", "treatment",
	"side effect", "overdose", "self-harm", "suicide",
	"legal advice", "lawsuit", "contract", "liability",
	"invest", "stock tip", "tax return", "loan",
	"explosive", "weapon", "poison",
}

var elevatedRiskPhrases = []string{
	"exam answer", "final exam", "certification", "diploma",
	"medical", "anatomy", "chemistry experiment", "electrical",
	"historical controversy", "statistics claim",
}

func classifyCategory(text string) types.QueryCategory {
	lower := strings.ToLower(text)

	for _, p := range personalPhrases {
		if strings.Contains(lower, p) {
			return types.CategoryPersonal
		}
	}

	for _, p := range factualPrefixes {
		if strings.HasPrefix(lower, p) {
			return types.CategoryFactual
		}
	}

	// Short chit-chat with no question mark.
	if !strings.Contains(lower, "?") && len(lower) < 80 {
		for _, p := range conversationalPhrases {
			if strings.Contains(lower, p) {
				return types.CategoryConversational
			}
		}
	}

	// A question we could not place by prefix still reads factual.
	if strings.HasSuffix(strings.TrimSpace(lower), "?") {
		for _, p := range factualPrefixes {
			if strings.Contains(lower, p) {
				return types.CategoryFactual
			}
		}
	}

	return types.CategoryAmbiguous
}

func classifyRisk(text string, category types.QueryCategory) types.RiskLevel {
	lower := strings.ToLower(text)

	for _, p := range highRiskPhrases {
		if strings.Contains(lower, p) {
			return types.RiskHigh
		}
	}
	for _, p := range elevatedRiskPhrases {
		if strings.Contains(lower, p) {
			return types.RiskMedium
		}
	}

	switch category {
	case types.CategoryConversational:
		return types.RiskLow
	case types.CategoryFactual, types.CategoryPersonal, types.CategoryAmbiguous:
		return types.RiskMedium
	}
	return types.RiskMedium
}
