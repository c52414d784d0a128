// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package contextbundle

import (
	"strings"

	"studymesh/platform/shared/types"
)

const basePersona = "You are a study assistant. Answer accurately and concisely. " +
	"Ground your answer in the verified facts when they are provided. " +
	"If you are not sure, say so rather than guessing."

// BuildPrompt renders the sanitized question, the bundle, and any
// personalization directives into the system and user prompts sent to
// a provider. Directives come from previous turns; they bias phrasing
// and depth but never rewrite the current answer.
func BuildPrompt(question string, bundle *types.ContextBundle, directives []string) (systemPrompt, userPrompt string) {
	var sys strings.Builder
	sys.WriteString(basePersona)

	if len(directives) > 0 {
		sys.WriteString("\n\nAdapt your style for this student:")
		for _, d := range directives {
			sys.WriteString("\n- ")
			sys.WriteString(d)
		}
	}

	var usr strings.Builder

	if bundle != nil && len(bundle.KnowledgeFacts) > 0 {
		usr.WriteString("Verified facts:\n")
		for _, f := range bundle.KnowledgeFacts {
			usr.WriteString("- ")
			usr.WriteString(f.Fact)
			usr.WriteString("\n")
		}
		usr.WriteString("\n")
	}

	if bundle != nil && len(bundle.MemoryItems) > 0 {
		usr.WriteString("Earlier conversation:\n")
		for _, m := range bundle.MemoryItems {
			usr.WriteString("- ")
			usr.WriteString(m.Content)
			usr.WriteString("\n")
		}
		usr.WriteString("\n")
	}

	usr.WriteString("Question: ")
	usr.WriteString(question)

	return sys.String(), usr.String()
}
