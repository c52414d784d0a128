// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package compliance implements the rule-evaluation gate that can
// block, redact, or annotate a validated response before emission, and
// the asynchronous audit trail every decision is appended to.
package compliance

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// SafeCompletionMessage replaces blocked content. Raw draft text never
// reaches the user once a mandatory rule blocks.
const SafeCompletionMessage = "I can't share that answer under the data-handling rules that apply " +
	"to your account. Please ask your question again without personal details, " +
	"or contact support if you believe this is a mistake."

// RuleInput is what each rule evaluates.
type RuleInput struct {
	Query *types.Query
	Text  string
}

// RuleResult is one rule's verdict on a response.
type RuleResult struct {
	Action     types.RuleAction
	Spans      []types.Span // redaction spans for ActionMask
	Detail     string
	Applicable bool // false means the rule did not apply to this query
}

// Rule is one named requirement inside a framework.
type Rule interface {
	ID() string
	Mandatory() bool
	Evaluate(in RuleInput) RuleResult
}

// Framework is a named set of rules that applies, or not, per query.
type Framework struct {
	Name  string
	Rules []Rule
}

// Auditor receives every decision. Appends must not block the
// response path.
type Auditor interface {
	Append(decision types.ComplianceDecision)
}

// Gate evaluates all configured frameworks against a response.
type Gate struct {
	frameworks []Framework
	auditor    Auditor
	log        *logger.Logger
	now        func() time.Time
}

// NewGate creates a gate over the given frameworks. A nil auditor
// disables the audit trail (tests only).
func NewGate(frameworks []Framework, auditor Auditor, log *logger.Logger) *Gate {
	return &Gate{
		frameworks: frameworks,
		auditor:    auditor,
		log:        log,
		now:        time.Now,
	}
}

// DefaultFrameworks returns the rule sets evaluated in production:
// consent-gated handling for minors, purpose limitation in regulated
// jurisdictions, and baseline PII redaction.
func DefaultFrameworks() []Framework {
	return []Framework{
		{Name: "coppa-minors", Rules: []Rule{&minorConsentRule{}}},
		{Name: "gdpr-purpose", Rules: []Rule{&purposeLimitationRule{}}},
		{Name: "pii-baseline", Rules: []Rule{newPIIRedactionRule()}},
	}
}

// Evaluate runs every applicable rule, applies block and mask actions
// to the text, and appends the decision to the audit trail. The
// returned text is what may be emitted; when the decision disallows,
// it is the safe completion message.
func (g *Gate) Evaluate(ctx context.Context, query *types.Query, text string) (types.ComplianceDecision, string) {
	decision := types.ComplianceDecision{
		ID:          uuid.New().String(),
		QueryID:     query.ID,
		Allowed:     true,
		EvaluatedAt: g.now(),
	}

	finalText := text
	blocked := false

	for _, fw := range g.frameworks {
		for _, rule := range fw.Rules {
			result := rule.Evaluate(RuleInput{Query: query, Text: text})
			if !result.Applicable {
				continue
			}

			switch result.Action {
			case types.ActionBlock:
				blocked = true
				decision.ViolatedRules = append(decision.ViolatedRules, rule.ID())
				if rule.Mandatory() {
					decision.Allowed = false
				}
			case types.ActionMask:
				decision.Redactions = append(decision.Redactions, result.Spans...)
			case types.ActionWarn:
				decision.ViolatedRules = append(decision.ViolatedRules, rule.ID())
				g.log.Warn(query.UserID, query.ID, "compliance warning", map[string]interface{}{
					"rule":   rule.ID(),
					"detail": result.Detail,
				})
			case types.ActionLog:
				g.log.Info(query.UserID, query.ID, "compliance note", map[string]interface{}{
					"rule":   rule.ID(),
					"detail": result.Detail,
				})
			}
		}
	}

	switch {
	case blocked:
		finalText = SafeCompletionMessage
	case len(decision.Redactions) > 0:
		finalText = redact(text, decision.Redactions)
	}

	if g.auditor != nil {
		g.auditor.Append(decision)
	}

	g.log.Debug(query.UserID, query.ID, "compliance evaluated", map[string]interface{}{
		"decision_id": decision.ID,
		"allowed":     decision.Allowed,
		"redactions":  len(decision.Redactions),
		"violations":  len(decision.ViolatedRules),
	})

	return decision, finalText
}

const redactionPlaceholder = "[REDACTED]"

// redact replaces each span with the placeholder. Spans are applied
// back to front so earlier offsets stay valid, and overlapping spans
// are merged first.
func redact(text string, spans []types.Span) string {
	merged := mergeSpans(spans)
	out := []byte(text)
	for i := len(merged) - 1; i >= 0; i-- {
		s := merged[i]
		if s.Start < 0 || s.End > len(out) || s.Start >= s.End {
			continue
		}
		out = append(out[:s.Start], append([]byte(redactionPlaceholder), out[s.End:]...)...)
	}
	return string(out)
}

func mergeSpans(spans []types.Span) []types.Span {
	if len(spans) <= 1 {
		return spans
	}
	sorted := make([]types.Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := sorted[:1]
	for _, s := range sorted[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
