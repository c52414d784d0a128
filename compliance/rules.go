// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package compliance

import (
	"fmt"
	"regexp"
	"strings"

	"studymesh/platform/shared/types"
)

// minorConsentRule blocks responses for minors whose account has no
// recorded consent for data handling. Mandatory.
type minorConsentRule struct{}

func (r *minorConsentRule) ID() string      { return "coppa-minors/consent-required" }
func (r *minorConsentRule) Mandatory() bool { return true }

func (r *minorConsentRule) Evaluate(in RuleInput) RuleResult {
	if in.Query.Context.AgeGroup != types.AgeGroupMinor {
		return RuleResult{}
	}
	if in.Query.Context.ConsentGranted {
		return RuleResult{Applicable: true, Action: types.ActionLog, Detail: "minor with recorded consent"}
	}
	return RuleResult{
		Applicable: true,
		Action:     types.ActionBlock,
		Detail:     "minor without recorded consent",
	}
}

// regulatedJurisdictions are the regions where purpose limitation
// applies to sensitive data.
var regulatedJurisdictions = map[string]struct{}{
	"eu": {}, "uk": {}, "br": {}, "in": {},
}

// purposeLimitationRule enforces purpose limitation in regulated
// jurisdictions: sensitive-classified queries are blocked, everything
// else is logged for the audit trail. Mandatory.
type purposeLimitationRule struct{}

func (r *purposeLimitationRule) ID() string      { return "gdpr-purpose/purpose-limitation" }
func (r *purposeLimitationRule) Mandatory() bool { return true }

func (r *purposeLimitationRule) Evaluate(in RuleInput) RuleResult {
	jurisdiction := strings.ToLower(in.Query.Context.Jurisdiction)
	if _, regulated := regulatedJurisdictions[jurisdiction]; !regulated {
		return RuleResult{}
	}

	if strings.EqualFold(in.Query.Context.DataClassification, "sensitive") {
		return RuleResult{
			Applicable: true,
			Action:     types.ActionBlock,
			Detail:     fmt.Sprintf("sensitive data processing in %s requires an approved purpose", jurisdiction),
		}
	}
	return RuleResult{
		Applicable: true,
		Action:     types.ActionLog,
		Detail:     "regulated jurisdiction, non-sensitive classification",
	}
}

// piiPattern pairs a label with its detection regex.
type piiPattern struct {
	label   string
	pattern *regexp.Regexp
}

// piiRedactionRule masks emails, phone numbers, and SSNs that a
// provider may have echoed into a response. Mandatory, but masking
// keeps the response allowed.
type piiRedactionRule struct {
	patterns []piiPattern
}

func newPIIRedactionRule() *piiRedactionRule {
	return &piiRedactionRule{patterns: []piiPattern{
		{
			label:   "email",
			pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		},
		{
			label:   "ssn",
			pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
		{
			label:   "phone",
			pattern: regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
		},
	}}
}

func (r *piiRedactionRule) ID() string      { return "pii-baseline/redact-identifiers" }
func (r *piiRedactionRule) Mandatory() bool { return true }

func (r *piiRedactionRule) Evaluate(in RuleInput) RuleResult {
	var spans []types.Span
	for _, p := range r.patterns {
		for _, loc := range p.pattern.FindAllStringIndex(in.Text, -1) {
			spans = append(spans, types.Span{Start: loc[0], End: loc[1]})
		}
	}
	if len(spans) == 0 {
		return RuleResult{}
	}
	return RuleResult{
		Applicable: true,
		Action:     types.ActionMask,
		Spans:      spans,
		Detail:     fmt.Sprintf("%d identifier(s) redacted", len(spans)),
	}
}
