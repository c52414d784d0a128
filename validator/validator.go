// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package validator implements the third pipeline layer: sanity checks,
// claim extraction, contradiction detection, fact checking against the
// verified corpus, and composite confidence scoring.
package validator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"studymesh/platform/knowledge"
	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// Weights combines the four confidence signals. They should sum to 1.
type Weights struct {
	Fact        float64 `yaml:"fact"`
	Context     float64 `yaml:"context"`
	Consistency float64 `yaml:"consistency"`
	Methodology float64 `yaml:"methodology"`
}

// Config is the validation policy.
type Config struct {
	Weights Weights `yaml:"weights"`

	// RejectionThreshold is the confidence floor. Scores below it
	// trigger a regeneration retry upstream.
	RejectionThreshold float64 `yaml:"rejection_threshold"`

	// MinLength and MaxLength bound acceptable response sizes.
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`

	// MaxParallelChecks bounds concurrent fact-check lookups.
	MaxParallelChecks int `yaml:"max_parallel_checks"`

	// MaxClaims caps how many extracted claims get fact-checked.
	MaxClaims int `yaml:"max_claims"`
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Fact:        0.3,
			Context:     0.25,
			Consistency: 0.25,
			Methodology: 0.2,
		},
		RejectionThreshold: 0.3,
		MinLength:          8,
		MaxLength:          32768,
		MaxParallelChecks:  4,
		MaxClaims:          10,
	}
}

// Validator produces one ValidationReport per draft that reaches Layer 3.
type Validator struct {
	facts knowledge.FactStore
	cfg   Config
	log   *logger.Logger
}

// New creates a validator. The fact store may be nil when enhanced
// validation is unavailable; enhanced requests then degrade to standard.
func New(facts knowledge.FactStore, cfg Config, log *logger.Logger) *Validator {
	d := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = d.Weights
	}
	if cfg.RejectionThreshold <= 0 {
		cfg.RejectionThreshold = d.RejectionThreshold
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = d.MinLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = d.MaxLength
	}
	if cfg.MaxParallelChecks <= 0 {
		cfg.MaxParallelChecks = d.MaxParallelChecks
	}
	if cfg.MaxClaims <= 0 {
		cfg.MaxClaims = d.MaxClaims
	}
	return &Validator{facts: facts, cfg: cfg, log: log}
}

// RejectionThreshold exposes the configured confidence floor.
func (v *Validator) RejectionThreshold() float64 {
	return v.cfg.RejectionThreshold
}

// Validate runs the depth-appropriate checks and computes the composite
// confidence score. providerReliability is the monitor-derived signal
// for the provider that produced the draft, in [0,1]. The draft text is
// never modified.
func (v *Validator) Validate(ctx context.Context, draft *types.DraftResponse, bundle *types.ContextBundle, cls types.Classification, providerReliability float64) (*types.ValidationReport, error) {
	depth := cls.RequiredValidationDepth
	if depth == types.DepthEnhanced && (v.facts == nil || bundle == nil || bundle.Degraded) {
		depth = types.DepthStandard
	}

	report := &types.ValidationReport{
		DraftResponseID: draft.ID,
		Depth:           depth,
	}

	report.Issues = v.sanityIssues(draft.Text)
	if hasCritical(report.Issues) {
		report.ConfidenceScore = 0
		return report, nil
	}

	if depth == types.DepthBasic {
		// Sanity passed; basic depth trusts the draft.
		report.ConfidenceScore = clamp(0.5 + 0.5*providerReliability)
		return report, nil
	}

	claims := extractClaims(draft.Text, v.cfg.MaxClaims)
	report.Contradictions = detectContradictions(claims)
	for _, c := range report.Contradictions {
		report.Issues = append(report.Issues, types.ValidationIssue{
			Kind:     types.IssueContradiction,
			Severity: types.SeverityWarning,
			Span:     spanOf(draft.Text, c.ClaimA),
			Detail:   fmt.Sprintf("conflicts with: %s", c.ClaimB),
		})
	}

	if depth == types.DepthEnhanced {
		results, err := v.checkClaims(ctx, claims)
		if err != nil {
			// Fact-store trouble mid-validation degrades, not fails.
			v.log.Warn("", draft.QueryID, "fact check unavailable, degrading to standard depth",
				map[string]interface{}{"error": err.Error()})
			report.Depth = types.DepthStandard
		} else {
			report.FactCheckResults = results
		}
	}

	report.ConfidenceScore = v.score(draft, bundle, cls, report, providerReliability)
	return report, nil
}

// checkClaims fans verified-fact lookups out with bounded parallelism
// and joins them into per-claim verdicts.
func (v *Validator) checkClaims(ctx context.Context, claims []string) ([]types.FactCheckResult, error) {
	if len(claims) == 0 {
		return nil, nil
	}

	results := make([]types.FactCheckResult, len(claims))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.MaxParallelChecks)

	for i, claim := range claims {
		i, claim := i, claim
		g.Go(func() error {
			candidates, err := v.facts.GetVerifiedFacts(gctx, []string{claim})
			if err != nil {
				return err
			}
			results[i] = judgeClaim(claim, candidates[claim])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// score combines the four weighted signals into [0,1]. A contradicted
// claim on a high-risk query forces the score under the rejection
// threshold regardless of the other signals.
func (v *Validator) score(draft *types.DraftResponse, bundle *types.ContextBundle, cls types.Classification, report *types.ValidationReport, providerReliability float64) float64 {
	w := v.cfg.Weights

	fact := factAgreement(report.FactCheckResults)
	grounding := contextGrounding(draft.Text, bundle)
	consistency := internalConsistency(report.Contradictions)
	methodology := clamp(providerReliability)

	score := w.Fact*fact + w.Context*grounding + w.Consistency*consistency + w.Methodology*methodology
	score = clamp(score)

	if cls.RiskLevel == types.RiskHigh && report.HasContradictedClaim() {
		forced := v.cfg.RejectionThreshold * 0.5
		if score > forced {
			score = forced
		}
	}

	return score
}

// sanityIssues is the basic-depth length and format check.
func (v *Validator) sanityIssues(text string) []types.ValidationIssue {
	trimmed := strings.TrimSpace(text)
	var issues []types.ValidationIssue

	switch {
	case trimmed == "":
		issues = append(issues, types.ValidationIssue{
			Kind:     types.IssueEmptyResponse,
			Severity: types.SeverityCritical,
			Detail:   "draft is empty",
		})
	case len(trimmed) < v.cfg.MinLength:
		issues = append(issues, types.ValidationIssue{
			Kind:     types.IssueTooShort,
			Severity: types.SeverityCritical,
			Span:     types.Span{Start: 0, End: len(trimmed)},
			Detail:   fmt.Sprintf("%d characters, minimum %d", len(trimmed), v.cfg.MinLength),
		})
	case len(trimmed) > v.cfg.MaxLength:
		issues = append(issues, types.ValidationIssue{
			Kind:     types.IssueTooLong,
			Severity: types.SeverityWarning,
			Span:     types.Span{Start: v.cfg.MaxLength, End: len(trimmed)},
			Detail:   fmt.Sprintf("%d characters, maximum %d", len(trimmed), v.cfg.MaxLength),
		})
	}

	if strings.Contains(text, "\x00") {
		issues = append(issues, types.ValidationIssue{
			Kind:     types.IssueMalformed,
			Severity: types.SeverityCritical,
			Detail:   "draft contains NUL bytes",
		})
	}

	return issues
}

func hasCritical(issues []types.ValidationIssue) bool {
	for _, i := range issues {
		if i.Severity == types.SeverityCritical {
			return true
		}
	}
	return false
}

func spanOf(text, claim string) types.Span {
	idx := strings.Index(text, claim)
	if idx < 0 {
		return types.Span{}
	}
	return types.Span{Start: idx, End: idx + len(claim)}
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
