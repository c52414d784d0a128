// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package types defines the data model shared across the StudyMesh
// response-reliability pipeline. Each stage consumes the artifacts of the
// previous stage and produces exactly one artifact of its own; the types
// here are the contract between stages.
package types

import (
	"time"
)

// Query is a single user study question entering the pipeline.
// Immutable once created.
type Query struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	SubmittedAt    time.Time `json:"submitted_at"`

	// Context carries the attributes the compliance gate evaluates.
	Context UserContext `json:"context"`
}

// UserContext holds the regulatory attributes attached to a query.
type UserContext struct {
	AgeGroup           AgeGroup `json:"age_group"`
	Jurisdiction       string   `json:"jurisdiction"`
	DataClassification string   `json:"data_classification,omitempty"`
	ConsentGranted     bool     `json:"consent_granted"`
}

// AgeGroup buckets users for compliance rules.
type AgeGroup string

const (
	AgeGroupMinor   AgeGroup = "minor"
	AgeGroupAdult   AgeGroup = "adult"
	AgeGroupUnknown AgeGroup = "unknown"
)

// QueryCategory classifies what kind of answer a query needs.
type QueryCategory string

const (
	CategoryFactual        QueryCategory = "factual"
	CategoryConversational QueryCategory = "conversational"
	CategoryPersonal       QueryCategory = "personal"
	CategoryAmbiguous      QueryCategory = "ambiguous"
)

// RiskLevel estimates the harm of a wrong answer.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ValidationDepth selects how much of Layer 3 runs for a query.
type ValidationDepth string

const (
	DepthBasic    ValidationDepth = "basic"
	DepthStandard ValidationDepth = "standard"
	DepthEnhanced ValidationDepth = "enhanced"
)

// Classification is produced once per Query by the classifier and
// consumed by every downstream stage.
type Classification struct {
	QueryID                 string          `json:"query_id"`
	Category                QueryCategory   `json:"category"`
	RiskLevel               RiskLevel       `json:"risk_level"`
	RequiredValidationDepth ValidationDepth `json:"required_validation_depth"`
	SanitizedText           string          `json:"sanitized_text"`
	Truncated               bool            `json:"truncated"`
}

// MemoryItem is one retrieved conversation-memory snippet.
type MemoryItem struct {
	Content        string    `json:"content"`
	RelevanceScore float64   `json:"relevance_score"`
	SourceID       string    `json:"source_id"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// KnowledgeFact is one verified fact from the knowledge store.
type KnowledgeFact struct {
	Fact             string  `json:"fact"`
	ReliabilityScore float64 `json:"reliability_score"`
	SourceID         string  `json:"source_id"`
}

// ContextBundle is the bounded set of memory and facts assembled to
// ground one request's prompt. MemoryItems are ordered descending by
// relevance score, ties broken by recency.
type ContextBundle struct {
	QueryID        string          `json:"query_id"`
	MemoryItems    []MemoryItem    `json:"memory_items"`
	KnowledgeFacts []KnowledgeFact `json:"knowledge_facts"`
	SizeBytes      int             `json:"size_bytes"`

	// Degraded is set when the knowledge store was unreachable and the
	// bundle was built empty; validation depth is reduced downstream.
	Degraded bool `json:"degraded"`
}

// Fingerprint returns a stable digest input for cache keying. It joins
// the source ids of everything packed into the bundle, so two bundles
// with identical content hash identically.
func (b *ContextBundle) Fingerprint() string {
	out := ""
	for _, m := range b.MemoryItems {
		out += m.SourceID + ";"
	}
	out += "|"
	for _, f := range b.KnowledgeFacts {
		out += f.SourceID + ";"
	}
	return out
}

// DraftResponse is one provider attempt's raw answer. Retries produce
// new DraftResponses linked by QueryID.
type DraftResponse struct {
	ID            string        `json:"id"`
	QueryID       string        `json:"query_id"`
	ProviderID    string        `json:"provider_id"`
	Text          string        `json:"text"`
	Model         string        `json:"model"`
	TokensUsed    int           `json:"tokens_used"`
	Latency       time.Duration `json:"latency"`
	AttemptNumber int           `json:"attempt_number"`
}

// IssueKind categorizes a validation issue.
type IssueKind string

const (
	IssueTooShort      IssueKind = "too_short"
	IssueTooLong       IssueKind = "too_long"
	IssueEmptyResponse IssueKind = "empty_response"
	IssueMalformed     IssueKind = "malformed"
	IssueContradiction IssueKind = "contradiction"
	IssueUngrounded    IssueKind = "ungrounded"
)

// IssueSeverity ranks validation issues.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// Span marks a byte range within response text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ValidationIssue is one problem found in a draft response.
type ValidationIssue struct {
	Kind     IssueKind     `json:"kind"`
	Severity IssueSeverity `json:"severity"`
	Span     Span          `json:"span"`
	Detail   string        `json:"detail,omitempty"`
}

// Contradiction records two claims within one draft that conflict.
type Contradiction struct {
	ClaimA string  `json:"claim_a"`
	ClaimB string  `json:"claim_b"`
	Score  float64 `json:"score"`
}

// Verdict is the outcome of checking one claim against verified facts.
type Verdict string

const (
	VerdictSupported    Verdict = "supported"
	VerdictUnsupported  Verdict = "unsupported"
	VerdictContradicted Verdict = "contradicted"
	VerdictUnverifiable Verdict = "unverifiable"
)

// FactCheckResult is the per-claim outcome of enhanced validation.
type FactCheckResult struct {
	Claim              string  `json:"claim"`
	Verdict            Verdict `json:"verdict"`
	SupportingSourceID string  `json:"supporting_source_id,omitempty"`
}

// ValidationReport is the immutable Layer 3 output for one draft.
type ValidationReport struct {
	DraftResponseID  string            `json:"draft_response_id"`
	Depth            ValidationDepth   `json:"depth"`
	Issues           []ValidationIssue `json:"issues"`
	Contradictions   []Contradiction   `json:"contradictions"`
	FactCheckResults []FactCheckResult `json:"fact_check_results"`
	ConfidenceScore  float64           `json:"confidence_score"` // always in [0,1]
}

// HasContradictedClaim reports whether any fact check came back contradicted.
func (r *ValidationReport) HasContradictedClaim() bool {
	for _, fc := range r.FactCheckResults {
		if fc.Verdict == VerdictContradicted {
			return true
		}
	}
	return false
}

// RuleAction is what a compliance rule does when it matches.
type RuleAction string

const (
	ActionBlock RuleAction = "block"
	ActionMask  RuleAction = "mask"
	ActionWarn  RuleAction = "warn"
	ActionLog   RuleAction = "log"
)

// ComplianceDecision gates final emission of a response.
type ComplianceDecision struct {
	ID            string    `json:"id"`
	QueryID       string    `json:"query_id"`
	Allowed       bool      `json:"allowed"`
	Redactions    []Span    `json:"redactions,omitempty"`
	ViolatedRules []string  `json:"violated_rules,omitempty"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// Stage identifies a pipeline stage for telemetry and the
// layers-completed set on the final response.
type Stage string

const (
	StageClassification  Stage = "classification"
	StageContext         Stage = "context"
	StageInvocation      Stage = "invocation"
	StageValidation      Stage = "validation"
	StagePersonalization Stage = "personalization"
	StageCompliance      Stage = "compliance"
	StageOptimization    Stage = "optimization"
)

// ServiceResponse is the terminal artifact returned to the caller.
// Immutable once emitted.
type ServiceResponse struct {
	QueryID            string              `json:"query_id"`
	CorrelationID      string              `json:"correlation_id"`
	FinalText          string              `json:"final_text"`
	ConfidenceScore    float64             `json:"confidence_score"`
	ProviderUsed       string              `json:"provider_used,omitempty"`
	FallbackUsed       bool                `json:"fallback_used"`
	CacheHit           bool                `json:"cache_hit,omitempty"`
	LayersCompleted    []Stage             `json:"layers_completed"`
	ComplianceDecision *ComplianceDecision `json:"compliance_decision,omitempty"`
	TotalLatency       time.Duration       `json:"total_latency"`
}

// CompletedLayer reports whether the named stage ran to completion.
func (r *ServiceResponse) CompletedLayer(s Stage) bool {
	for _, l := range r.LayersCompleted {
		if l == s {
			return true
		}
	}
	return false
}
