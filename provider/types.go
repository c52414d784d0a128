// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package provider defines the unified interface for LLM completion
// endpoints plus the health monitoring, selection, and fallback
// machinery the pipeline uses to invoke them.
package provider

import (
	"context"
	"fmt"
	"time"
)

// ProviderType identifies the underlying provider implementation.
type ProviderType string

// Standard provider types supported out of the box.
const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeBedrock   ProviderType = "bedrock"
	ProviderTypeOllama    ProviderType = "ollama"
	ProviderTypeMock      ProviderType = "mock"
)

// Provider is the unified interface for all LLM provider endpoints.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// Used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type identifying the implementation.
	Type() ProviderType

	// Complete generates a completion for the given request. The context
	// carries the per-attempt timeout and cancellation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Probe is a lightweight health check. It must be cheap enough to
	// run on the monitor's polling interval.
	Probe(ctx context.Context) (*ProbeResult, error)

	// EstimateCost returns a cost estimate for the request, or nil if
	// the provider cannot estimate cost.
	EstimateCost(req CompletionRequest) *CostEstimate
}

// CompletionRequest encapsulates the parameters for one completion call.
type CompletionRequest struct {
	// Prompt is the fully assembled user prompt (query plus context).
	Prompt string `json:"prompt"`

	// SystemPrompt sets behavior and tone. Includes personalization
	// directives emitted by previous turns.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the response length. 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// StopSequences are strings that end generation.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// CompletionResponse contains the result of a completion call.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	TokensUsed   int           `json:"tokens_used"`
	Latency      time.Duration `json:"latency"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// CostEstimate provides estimated costs for a request.
type CostEstimate struct {
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
	TotalEstimate   float64 `json:"total_estimate"`
	Currency        string  `json:"currency"`
}

// HealthStatus is the monitor-owned availability state of a provider.
type HealthStatus string

const (
	// StatusOnline means the provider is serving within its SLA.
	StatusOnline HealthStatus = "online"

	// StatusDegraded means recent probes were slow or failing; the
	// provider is deprioritized but still eligible.
	StatusDegraded HealthStatus = "degraded"

	// StatusOffline means the provider is excluded from selection.
	StatusOffline HealthStatus = "offline"
)

// HealthRecord is one provider's tracked health state. Owned exclusively
// by the HealthMonitor; request code only reads snapshots.
type HealthRecord struct {
	ProviderID          string        `json:"provider_id"`
	Status              HealthStatus  `json:"status"`
	RollingLatency      time.Duration `json:"rolling_latency_ms"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Error represents a typed error from an LLM provider.
type Error struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates whether the invoker may retry elsewhere
	// without operator intervention.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeContextLength  = "context_length_exceeded"
	ErrCodeContentFilter  = "content_filter"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// NewError creates a provider Error with retryability derived from code.
func NewError(provider, code, message string) *Error {
	return &Error{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// CodeForStatus maps an HTTP status to a provider error code.
func CodeForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrCodeAuth
	case status == 404:
		return ErrCodeModelNotFound
	case status == 429:
		return ErrCodeRateLimit
	case status >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}
