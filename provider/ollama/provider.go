// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package ollama provides an LLM provider implementation for self-hosted
// Ollama endpoints.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"studymesh/platform/provider"
)

const (
	// DefaultEndpoint is the standard local Ollama address
	DefaultEndpoint = "http://localhost:11434"

	// DefaultModel is used when no model is configured or requested
	DefaultModel = "llama3.1"
)

// Config contains configuration for the Ollama provider
type Config struct {
	Name     string        // Optional: instance name (default "ollama")
	Endpoint string        // Optional: Ollama base URL
	Model    string        // Optional: default model
	Timeout  time.Duration // Optional: HTTP timeout (default 120s)
}

// Provider implements provider.Provider for Ollama.
// Self-hosted models have no per-token cost, so EstimateCost returns nil.
type Provider struct {
	name     string
	endpoint string
	model    string
	client   *http.Client
}

// NewProvider creates a new Ollama provider instance
func NewProvider(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Provider{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider instance name
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *Provider) Type() provider.ProviderType {
	return provider.ProviderTypeOllama
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete generates a completion via /api/generate
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	body := generateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  false,
		Options: options,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		perr := provider.NewError(p.name, provider.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		perr := provider.NewError(p.name, provider.CodeForStatus(resp.StatusCode), string(data))
		perr.StatusCode = resp.StatusCode
		return nil, perr
	}

	var parsed generateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &provider.CompletionResponse{
		Content:      parsed.Response,
		Model:        parsed.Model,
		TokensUsed:   parsed.PromptEvalCount + parsed.EvalCount,
		Latency:      elapsed,
		FinishReason: parsed.DoneReason,
	}, nil
}

// Probe checks the endpoint via /api/tags
func (p *Provider) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return &provider.ProbeResult{OK: false, Latency: elapsed, Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return &provider.ProbeResult{OK: false, Latency: elapsed, Message: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	return &provider.ProbeResult{OK: true, Latency: elapsed}, nil
}

// EstimateCost returns nil: self-hosted inference has no metered cost
func (p *Provider) EstimateCost(_ provider.CompletionRequest) *provider.CostEstimate {
	return nil
}
