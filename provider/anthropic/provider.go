// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package anthropic provides an LLM provider implementation for
// Anthropic's Claude models via the Messages API.
package anthropic

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
	// DefaultBaseURL is the default Anthropic API endpoint
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel is used when no model is configured or requested
	DefaultModel = "claude-3-5-haiku-20241022"

	// DefaultMaxTokens bounds completions when the request does not
	DefaultMaxTokens = 1024
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Anthropic provider
type Config struct {
	Name       string        // Optional: instance name (default "anthropic")
	APIKey     string        // Required: Anthropic API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version
	Model      string        // Optional: default model
	Timeout    time.Duration // Optional: HTTP timeout (default 120s)

	InputCostPer1K  float64 // Optional: cost estimation input
	OutputCostPer1K float64 // Optional: cost estimation output
}

// Provider implements provider.Provider for Anthropic Claude.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
	costIn     float64
	costOut    float64
}

// NewProvider creates a new Anthropic provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
		costIn:     cfg.InputCostPer1K,
		costOut:    cfg.OutputCostPer1K,
	}, nil
}

// SetHTTPClient swaps the HTTP client. Test hook.
func (p *Provider) SetHTTPClient(c HTTPClient) {
	p.client = c
}

// Name returns the provider instance name
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *Provider) Type() provider.ProviderType {
	return provider.ProviderTypeAnthropic
}

// messagesRequest is the Anthropic Messages API request body
type messagesRequest struct {
	Model         string        `json:"model"`
	MaxTokens     int           `json:"max_tokens"`
	Messages      []chatMessage `json:"messages"`
	System        string        `json:"system,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the Anthropic Messages API response body
type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete generates a completion via the Messages API
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body := messagesRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		Messages:      []chatMessage{{Role: "user", Content: req.Prompt}},
		System:        req.SystemPrompt,
		StopSequences: req.StopSequences,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	start := time.Now()
	parsed, status, err := p.post(ctx, "/v1/messages", body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		msg := "request failed"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		perr := provider.NewError(p.name, provider.CodeForStatus(status), msg)
		perr.StatusCode = status
		return nil, perr
	}

	content := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &provider.CompletionResponse{
		Content:      content,
		Model:        parsed.Model,
		TokensUsed:   parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		Latency:      elapsed,
		FinishReason: parsed.StopReason,
	}, nil
}

// Probe issues a single-token message as a cheap auth and connectivity check
func (p *Provider) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	body := messagesRequest{
		Model:     p.model,
		MaxTokens: 1,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
	}

	start := time.Now()
	_, status, err := p.post(ctx, "/v1/messages", body)
	elapsed := time.Since(start)
	if err != nil {
		return &provider.ProbeResult{OK: false, Latency: elapsed, Message: err.Error()}, nil
	}
	if status != http.StatusOK {
		return &provider.ProbeResult{OK: false, Latency: elapsed, Message: fmt.Sprintf("status %d", status)}, nil
	}
	return &provider.ProbeResult{OK: true, Latency: elapsed}, nil
}

// EstimateCost approximates cost from prompt length (4 chars per token)
func (p *Provider) EstimateCost(req provider.CompletionRequest) *provider.CostEstimate {
	if p.costIn == 0 && p.costOut == 0 {
		return nil
	}
	inTokens := (len(req.Prompt) + len(req.SystemPrompt)) / 4
	outTokens := req.MaxTokens
	if outTokens <= 0 {
		outTokens = DefaultMaxTokens
	}
	return &provider.CostEstimate{
		InputCostPer1K:  p.costIn,
		OutputCostPer1K: p.costOut,
		TotalEstimate:   float64(inTokens)/1000*p.costIn + float64(outTokens)/1000*p.costOut,
		Currency:        "USD",
	}
}

// post sends a JSON request to the Anthropic API and decodes the response
func (p *Provider) post(ctx context.Context, path string, body messagesRequest) (*messagesResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := provider.NewError(p.name, provider.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, 0, perr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return &parsed, resp.StatusCode, nil
}
