// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package openai provides an LLM provider implementation backed by the
// OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"studymesh/platform/provider"
)

const (
	// DefaultModel is used when no model is configured or requested.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxTokens bounds completions when the request does not.
	DefaultMaxTokens = 1024
)

// Config contains configuration for the OpenAI provider.
type Config struct {
	// Name overrides the instance name (default "openai").
	Name string

	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (for proxies/compatible APIs).
	BaseURL string

	// Model is the default model.
	Model string

	// InputCostPer1K / OutputCostPer1K feed cost estimation.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// Provider implements provider.Provider for OpenAI.
type Provider struct {
	name    string
	client  *goopenai.Client
	model   string
	costIn  float64
	costOut float64
}

// NewProvider creates a new OpenAI provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		name:    cfg.Name,
		client:  goopenai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		costIn:  cfg.InputCostPer1K,
		costOut: cfg.OutputCostPer1K,
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type.
func (p *Provider) Type() provider.ProviderType {
	return provider.ProviderTypeOpenAI
}

// Complete generates a completion via the chat completions API.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.StopSequences,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.NewError(p.name, provider.ErrCodeServerError, "empty choices in response")
	}

	return &provider.CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		TokensUsed:   resp.Usage.TotalTokens,
		Latency:      elapsed,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// Probe lists models as a lightweight connectivity and auth check.
func (p *Provider) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	start := time.Now()
	_, err := p.client.ListModels(ctx)
	elapsed := time.Since(start)
	if err != nil {
		return &provider.ProbeResult{OK: false, Latency: elapsed, Message: err.Error()}, nil
	}
	return &provider.ProbeResult{OK: true, Latency: elapsed}, nil
}

// EstimateCost approximates cost from prompt length (4 chars per token).
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

// wrapError converts go-openai errors into typed provider errors.
func (p *Provider) wrapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		perr := provider.NewError(p.name, provider.CodeForStatus(apiErr.HTTPStatusCode), apiErr.Message)
		perr.StatusCode = apiErr.HTTPStatusCode
		perr.Cause = err
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		perr := provider.NewError(p.name, provider.ErrCodeTimeout, "request timed out")
		perr.Cause = err
		return perr
	}
	perr := provider.NewError(p.name, provider.ErrCodeUnavailable, err.Error())
	perr.Cause = err
	return perr
}
