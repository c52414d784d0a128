// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock provides an LLM provider implementation for AWS
// Bedrock managed models. Authentication uses the default AWS credential
// chain (Signature V4), so no API key is configured.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"studymesh/platform/provider"
)

const (
	// DefaultRegion is used when no region is configured
	DefaultRegion = "us-east-1"

	// DefaultModel is used when no model is configured or requested
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens bounds completions when the request does not
	DefaultMaxTokens = 1024
)

// InvokeClient is the subset of the Bedrock runtime client used here
// (enables testing).
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Name   string // Optional: instance name (default "bedrock")
	Region string // Optional: AWS region (default us-east-1)
	Model  string // Optional: default model id

	InputCostPer1K  float64 // Optional: cost estimation input
	OutputCostPer1K float64 // Optional: cost estimation output
}

// Provider implements provider.Provider for AWS Bedrock.
type Provider struct {
	name    string
	client  InvokeClient
	region  string
	model   string
	costIn  float64
	costOut float64
}

// NewProvider creates a new Bedrock provider using the default AWS
// credential chain for the configured region.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", cfg.Region, err)
	}

	return &Provider{
		name:    cfg.Name,
		client:  bedrockruntime.NewFromConfig(awsCfg),
		region:  cfg.Region,
		model:   cfg.Model,
		costIn:  cfg.InputCostPer1K,
		costOut: cfg.OutputCostPer1K,
	}, nil
}

// SetClient swaps the runtime client. Test hook.
func (p *Provider) SetClient(c InvokeClient) {
	p.client = c
}

// Name returns the provider instance name
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type
func (p *Provider) Type() provider.ProviderType {
	return provider.ProviderTypeBedrock
}

// anthropicBody is the request body for Anthropic-family Bedrock models
type anthropicBody struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	System           string        `json:"system,omitempty"`
	Messages         []chatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	StopSequences    []string      `json:"stop_sequences,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete invokes the model with Signature V4 authentication
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body := anthropicBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Messages:         []chatMessage{{Role: "user", Content: req.Prompt}},
		StopSequences:    req.StopSequences,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	elapsed := time.Since(start)
	if err != nil {
		perr := provider.NewError(p.name, provider.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	content := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &provider.CompletionResponse{
		Content:      content,
		Model:        model,
		TokensUsed:   parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		Latency:      elapsed,
		FinishReason: parsed.StopReason,
	}, nil
}

// Probe issues a single-token invocation. Bedrock has no unauthenticated
// ping endpoint, so the probe is a minimal real call.
func (p *Provider) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	start := time.Now()
	_, err := p.Complete(ctx, provider.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	elapsed := time.Since(start)
	if err != nil {
		return &provider.ProbeResult{OK: false, Latency: elapsed, Message: err.Error()}, nil
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
