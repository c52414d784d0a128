// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"fmt"

	"studymesh/platform/provider"
	"studymesh/platform/provider/anthropic"
	"studymesh/platform/provider/bedrock"
	"studymesh/platform/provider/ollama"
	"studymesh/platform/provider/openai"
	"studymesh/platform/shared/logger"
)

// BuildRegistry instantiates every enabled provider from config and
// registers it. API keys referenced by Secrets Manager ARN are resolved
// through the resolver; a literal key in config wins when both are set.
func BuildRegistry(ctx context.Context, cfgs []provider.Config, resolver provider.SecretResolver, log *logger.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	for i := range cfgs {
		cfg := cfgs[i]
		if !cfg.Enabled {
			continue
		}

		apiKey, err := resolveAPIKey(ctx, cfg, resolver)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}

		p, err := buildProvider(ctx, cfg, apiKey)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}

		if err := registry.Register(p, &cfg); err != nil {
			return nil, err
		}

		log.Info("", "", "provider registered", map[string]interface{}{
			"provider": cfg.Name,
			"type":     string(cfg.Type),
			"priority": cfg.Priority,
		})
	}

	if registry.Count() == 0 {
		return nil, fmt.Errorf("no enabled providers configured")
	}
	return registry, nil
}

func resolveAPIKey(ctx context.Context, cfg provider.Config, resolver provider.SecretResolver) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if cfg.APIKeySecretARN == "" {
		return "", nil
	}
	if resolver == nil {
		return "", fmt.Errorf("api key secret ARN set but no secret resolver configured")
	}
	key, err := resolver.Resolve(ctx, cfg.APIKeySecretARN)
	if err != nil {
		return "", fmt.Errorf("failed to resolve api key secret: %w", err)
	}
	return key, nil
}

func buildProvider(ctx context.Context, cfg provider.Config, apiKey string) (provider.Provider, error) {
	switch cfg.Type {
	case provider.ProviderTypeOpenAI:
		return openai.NewProvider(openai.Config{
			Name:            cfg.Name,
			APIKey:          apiKey,
			BaseURL:         cfg.Endpoint,
			Model:           cfg.Model,
			InputCostPer1K:  cfg.CostPer1KTokens,
			OutputCostPer1K: cfg.CostPer1KTokens,
		})
	case provider.ProviderTypeAnthropic:
		return anthropic.NewProvider(anthropic.Config{
			Name:            cfg.Name,
			APIKey:          apiKey,
			BaseURL:         cfg.Endpoint,
			Model:           cfg.Model,
			InputCostPer1K:  cfg.CostPer1KTokens,
			OutputCostPer1K: cfg.CostPer1KTokens,
		})
	case provider.ProviderTypeOllama:
		return ollama.NewProvider(ollama.Config{
			Name:     cfg.Name,
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
		}), nil
	case provider.ProviderTypeBedrock:
		return bedrock.NewProvider(ctx, bedrock.Config{
			Name:            cfg.Name,
			Region:          cfg.Region,
			Model:           cfg.Model,
			InputCostPer1K:  cfg.CostPer1KTokens,
			OutputCostPer1K: cfg.CostPer1KTokens,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
