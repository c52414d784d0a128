// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured provider instances and their routing
// metadata. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]*Config
}

// Config contains the routing metadata for one registered provider.
// API credentials have already been resolved by the factory before a
// provider reaches the registry.
type Config struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name" yaml:"name"`

	// Type identifies the provider implementation.
	Type ProviderType `json:"type" yaml:"type"`

	// APIKey authenticates against the provider API. May be empty for
	// IAM-authenticated providers (Bedrock).
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`

	// APIKeySecretARN is an AWS Secrets Manager ARN to resolve the API
	// key from instead of APIKey.
	APIKeySecretARN string `json:"api_key_secret_arn,omitempty" yaml:"api_key_secret_arn"`

	// Endpoint is the API endpoint URL; provider defaults if empty.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`

	// Model is the default model for this instance.
	Model string `json:"model,omitempty" yaml:"model"`

	// Region is the cloud region (Bedrock).
	Region string `json:"region,omitempty" yaml:"region"`

	// Enabled marks the provider eligible for selection.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Priority orders providers for the priority selection policy
	// (lower = earlier).
	Priority int `json:"priority,omitempty" yaml:"priority"`

	// Weight is used by the weighted selection policy.
	Weight float64 `json:"weight,omitempty" yaml:"weight"`

	// CostPer1KTokens feeds cost-aware weighting.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens,omitempty" yaml:"cost_per_1k_tokens"`
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		configs:   make(map[string]*Config),
	}
}

// Register adds a provider instance with its routing config.
// Registering an existing name replaces the previous instance.
func (r *Registry) Register(p Provider, cfg *Config) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	if cfg == nil {
		cfg = &Config{Name: p.Name(), Type: p.Type(), Enabled: true}
	}
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[cfg.Name] = p
	r.configs[cfg.Name] = cfg
	return nil
}

// Unregister removes a provider by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	delete(r.configs, name)
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// GetConfig returns the routing config for name.
func (r *Registry) GetConfig(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return cfg, nil
}

// List returns all registered provider names, sorted for determinism.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListEnabled returns the names of enabled providers ordered by
// ascending priority, ties broken by name.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name, cfg := range r.configs {
		if cfg.Enabled {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := r.configs[names[i]].Priority, r.configs[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// SetEnabled toggles a provider's eligibility at runtime.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[name]
	if !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	cfg.Enabled = enabled
	return nil
}

// Weights returns the configured weight per enabled provider.
func (r *Registry) Weights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	weights := make(map[string]float64, len(r.configs))
	for name, cfg := range r.configs {
		if cfg.Enabled {
			weights[name] = cfg.Weight
		}
	}
	return weights
}

// Costs returns the configured per-1K-token cost per enabled provider.
// Weighted selection discounts expensive providers by it.
func (r *Registry) Costs() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	costs := make(map[string]float64, len(r.configs))
	for name, cfg := range r.configs {
		if cfg.Enabled {
			costs[name] = cfg.CostPer1KTokens
		}
	}
	return costs
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
