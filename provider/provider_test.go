// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"sync/atomic"
	"time"
)

// mockProvider is a configurable in-memory Provider for tests.
type mockProvider struct {
	name       string
	completeFn func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	probeFn    func(ctx context.Context) (*ProbeResult, error)
	calls      atomic.Int64
}

// Compile-time interface compliance check.
var _ Provider = (*mockProvider)(nil)

func (m *mockProvider) Name() string       { return m.name }
func (m *mockProvider) Type() ProviderType { return ProviderTypeMock }

func (m *mockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.calls.Add(1)
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}
	return &CompletionResponse{
		Content:    "mock answer",
		Model:      "mock-model",
		TokensUsed: 10,
		Latency:    time.Millisecond,
	}, nil
}

func (m *mockProvider) Probe(ctx context.Context) (*ProbeResult, error) {
	if m.probeFn != nil {
		return m.probeFn(ctx)
	}
	return &ProbeResult{OK: true, Latency: time.Millisecond}, nil
}

func (m *mockProvider) EstimateCost(_ CompletionRequest) *CostEstimate {
	return nil
}

// failingProvider always returns a retryable server error.
func failingProvider(name string) *mockProvider {
	return &mockProvider{
		name: name,
		completeFn: func(_ context.Context, _ CompletionRequest) (*CompletionResponse, error) {
			perr := NewError(name, ErrCodeServerError, "503 from upstream")
			perr.StatusCode = 503
			return nil, perr
		},
	}
}

// slowProvider blocks until the context expires.
func slowProvider(name string) *mockProvider {
	return &mockProvider{
		name: name,
		completeFn: func(ctx context.Context, _ CompletionRequest) (*CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}
