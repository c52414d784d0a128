// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

func testInvoker(t *testing.T, reg *Registry, cfg InvokerConfig) *Invoker {
	t.Helper()
	mon := NewHealthMonitor(reg, DefaultMonitorConfig(), logger.New("invoker-test"))
	return NewInvoker(reg, mon, NewSelector(PolicyPriority), cfg, logger.New("invoker-test"))
}

func TestInvokeUsesFirstHealthyProvider(t *testing.T) {
	reg := NewRegistry()
	primary := &mockProvider{name: "primary"}
	backup := &mockProvider{name: "backup"}
	require.NoError(t, reg.Register(primary, &Config{Name: "primary", Enabled: true, Priority: 1}))
	require.NoError(t, reg.Register(backup, &Config{Name: "backup", Enabled: true, Priority: 2}))

	inv := testInvoker(t, reg, DefaultInvokerConfig())

	draft, attempts, err := inv.Invoke(context.Background(), "q-1", CompletionRequest{Prompt: "what is 2+2"})
	require.NoError(t, err)
	assert.Equal(t, "primary", draft.ProviderID)
	assert.Equal(t, "mock answer", draft.Text)
	assert.Equal(t, 1, draft.AttemptNumber)
	assert.Len(t, attempts, 1)
	assert.Equal(t, int64(0), backup.calls.Load())
}

func TestInvokeFallsBackOnFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(failingProvider("primary"), &Config{Name: "primary", Enabled: true, Priority: 1}))
	require.NoError(t, reg.Register(&mockProvider{name: "backup"}, &Config{Name: "backup", Enabled: true, Priority: 2}))

	inv := testInvoker(t, reg, DefaultInvokerConfig())

	draft, attempts, err := inv.Invoke(context.Background(), "q-1", CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup", draft.ProviderID)
	require.Len(t, attempts, 2)
	assert.Equal(t, "primary", attempts[0].ProviderID)
	assert.Empty(t, attempts[0].Text, "failed attempts carry no text")
	assert.Equal(t, 2, attempts[1].AttemptNumber)
}

func TestInvokeAllProvidersFailed(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(failingProvider("a"), &Config{Name: "a", Enabled: true, Priority: 1}))
	require.NoError(t, reg.Register(failingProvider("b"), &Config{Name: "b", Enabled: true, Priority: 2}))

	inv := testInvoker(t, reg, DefaultInvokerConfig())

	draft, attempts, err := inv.Invoke(context.Background(), "q-1", CompletionRequest{Prompt: "hi"})
	assert.Nil(t, draft)
	assert.ErrorIs(t, err, types.ErrAllProvidersFailed)
	assert.Len(t, attempts, 2)
}

// A primary that exceeds its attempt timeout must not exhaust the
// invocation: at least one fallback provider is attempted first.
func TestInvokeTimeoutTriggersFallback(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(slowProvider("slow"), &Config{Name: "slow", Enabled: true, Priority: 1}))
	backup := &mockProvider{name: "backup"}
	require.NoError(t, reg.Register(backup, &Config{Name: "backup", Enabled: true, Priority: 2}))

	cfg := DefaultInvokerConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond

	inv := testInvoker(t, reg, cfg)

	draft, attempts, err := inv.Invoke(context.Background(), "q-1", CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup", draft.ProviderID)
	assert.GreaterOrEqual(t, len(attempts), 2)
	assert.Equal(t, int64(1), backup.calls.Load())
}

func TestInvokeRespectsMaxAttempts(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, reg.Register(failingProvider(name), &Config{Name: name, Enabled: true}))
	}

	cfg := DefaultInvokerConfig()
	cfg.MaxAttempts = 2

	inv := testInvoker(t, reg, cfg)

	_, attempts, err := inv.Invoke(context.Background(), "q-1", CompletionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, types.ErrAllProvidersFailed)
	assert.Len(t, attempts, 2)
}

func TestInvokeParentCancellationIsTerminal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(slowProvider("slow"), &Config{Name: "slow", Enabled: true, Priority: 1}))
	require.NoError(t, reg.Register(&mockProvider{name: "backup"}, &Config{Name: "backup", Enabled: true, Priority: 2}))

	inv := testInvoker(t, reg, DefaultInvokerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := inv.Invoke(ctx, "q-1", CompletionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeNoEnabledProviders(t *testing.T) {
	inv := testInvoker(t, NewRegistry(), DefaultInvokerConfig())
	_, _, err := inv.Invoke(context.Background(), "q-1", CompletionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, types.ErrAllProvidersFailed)
}

func TestWeightedOrderPrefersCheaperProvider(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockProvider{name: "pricey"},
		&Config{Name: "pricey", Enabled: true, Weight: 1.0, CostPer1KTokens: 0.06}))
	require.NoError(t, reg.Register(&mockProvider{name: "cheap"},
		&Config{Name: "cheap", Enabled: true, Weight: 1.0, CostPer1KTokens: 0.001}))

	mon := NewHealthMonitor(reg, DefaultMonitorConfig(), logger.New("invoker-test"))
	inv := NewInvoker(reg, mon, NewSelector(PolicyWeighted), DefaultInvokerConfig(), logger.New("invoker-test"))

	assert.Equal(t, []string{"cheap", "pricey"}, inv.Candidates())

	// A configured weight gap still outranks the cost discount.
	require.NoError(t, reg.Register(&mockProvider{name: "preferred"},
		&Config{Name: "preferred", Enabled: true, Weight: 5.0, CostPer1KTokens: 0.06}))
	assert.Equal(t, []string{"preferred", "cheap", "pricey"}, inv.Candidates())
}

func TestSetWeightsChangesWeightedOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&mockProvider{name: "a"}, &Config{Name: "a", Enabled: true, Weight: 0.9}))
	require.NoError(t, reg.Register(&mockProvider{name: "b"}, &Config{Name: "b", Enabled: true, Weight: 0.1}))

	mon := NewHealthMonitor(reg, DefaultMonitorConfig(), logger.New("invoker-test"))
	inv := NewInvoker(reg, mon, NewSelector(PolicyWeighted), DefaultInvokerConfig(), logger.New("invoker-test"))

	assert.Equal(t, []string{"a", "b"}, inv.Candidates())

	// Optimizer feedback demotes a.
	inv.SetWeights(map[string]float64{"a": 0.05})
	assert.Equal(t, []string{"b", "a"}, inv.Candidates())
}
