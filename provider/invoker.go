// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// InvokerConfig tunes retry and fallback behavior.
type InvokerConfig struct {
	// AttemptTimeout bounds each individual provider call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// MaxAttempts caps the total number of provider attempts for one
	// invocation, across fallback candidates.
	MaxAttempts int `yaml:"max_attempts"`

	// SLALatency is the latency a degraded provider must beat; a
	// degraded provider exceeding it counts as a failed attempt even
	// when it eventually answers.
	SLALatency time.Duration `yaml:"sla_latency"`
}

// DefaultInvokerConfig returns the standard invoker tuning.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		AttemptTimeout: 15 * time.Second,
		MaxAttempts:    3,
		SLALatency:     10 * time.Second,
	}
}

// Invoker sends assembled prompts to providers, retrying against the
// fallback order until one answers or candidates are exhausted. Every
// attempt outcome is reported to the health monitor.
type Invoker struct {
	registry *Registry
	monitor  *HealthMonitor
	selector *Selector
	cfg      InvokerConfig
	log      *logger.Logger

	// extraWeights carries the optimizer's feedback into weighted
	// selection. Swapped wholesale under mu.
	mu           sync.RWMutex
	extraWeights map[string]float64

	inflightMu sync.Mutex
	inflight   map[string]int64
}

// NewInvoker wires an invoker against a registry and health monitor.
func NewInvoker(registry *Registry, monitor *HealthMonitor, selector *Selector, cfg InvokerConfig, log *logger.Logger) *Invoker {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultInvokerConfig()
	}
	return &Invoker{
		registry:     registry,
		monitor:      monitor,
		selector:     selector,
		cfg:          cfg,
		log:          log,
		extraWeights: make(map[string]float64),
		inflight:     make(map[string]int64),
	}
}

// SetWeights replaces the optimizer-fed provider weights used by the
// weighted selection policy on the next invocation.
func (inv *Invoker) SetWeights(weights map[string]float64) {
	cp := make(map[string]float64, len(weights))
	for k, v := range weights {
		cp[k] = v
	}
	inv.mu.Lock()
	inv.extraWeights = cp
	inv.mu.Unlock()
}

// Candidates exposes the current fallback order, primary first.
func (inv *Invoker) Candidates() []string {
	return inv.selector.Candidates(
		inv.registry.ListEnabled(),
		inv.monitor.Snapshot(),
		inv.mergedWeights(),
		inv.inflightCounts(),
	)
}

// Invoke issues the completion request against the fallback order.
// It returns the successful draft plus the record of every attempt
// (failed attempts have empty text). When all candidates are exhausted
// it returns types.ErrAllProvidersFailed; the orchestration engine
// converts that into the safe fallback response.
func (inv *Invoker) Invoke(ctx context.Context, queryID string, req CompletionRequest) (*types.DraftResponse, []types.DraftResponse, error) {
	candidates := inv.Candidates()
	if len(candidates) == 0 {
		return nil, nil, types.ErrAllProvidersFailed
	}

	attempts := make([]types.DraftResponse, 0, inv.cfg.MaxAttempts)
	attemptNum := 0

	for _, name := range candidates {
		if attemptNum >= inv.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		attemptNum++

		draft, err := inv.attempt(ctx, queryID, name, req, attemptNum)
		attempts = append(attempts, *draft)
		if err == nil {
			return draft, attempts, nil
		}

		if inv.log != nil {
			inv.log.Warn("", queryID, "provider attempt failed, trying next candidate", map[string]interface{}{
				"provider": name,
				"attempt":  attemptNum,
				"error":    err.Error(),
			})
		}

		// Parent cancellation is terminal; a per-attempt timeout is not.
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
	}

	return nil, attempts, types.ErrAllProvidersFailed
}

// attempt runs one provider call with its own timeout and reports the
// outcome to the health monitor.
func (inv *Invoker) attempt(ctx context.Context, queryID, name string, req CompletionRequest, attemptNum int) (*types.DraftResponse, error) {
	draft := &types.DraftResponse{
		ID:            uuid.NewString(),
		QueryID:       queryID,
		ProviderID:    name,
		AttemptNumber: attemptNum,
	}

	p, err := inv.registry.Get(name)
	if err != nil {
		return draft, err
	}

	inv.trackInflight(name, 1)
	defer inv.trackInflight(name, -1)

	attemptCtx, cancel := context.WithTimeout(ctx, inv.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Complete(attemptCtx, req)
	elapsed := time.Since(start)
	draft.Latency = elapsed

	if err != nil {
		inv.monitor.ReportOutcome(name, elapsed, false)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return draft, NewError(name, ErrCodeTimeout, "attempt timed out")
		}
		return draft, err
	}

	// A degraded provider blowing its SLA is treated as a failure so
	// the next candidate gets a chance.
	if health := inv.monitor.Snapshot(); health[name].Status == StatusDegraded && elapsed > inv.cfg.SLALatency {
		inv.monitor.ReportOutcome(name, elapsed, false)
		return draft, NewError(name, ErrCodeTimeout, "degraded provider exceeded SLA")
	}

	inv.monitor.ReportOutcome(name, elapsed, true)

	draft.Text = resp.Content
	draft.Model = resp.Model
	draft.TokensUsed = resp.TokensUsed
	return draft, nil
}

func (inv *Invoker) trackInflight(name string, delta int64) {
	inv.inflightMu.Lock()
	inv.inflight[name] += delta
	inv.inflightMu.Unlock()
}

func (inv *Invoker) inflightCounts() map[string]int64 {
	inv.inflightMu.Lock()
	defer inv.inflightMu.Unlock()
	cp := make(map[string]int64, len(inv.inflight))
	for k, v := range inv.inflight {
		cp[k] = v
	}
	return cp
}

// mergedWeights overlays optimizer feedback on configured weights, then
// discounts each provider by its configured cost so a cheaper provider
// wins among otherwise equal candidates.
func (inv *Invoker) mergedWeights() map[string]float64 {
	merged := inv.registry.Weights()
	inv.mu.RLock()
	for name, w := range inv.extraWeights {
		merged[name] = w
	}
	inv.mu.RUnlock()
	for name, cost := range inv.registry.Costs() {
		if cost > 0 {
			merged[name] /= 1 + cost
		}
	}
	return merged
}
