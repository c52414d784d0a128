// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"studymesh/platform/shared/logger"
)

// MonitorConfig tunes the health monitor's polling and hysteresis.
type MonitorConfig struct {
	// Interval between probe rounds.
	Interval time.Duration `yaml:"interval"`

	// ProbeTimeout bounds each individual probe call.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// SlowThreshold marks a probe as slow even when it succeeds.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// DegradedAfter is the consecutive slow/failed probe count that
	// demotes online to degraded.
	DegradedAfter int `yaml:"degraded_after"`

	// OfflineAfter is the further consecutive outright-failure count
	// that demotes degraded to offline.
	OfflineAfter int `yaml:"offline_after"`

	// PromoteCooldown is the minimum time a provider must hold its
	// current status before a success promotes it. Hysteresis against
	// status flapping.
	PromoteCooldown time.Duration `yaml:"promote_cooldown"`

	// LatencyAlpha is the EWMA smoothing factor for rolling latency.
	LatencyAlpha float64 `yaml:"latency_alpha"`

	// MaxConcurrentProbes bounds the probe fan-out per round.
	MaxConcurrentProbes int `yaml:"max_concurrent_probes"`
}

// DefaultMonitorConfig returns the standard monitor tuning.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:            30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		SlowThreshold:       2 * time.Second,
		DegradedAfter:       3,
		OfflineAfter:        2,
		PromoteCooldown:     60 * time.Second,
		LatencyAlpha:        0.3,
		MaxConcurrentProbes: 4,
	}
}

// outcome is one observed provider interaction, either from a probe or
// reported by request-handling code.
type outcome struct {
	providerID string
	latency    time.Duration
	success    bool
	at         time.Time
}

// HealthMonitor owns the HealthRecord for every registered provider.
// It is the single writer: probes and reported request outcomes are
// funneled through one goroutine, and readers get an immutable snapshot
// via an atomic pointer swap. Request-handling code never blocks on it.
type HealthMonitor struct {
	registry *Registry
	cfg      MonitorConfig
	log      *logger.Logger

	records     map[string]*HealthRecord
	transitions map[string]time.Time

	snapshot atomic.Pointer[map[string]HealthRecord]
	outcomes chan outcome

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewHealthMonitor creates a monitor for the registry's providers.
// Call Run to start polling.
func NewHealthMonitor(registry *Registry, cfg MonitorConfig, log *logger.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg = DefaultMonitorConfig()
	}
	m := &HealthMonitor{
		registry:    registry,
		cfg:         cfg,
		log:         log,
		records:     make(map[string]*HealthRecord),
		transitions: make(map[string]time.Time),
		outcomes:    make(chan outcome, 256),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.publish()
	return m
}

// Run starts the polling loop. It returns when ctx is cancelled or
// Stop is called. An initial probe round runs immediately so the first
// snapshot is populated before traffic arrives.
func (m *HealthMonitor) Run(ctx context.Context) {
	defer close(m.done)

	m.probeAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case o := <-m.outcomes:
			m.apply(o)
			m.publish()
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Stop terminates the polling loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	<-m.done
}

// Snapshot returns a read-only copy of every provider's health record.
func (m *HealthMonitor) Snapshot() map[string]HealthRecord {
	snap := m.snapshot.Load()
	if snap == nil {
		return map[string]HealthRecord{}
	}
	return *snap
}

// ReportOutcome records a request attempt's result for aggregation.
// Non-blocking: if the monitor is saturated the outcome is dropped,
// since probes will converge on the same state.
func (m *HealthMonitor) ReportOutcome(providerID string, latency time.Duration, success bool) {
	o := outcome{providerID: providerID, latency: latency, success: success, at: time.Now()}
	select {
	case m.outcomes <- o:
	default:
	}
}

// probeAll probes every registered provider with a bounded fan-out and
// applies the results in the monitor goroutine.
func (m *HealthMonitor) probeAll(ctx context.Context) {
	names := m.registry.List()

	results := make([]outcome, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentProbes)

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			p, err := m.registry.Get(name)
			if err != nil {
				results[i] = outcome{providerID: name, success: false, at: time.Now()}
				return nil
			}
			probeCtx, cancel := context.WithTimeout(gctx, m.cfg.ProbeTimeout)
			defer cancel()

			start := time.Now()
			res, err := p.Probe(probeCtx)
			elapsed := time.Since(start)
			ok := err == nil && res != nil && res.OK
			if res != nil && res.Latency > 0 {
				elapsed = res.Latency
			}
			results[i] = outcome{providerID: name, latency: elapsed, success: ok, at: time.Now()}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range results {
		if o.providerID == "" {
			continue
		}
		m.apply(o)
	}
	m.publish()
}

// apply folds one outcome into the owned record set. Only called from
// the monitor goroutine.
func (m *HealthMonitor) apply(o outcome) {
	rec, ok := m.records[o.providerID]
	if !ok {
		rec = &HealthRecord{ProviderID: o.providerID, Status: StatusOnline}
		m.records[o.providerID] = rec
		m.transitions[o.providerID] = o.at
	}

	rec.LastCheckedAt = o.at

	if o.latency > 0 {
		if rec.RollingLatency == 0 {
			rec.RollingLatency = o.latency
		} else {
			alpha := m.cfg.LatencyAlpha
			rec.RollingLatency = time.Duration(alpha*float64(o.latency) + (1-alpha)*float64(rec.RollingLatency))
		}
	}

	if o.success && o.latency <= m.cfg.SlowThreshold {
		rec.ConsecutiveFailures = 0
		m.maybePromote(rec, o.at)
		return
	}

	// Slow successes count toward degradation but not toward offline.
	rec.ConsecutiveFailures++
	outright := !o.success

	switch rec.Status {
	case StatusOnline:
		if rec.ConsecutiveFailures >= m.cfg.DegradedAfter {
			m.transition(rec, StatusDegraded, o.at)
		}
	case StatusDegraded:
		if outright && rec.ConsecutiveFailures >= m.cfg.DegradedAfter+m.cfg.OfflineAfter {
			m.transition(rec, StatusOffline, o.at)
		}
	}
}

// maybePromote moves a provider one status up after a success, but only
// once the cooldown has elapsed since the last transition.
func (m *HealthMonitor) maybePromote(rec *HealthRecord, at time.Time) {
	if rec.Status == StatusOnline {
		return
	}
	if at.Sub(m.transitions[rec.ProviderID]) < m.cfg.PromoteCooldown {
		return
	}
	switch rec.Status {
	case StatusOffline:
		m.transition(rec, StatusDegraded, at)
	case StatusDegraded:
		m.transition(rec, StatusOnline, at)
	}
}

func (m *HealthMonitor) transition(rec *HealthRecord, to HealthStatus, at time.Time) {
	from := rec.Status
	rec.Status = to
	m.transitions[rec.ProviderID] = at
	if m.log != nil {
		m.log.Warn("", "", "provider health transition", map[string]interface{}{
			"provider": rec.ProviderID,
			"from":     string(from),
			"to":       string(to),
			"failures": rec.ConsecutiveFailures,
		})
	}
}

// publish swaps in a fresh immutable snapshot for readers.
func (m *HealthMonitor) publish() {
	snap := make(map[string]HealthRecord, len(m.records))
	for name, rec := range m.records {
		snap[name] = *rec
	}
	m.snapshot.Store(&snap)
}
