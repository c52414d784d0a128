// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package optimizer implements the advisory performance layer: the
// Redis response cache, provider weight feedback for future routing
// decisions, and per-stage bottleneck reports for operators. Nothing
// here sits on the critical path; failures never affect a response that
// was already produced.
package optimizer

import (
	"sort"
	"sync"
	"time"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// WeightSink receives the computed provider weights. The invoker
// implements this.
type WeightSink interface {
	SetWeights(weights map[string]float64)
}

// Observation is one finished pipeline run.
type Observation struct {
	QueryID      string
	ProviderUsed string
	Success      bool
	FallbackUsed bool
	StageLatency map[types.Stage]time.Duration
	TotalLatency time.Duration
}

// providerStats is the running success and latency aggregate per
// provider.
type providerStats struct {
	successRate float64
	latency     time.Duration
	samples     int
}

// stageStats tracks one stage's latency profile.
type stageStats struct {
	avg     time.Duration
	worst   time.Duration
	samples int
}

// Optimizer aggregates observations and feeds weights back to the
// invoker.
type Optimizer struct {
	mu        sync.Mutex
	providers map[string]*providerStats
	stages    map[types.Stage]*stageStats

	sink WeightSink
	log  *logger.Logger
}

// New creates an optimizer feeding the given sink. Sink may be nil.
func New(sink WeightSink, log *logger.Logger) *Optimizer {
	return &Optimizer{
		providers: make(map[string]*providerStats),
		stages:    make(map[types.Stage]*stageStats),
		sink:      sink,
		log:       log,
	}
}

const statsAlpha = 0.2

// Observe ingests one run and republishes provider weights. Called
// after the response has been emitted, typically from a goroutine.
func (o *Optimizer) Observe(obs Observation) {
	o.mu.Lock()

	if obs.ProviderUsed != "" {
		stats, ok := o.providers[obs.ProviderUsed]
		if !ok {
			stats = &providerStats{successRate: 1.0}
			o.providers[obs.ProviderUsed] = stats
		}
		outcome := 0.0
		if obs.Success {
			outcome = 1.0
		}
		stats.successRate = statsAlpha*outcome + (1-statsAlpha)*stats.successRate
		if lat, ok := obs.StageLatency[types.StageInvocation]; ok && lat > 0 {
			if stats.latency == 0 {
				stats.latency = lat
			} else {
				stats.latency = time.Duration(statsAlpha*float64(lat) + (1-statsAlpha)*float64(stats.latency))
			}
		}
		stats.samples++
	}

	for stage, lat := range obs.StageLatency {
		s, ok := o.stages[stage]
		if !ok {
			s = &stageStats{}
			o.stages[stage] = s
		}
		if s.avg == 0 {
			s.avg = lat
		} else {
			s.avg = time.Duration(statsAlpha*float64(lat) + (1-statsAlpha)*float64(s.avg))
		}
		if lat > s.worst {
			s.worst = lat
		}
		s.samples++
	}

	weights := o.computeWeightsLocked()
	o.mu.Unlock()

	if o.sink != nil && len(weights) > 0 {
		o.sink.SetWeights(weights)
	}
}

// computeWeightsLocked favors reliable, fast providers. Weights are
// relative; the selector normalizes by comparison only.
func (o *Optimizer) computeWeightsLocked() map[string]float64 {
	weights := make(map[string]float64, len(o.providers))
	for name, stats := range o.providers {
		if stats.samples < 3 {
			continue // not enough signal to move routing yet
		}
		latencyPenalty := 1.0 + stats.latency.Seconds()
		weights[name] = stats.successRate / latencyPenalty
	}
	return weights
}

// StageReport is one row of the bottleneck report.
type StageReport struct {
	Stage      types.Stage   `json:"stage"`
	AvgLatency time.Duration `json:"avg_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	Samples    int           `json:"samples"`
}

// BottleneckReport lists stages by average latency, slowest first, for
// operator dashboards.
func (o *Optimizer) BottleneckReport() []StageReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]StageReport, 0, len(o.stages))
	for stage, s := range o.stages {
		out = append(out, StageReport{
			Stage:      stage,
			AvgLatency: s.avg,
			MaxLatency: s.worst,
			Samples:    s.samples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgLatency != out[j].AvgLatency {
			return out[i].AvgLatency > out[j].AvgLatency
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}
