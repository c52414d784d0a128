// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"sort"
)

// SelectionPolicy defines how the invoker orders candidate providers.
type SelectionPolicy string

const (
	// PolicyPriority walks the configured priority list in order.
	PolicyPriority SelectionPolicy = "priority"

	// PolicyWeighted orders by effective weight: configured weight
	// scaled by health, cost, and optimizer feedback, highest first.
	PolicyWeighted SelectionPolicy = "weighted"

	// PolicyLeastLoaded orders by in-flight request count, then by
	// rolling latency.
	PolicyLeastLoaded SelectionPolicy = "least_loaded"
)

// ValidSelectionPolicies contains all valid policy values.
var ValidSelectionPolicies = []SelectionPolicy{
	PolicyPriority,
	PolicyWeighted,
	PolicyLeastLoaded,
}

// IsValidSelectionPolicy checks if a string is a valid selection policy.
func IsValidSelectionPolicy(s string) bool {
	for _, valid := range ValidSelectionPolicies {
		if SelectionPolicy(s) == valid {
			return true
		}
	}
	return false
}

// degradedPenalty halves a degraded provider's effective weight so
// healthy providers win ties without excluding degraded ones.
const degradedPenalty = 0.5

// Selector computes a deterministic fallback order from a health
// snapshot. Two calls with identical inputs produce identical orders,
// which keeps routing reproducible and testable.
type Selector struct {
	policy SelectionPolicy
}

// NewSelector creates a selector with the given policy.
func NewSelector(policy SelectionPolicy) *Selector {
	if !IsValidSelectionPolicy(string(policy)) {
		policy = PolicyPriority
	}
	return &Selector{policy: policy}
}

// Policy returns the active selection policy.
func (s *Selector) Policy() SelectionPolicy {
	return s.policy
}

// Candidates returns the full fallback order for one invocation.
// Offline providers are filtered out; the first element is the primary.
//
//   - enabled: provider names in configured priority order
//   - health: the monitor's current snapshot
//   - weights: effective weights (config merged with optimizer
//     feedback, discounted by provider cost)
//   - inflight: current in-flight request count per provider
func (s *Selector) Candidates(enabled []string, health map[string]HealthRecord, weights map[string]float64, inflight map[string]int64) []string {
	eligible := make([]string, 0, len(enabled))
	for _, name := range enabled {
		rec, known := health[name]
		if known && rec.Status == StatusOffline {
			continue
		}
		eligible = append(eligible, name)
	}
	if len(eligible) <= 1 {
		return eligible
	}

	switch s.policy {
	case PolicyWeighted:
		sort.SliceStable(eligible, func(i, j int) bool {
			wi := effectiveWeight(eligible[i], health, weights)
			wj := effectiveWeight(eligible[j], health, weights)
			if wi != wj {
				return wi > wj
			}
			return eligible[i] < eligible[j]
		})
	case PolicyLeastLoaded:
		sort.SliceStable(eligible, func(i, j int) bool {
			li, lj := inflight[eligible[i]], inflight[eligible[j]]
			if li != lj {
				return li < lj
			}
			ri, rj := health[eligible[i]].RollingLatency, health[eligible[j]].RollingLatency
			if ri != rj {
				return ri < rj
			}
			return eligible[i] < eligible[j]
		})
	case PolicyPriority:
		// enabled is already in priority order
	}

	return eligible
}

// effectiveWeight scales a provider's configured weight by its health.
func effectiveWeight(name string, health map[string]HealthRecord, weights map[string]float64) float64 {
	w, ok := weights[name]
	if !ok || w <= 0 {
		w = 1.0
	}
	if rec, known := health[name]; known && rec.Status == StatusDegraded {
		w *= degradedPenalty
	}
	return w
}
