// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus collectors. One instance per
// process.
type Metrics struct {
	QueriesTotal       *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	ProviderAttempts   *prometheus.CounterVec
	ProviderHealth     *prometheus.GaugeVec
	ConfidenceScore    prometheus.Histogram
	CacheHitsTotal     prometheus.Counter
	ComplianceBlocked  prometheus.Counter
	RegenerationsTotal prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "queries_total",
			Help:      "Queries processed, by terminal status.",
		}, []string{"status"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"stage"}),

		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "provider_attempts_total",
			Help:      "Provider completion attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),

		ProviderHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "provider_health",
			Help:      "Provider availability: 1 online, 0.5 degraded, 0 offline.",
		}, []string{"provider"}),

		ConfidenceScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "confidence_score",
			Help:      "Validation confidence score distribution.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "cache_hits_total",
			Help:      "Responses served from the cache.",
		}),

		ComplianceBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "compliance_blocked_total",
			Help:      "Responses blocked by a mandatory compliance rule.",
		}),

		RegenerationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "studymesh",
			Subsystem: "pipeline",
			Name:      "regenerations_total",
			Help:      "Drafts regenerated after validation rejection.",
		}),
	}
}
