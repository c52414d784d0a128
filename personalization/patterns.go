// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package personalization

import (
	"time"
)

// Pattern thresholds over the sliding window. A pattern fires only when
// the window holds MinSamples interactions, so one bad session never
// swings the profile.
const (
	lowRatingThreshold   = 2.5
	highRatingThreshold  = 4.0
	correctionRateThresh = 0.3
	followUpRateThresh   = 1.5
	longDwellThreshold   = 90 * time.Second
	shortDwellThreshold  = 10 * time.Second
)

// windowStats summarizes the sliding window.
type windowStats struct {
	samples        int
	ratingCount    int
	avgRating      float64
	correctionRate float64
	avgFollowUps   float64
	avgDwell       time.Duration
}

func summarize(window []Feedback) windowStats {
	stats := windowStats{samples: len(window)}
	if stats.samples == 0 {
		return stats
	}

	ratingTotal := 0
	corrections := 0
	followUps := 0
	var dwell time.Duration
	dwellCount := 0

	for _, fb := range window {
		if fb.Type == FeedbackExplicit {
			ratingTotal += fb.Rating
			stats.ratingCount++
		}
		corrections += fb.Corrections
		followUps += fb.FollowUps
		if fb.DwellTime > 0 {
			dwell += fb.DwellTime
			dwellCount++
		}
	}

	if stats.ratingCount > 0 {
		stats.avgRating = float64(ratingTotal) / float64(stats.ratingCount)
	}
	stats.correctionRate = float64(corrections) / float64(stats.samples)
	stats.avgFollowUps = float64(followUps) / float64(stats.samples)
	if dwellCount > 0 {
		stats.avgDwell = dwell / time.Duration(dwellCount)
	}
	return stats
}

// refreshDirectives recomputes the user's directives from the current
// window and records newly issued ones in the adaptation history.
// Caller holds the user lock.
func (e *Engine) refreshDirectives(state *userState) {
	stats := summarize(state.window)
	if stats.samples < e.cfg.MinSamples {
		state.directives = nil
		return
	}

	var directives []string
	var reasons []string

	if stats.correctionRate > correctionRateThresh {
		directives = append(directives, "work through problems step by step and verify each intermediate result")
		reasons = append(reasons, "frequent corrections")
	}
	if stats.ratingCount > 0 && stats.avgRating < lowRatingThreshold {
		directives = append(directives, "increase example density and restate the key idea in plain language")
		reasons = append(reasons, "low ratings")
	}
	if stats.avgFollowUps > followUpRateThresh {
		directives = append(directives, "anticipate the obvious follow-up question and answer it up front")
		reasons = append(reasons, "frequent follow-ups")
	}
	if stats.avgDwell > longDwellThreshold {
		directives = append(directives, "shorten explanations and lead with the key point")
		reasons = append(reasons, "long reading time")
	}
	if stats.ratingCount > 0 && stats.avgRating >= highRatingThreshold &&
		stats.correctionRate <= correctionRateThresh {
		directives = append(directives, "keep the current explanation depth and tone")
		reasons = append(reasons, "consistently high ratings")
	}

	if weak := state.profile.Weaknesses(); len(weak) > 0 {
		directives = append(directives, "give extra scaffolding on: "+joinSubjects(weak))
		reasons = append(reasons, "weak subject scores")
	}

	e.recordAdaptations(state, directives, reasons)
	state.directives = directives
	e.inferLearningStyle(state, stats)
}

// recordAdaptations appends directives not already current to the
// history, capped at MaxHistory.
func (e *Engine) recordAdaptations(state *userState, directives, reasons []string) {
	current := make(map[string]struct{}, len(state.directives))
	for _, d := range state.directives {
		current[d] = struct{}{}
	}

	now := e.now()
	for i, d := range directives {
		if _, already := current[d]; already {
			continue
		}
		state.profile.AdaptationHistory = append(state.profile.AdaptationHistory, Adaptation{
			Directive: d,
			Reason:    reasons[i],
			IssuedAt:  now,
		})
	}

	if over := len(state.profile.AdaptationHistory) - e.cfg.MaxHistory; over > 0 {
		state.profile.AdaptationHistory = state.profile.AdaptationHistory[over:]
	}
}

// inferLearningStyle is a coarse label derived from window behavior,
// used for reporting rather than directives.
func (e *Engine) inferLearningStyle(state *userState, stats windowStats) {
	switch {
	case stats.avgFollowUps > followUpRateThresh:
		state.profile.LearningStyle = "interactive"
	case stats.avgDwell > longDwellThreshold:
		state.profile.LearningStyle = "deliberate"
	case stats.avgDwell > 0 && stats.avgDwell < shortDwellThreshold:
		state.profile.LearningStyle = "skimmer"
	default:
		state.profile.LearningStyle = "balanced"
	}
}

func joinSubjects(subjects []string) string {
	out := ""
	for i, s := range subjects {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
