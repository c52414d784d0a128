// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package personalization implements the fourth pipeline layer:
// per-user learning profiles, pattern detection over a sliding window
// of interactions, and adaptation directives that bias future prompts.
// Personalization never rewrites the current response.
package personalization

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"studymesh/platform/shared/logger"
)

// FeedbackType tags how a signal was collected.
type FeedbackType string

const (
	// FeedbackExplicit is a user-provided rating with optional text.
	FeedbackExplicit FeedbackType = "explicit"

	// FeedbackImplicit is behavior observed during the session.
	FeedbackImplicit FeedbackType = "implicit"
)

// Feedback is one signal about one interaction. Explicit and implicit
// feedback share this ingestion shape, distinguished by Type.
type Feedback struct {
	UserID  string       `json:"user_id"`
	QueryID string       `json:"query_id"`
	Type    FeedbackType `json:"type"`

	// Subject is the study topic the interaction concerned, when known.
	Subject string `json:"subject,omitempty"`

	// Explicit fields.
	Rating  int    `json:"rating,omitempty"` // 1..5
	Comment string `json:"comment,omitempty"`

	// Implicit fields.
	DwellTime   time.Duration `json:"dwell_time,omitempty"`
	FollowUps   int           `json:"follow_ups,omitempty"`
	Corrections int           `json:"corrections,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// Adaptation is one directive issued for future prompts.
type Adaptation struct {
	Directive string    `json:"directive"`
	Reason    string    `json:"reason"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Profile is the long-lived per-user aggregate. Snapshots returned by
// the engine are copies; mutation happens only inside the engine.
type Profile struct {
	UserID            string             `json:"user_id"`
	LearningStyle     string             `json:"learning_style"`
	SubjectScores     map[string]float64 `json:"subject_scores"`
	AdaptationHistory []Adaptation       `json:"adaptation_history"`
	InteractionCount  int                `json:"interaction_count"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Strengths returns subjects with a running score of 0.7 or higher,
// sorted for stable output.
func (p *Profile) Strengths() []string {
	return p.subjectsAbove(0.7)
}

// Weaknesses returns subjects scoring 0.4 or lower.
func (p *Profile) Weaknesses() []string {
	var out []string
	for s, score := range p.SubjectScores {
		if score <= 0.4 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Profile) subjectsAbove(min float64) []string {
	var out []string
	for s, score := range p.SubjectScores {
		if score >= min {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Config tunes pattern detection.
type Config struct {
	// WindowSize is how many recent interactions patterns are detected
	// over.
	WindowSize int `yaml:"window_size"`

	// MinSamples is the confidence floor: no directives are issued
	// until the window holds at least this many interactions.
	MinSamples int `yaml:"min_samples"`

	// MaxHistory caps the stored adaptation history per user.
	MaxHistory int `yaml:"max_history"`
}

// DefaultConfig returns the pattern-detection defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize: 20,
		MinSamples: 5,
		MaxHistory: 50,
	}
}

// userState is everything the engine holds for one user. Each user has
// their own lock so concurrent sessions of different users never
// contend, and concurrent sessions of the same user serialize.
type userState struct {
	mu         sync.Mutex
	profile    Profile
	window     []Feedback
	directives []string
}

// Engine owns all personalization state.
type Engine struct {
	mu    sync.RWMutex
	users map[string]*userState

	cfg Config
	log *logger.Logger
	now func() time.Time
}

// New creates an empty engine.
func New(cfg Config, log *logger.Logger) *Engine {
	d := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = d.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = d.MinSamples
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = d.MaxHistory
	}
	return &Engine{
		users: make(map[string]*userState),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Ingest accepts one feedback signal, explicit or implicit, and
// incrementally updates the user's profile and directives.
func (e *Engine) Ingest(fb Feedback) error {
	if fb.UserID == "" {
		return fmt.Errorf("feedback requires a user id")
	}
	switch fb.Type {
	case FeedbackExplicit:
		if fb.Rating < 1 || fb.Rating > 5 {
			return fmt.Errorf("explicit feedback rating %d out of range 1..5", fb.Rating)
		}
	case FeedbackImplicit:
		// no required fields; absent signals read as zero
	default:
		return fmt.Errorf("unknown feedback type %q", fb.Type)
	}
	if fb.RecordedAt.IsZero() {
		fb.RecordedAt = e.now()
	}

	state := e.stateFor(fb.UserID)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.window = append(state.window, fb)
	if len(state.window) > e.cfg.WindowSize {
		state.window = state.window[len(state.window)-e.cfg.WindowSize:]
	}

	state.profile.InteractionCount++
	state.profile.UpdatedAt = fb.RecordedAt
	e.updateSubjectScore(&state.profile, fb)
	e.refreshDirectives(state)

	return nil
}

// Directives returns the adaptation directives for the user's next
// turn. Empty until enough interactions accumulate.
func (e *Engine) Directives(userID string) []string {
	e.mu.RLock()
	state, ok := e.users[userID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]string, len(state.directives))
	copy(out, state.directives)
	return out
}

// ProfileSnapshot returns a copy of the user's profile.
func (e *Engine) ProfileSnapshot(userID string) (Profile, bool) {
	e.mu.RLock()
	state, ok := e.users[userID]
	e.mu.RUnlock()
	if !ok {
		return Profile{}, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	p := state.profile
	p.SubjectScores = make(map[string]float64, len(state.profile.SubjectScores))
	for k, v := range state.profile.SubjectScores {
		p.SubjectScores[k] = v
	}
	p.AdaptationHistory = make([]Adaptation, len(state.profile.AdaptationHistory))
	copy(p.AdaptationHistory, state.profile.AdaptationHistory)
	return p, true
}

func (e *Engine) stateFor(userID string) *userState {
	e.mu.RLock()
	state, ok := e.users[userID]
	e.mu.RUnlock()
	if ok {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok = e.users[userID]; ok {
		return state
	}
	state = &userState{profile: Profile{
		UserID:        userID,
		SubjectScores: make(map[string]float64),
	}}
	e.users[userID] = state
	return state
}

// updateSubjectScore maintains the running per-subject score via an
// exponential moving average of normalized ratings.
func (e *Engine) updateSubjectScore(p *Profile, fb Feedback) {
	if fb.Subject == "" {
		return
	}

	var signal float64
	switch fb.Type {
	case FeedbackExplicit:
		signal = float64(fb.Rating-1) / 4.0
	case FeedbackImplicit:
		// Corrections read as struggling; no corrections reads neutral.
		if fb.Corrections > 0 {
			signal = 0.2
		} else {
			signal = 0.6
		}
	}

	const alpha = 0.3
	if prev, ok := p.SubjectScores[fb.Subject]; ok {
		p.SubjectScores[fb.Subject] = alpha*signal + (1-alpha)*prev
	} else {
		p.SubjectScores[fb.Subject] = signal
	}
}
