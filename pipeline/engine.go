// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package pipeline contains the orchestration engine that sequences
// the reliability layers for each query under a request deadline, plus
// the configuration, metrics, and provider wiring it needs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"studymesh/platform/classifier"
	"studymesh/platform/compliance"
	"studymesh/platform/contextbundle"
	"studymesh/platform/knowledge"
	"studymesh/platform/optimizer"
	"studymesh/platform/personalization"
	"studymesh/platform/provider"
	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
	"studymesh/platform/validator"
)

// State is the engine's position in the per-query state machine.
type State string

const (
	StateReceived          State = "received"
	StateClassified        State = "classified"
	StateContextBuilt      State = "context_built"
	StateInvoked           State = "invoked"
	StateValidated         State = "validated"
	StatePersonalized      State = "personalized"
	StateComplianceChecked State = "compliance_checked"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Deps are the engine's collaborators, constructed once at startup.
type Deps struct {
	Classifier *classifier.Classifier
	Assembler  *contextbundle.Assembler
	Invoker    *provider.Invoker
	Monitor    *provider.HealthMonitor
	Validator  *validator.Validator
	Personal   *personalization.Engine
	Gate       *compliance.Gate
	Memory     knowledge.MemoryStore // optional
	Cache      *optimizer.ResponseCache
	Optimizer  *optimizer.Optimizer
	Metrics    *Metrics
	Log        *logger.Logger
}

// Engine is the Layer 5 coordinator. One ProcessQuery call handles one
// query end to end; calls are independent and safe to run concurrently.
type Engine struct {
	cfgm *ConfigManager
	deps Deps
}

// NewEngine wires the engine.
func NewEngine(cfgm *ConfigManager, deps Deps) *Engine {
	return &Engine{cfgm: cfgm, deps: deps}
}

// run is the mutable state of one query's journey.
type run struct {
	query         *types.Query
	correlationID string
	startedAt     time.Time
	state         State
	layers        []types.Stage
	stageLatency  map[types.Stage]time.Duration

	classification types.Classification
	bundle         *types.ContextBundle
	draft          *types.DraftResponse
	report         *types.ValidationReport
	regenerated    bool
	hedged         bool
}

func (r *run) transition(to State) { r.state = to }

// complete marks a stage done. LayersCompleted is a set: a stage rerun
// (regeneration, revalidation) updates its latency without a second entry.
func (r *run) complete(stage types.Stage, took time.Duration) {
	if !hasStage(r.layers, stage) {
		r.layers = append(r.layers, stage)
	}
	r.stageLatency[stage] = took
}

// ProcessQuery is the single inbound entry point. It always returns a
// ServiceResponse; pipeline failures surface as the safe fallback
// response, never as raw errors or raw provider text.
func (e *Engine) ProcessQuery(ctx context.Context, query *types.Query) (*types.ServiceResponse, error) {
	if query == nil || query.Text == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if query.ID == "" {
		query.ID = uuid.NewString()
	}

	cfg := e.cfgm.Current()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Overall)
	defer cancel()

	r := &run{
		query:         query,
		correlationID: uuid.NewString(),
		startedAt:     time.Now(),
		state:         StateReceived,
		stageLatency:  make(map[types.Stage]time.Duration),
	}

	resp := e.process(ctx, cfg, r)
	e.observe(r, resp)
	return resp, nil
}

func (e *Engine) process(ctx context.Context, cfg *Config, r *run) *types.ServiceResponse {
	log := e.deps.Log

	// Layer 1: classification. Mandatory.
	cls, err := e.classify(ctx, cfg, r)
	if err != nil {
		log.ErrorWithErr(r.query.UserID, r.query.ID, "classification failed", err, nil)
		return e.failSafe(ctx, cfg, r)
	}
	r.classification = cls
	r.transition(StateClassified)

	// Layer 2: context assembly. Store trouble degrades instead of
	// failing: empty bundle and one step less validation depth.
	bundle, err := e.assemble(ctx, cfg, r)
	if err != nil {
		if errors.Is(err, types.ErrContextStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			if bundle == nil {
				bundle = &types.ContextBundle{QueryID: r.query.ID, Degraded: true}
			}
			r.classification.RequiredValidationDepth = reduceDepth(r.classification.RequiredValidationDepth)
			log.Warn(r.query.UserID, r.query.ID, "context degraded, validation depth reduced",
				map[string]interface{}{"depth": string(r.classification.RequiredValidationDepth)})
		} else {
			log.ErrorWithErr(r.query.UserID, r.query.ID, "context assembly failed", err, nil)
			return e.failSafe(ctx, cfg, r)
		}
	}
	r.bundle = bundle
	r.transition(StateContextBuilt)

	// Identical query over identical context within the TTL is served
	// from the cache without touching a provider.
	cacheKey := optimizer.Key(r.classification.SanitizedText, r.bundle.Fingerprint())
	if cached := e.cached(ctx, cacheKey, r); cached != nil {
		return cached
	}

	// Layer: provider invocation. Mandatory; exhaustion falls back.
	draft, err := e.invoke(ctx, cfg, r)
	if err != nil {
		log.ErrorWithErr(r.query.UserID, r.query.ID, "all providers failed", err, nil)
		return e.failSafe(ctx, cfg, r)
	}
	r.draft = draft
	r.transition(StateInvoked)

	// Layer 3: validation, with one regeneration retry on rejection.
	report := e.validate(ctx, cfg, r, draft)
	if report != nil && report.ConfidenceScore < cfg.Validator.RejectionThreshold {
		e.deps.Metrics.RegenerationsTotal.Inc()
		r.regenerated = true
		log.ErrorWithErr(r.query.UserID, r.query.ID, "draft rejected, regenerating",
			types.ErrValidationRejected,
			map[string]interface{}{"confidence": report.ConfidenceScore})

		if retry, retryErr := e.invoke(ctx, cfg, r); retryErr == nil {
			if retryReport := e.validate(ctx, cfg, r, retry); retryReport != nil {
				if retryReport.ConfidenceScore >= cfg.Validator.RejectionThreshold {
					draft, report = retry, retryReport
				} else if retryReport.ConfidenceScore > report.ConfidenceScore {
					draft, report = retry, retryReport
					r.hedged = true
				} else {
					r.hedged = true
				}
			} else {
				r.hedged = true
			}
		} else {
			r.hedged = true
		}
		r.draft = draft
	}
	r.report = report
	if report != nil {
		r.transition(StateValidated)
	}

	finalText := draft.Text
	if r.hedged {
		finalText = cfg.HedgedMessagePrefix + finalText
	}

	// Layer 4: personalization. Optional; it records this interaction
	// and biases the next turn, never this one.
	e.personalize(r)

	// Compliance gate. Mandatory, always last before emission.
	decision, finalText := e.comply(ctx, cfg, r, finalText)
	r.transition(StateComplianceChecked)

	confidence := 0.5
	if report != nil {
		confidence = report.ConfidenceScore
	}

	resp := &types.ServiceResponse{
		QueryID:            r.query.ID,
		CorrelationID:      r.correlationID,
		FinalText:          finalText,
		ConfidenceScore:    confidence,
		ProviderUsed:       draft.ProviderID,
		FallbackUsed:       draft.AttemptNumber > 1,
		LayersCompleted:    r.layers,
		ComplianceDecision: &decision,
		TotalLatency:       time.Since(r.startedAt),
	}
	r.transition(StateCompleted)

	if decision.Allowed && !r.hedged && !resp.FallbackUsed &&
		confidence >= cfg.Validator.RejectionThreshold {
		e.cachePut(cacheKey, resp)
	}

	e.deps.Metrics.QueriesTotal.WithLabelValues("completed").Inc()
	e.deps.Metrics.ConfidenceScore.Observe(confidence)
	log.InfoWithDuration(r.query.UserID, r.query.ID, "query completed",
		float64(resp.TotalLatency.Milliseconds()), map[string]interface{}{
			"correlation_id": r.correlationID,
			"provider":       resp.ProviderUsed,
			"confidence":     confidence,
			"allowed":        decision.Allowed,
		})
	return resp
}

func (e *Engine) classify(ctx context.Context, cfg *Config, r *run) (types.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Classify)
	defer cancel()

	start := time.Now()
	cls, err := e.deps.Classifier.Classify(ctx, r.query)
	if err != nil {
		return cls, err
	}
	r.complete(types.StageClassification, time.Since(start))
	return cls, nil
}

func (e *Engine) assemble(ctx context.Context, cfg *Config, r *run) (*types.ContextBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Context)
	defer cancel()

	start := time.Now()
	bundle, err := e.deps.Assembler.Assemble(ctx, r.query, r.classification)
	if err != nil {
		return bundle, err
	}
	r.complete(types.StageContext, time.Since(start))
	return bundle, nil
}

func (e *Engine) invoke(ctx context.Context, cfg *Config, r *run) (*types.DraftResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Invoke)
	defer cancel()

	directives := e.deps.Personal.Directives(r.query.UserID)
	systemPrompt, userPrompt := contextbundle.BuildPrompt(r.classification.SanitizedText, r.bundle, directives)

	start := time.Now()
	draft, attempts, err := e.deps.Invoker.Invoke(ctx, r.query.ID, provider.CompletionRequest{
		Prompt:       userPrompt,
		SystemPrompt: systemPrompt,
	})
	took := time.Since(start)

	for _, a := range attempts {
		outcome := "failure"
		if a.Text != "" {
			outcome = "success"
		}
		e.deps.Metrics.ProviderAttempts.WithLabelValues(a.ProviderID, outcome).Inc()
	}

	if err != nil {
		return nil, err
	}
	r.complete(types.StageInvocation, took)
	return draft, nil
}

// validate runs Layer 3. A nil report means validation could not run
// and was skipped; the engine then proceeds with neutral confidence.
func (e *Engine) validate(ctx context.Context, cfg *Config, r *run, draft *types.DraftResponse) *types.ValidationReport {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Validate)
	defer cancel()

	start := time.Now()
	report, err := e.deps.Validator.Validate(ctx, draft, r.bundle, r.classification, e.reliabilityOf(draft.ProviderID))
	if err != nil {
		e.deps.Log.Warn(r.query.UserID, r.query.ID, "validation skipped",
			map[string]interface{}{"error": err.Error()})
		return nil
	}
	r.complete(types.StageValidation, time.Since(start))
	return report
}

func (e *Engine) personalize(r *run) {
	err := e.deps.Personal.Ingest(personalization.Feedback{
		UserID:  r.query.UserID,
		QueryID: r.query.ID,
		Type:    personalization.FeedbackImplicit,
	})
	if err != nil {
		e.deps.Log.Warn(r.query.UserID, r.query.ID, "personalization skipped",
			map[string]interface{}{"error": err.Error()})
		return
	}
	r.complete(types.StagePersonalization, 0)
	r.transition(StatePersonalized)

	if e.deps.Memory != nil && r.draft != nil {
		// Memory writes are off the response path; a lost write costs
		// one retrieval candidate, nothing more.
		query, draft := r.query, r.draft
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			content := "Q: " + query.Text + "\nA: " + draft.Text
			if err := e.deps.Memory.AppendMemory(ctx, query.UserID, query.ConversationID, content); err != nil {
				e.deps.Log.Warn(query.UserID, query.ID, "memory append failed",
					map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}

func (e *Engine) comply(ctx context.Context, cfg *Config, r *run, text string) (types.ComplianceDecision, string) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Compliance)
	defer cancel()

	start := time.Now()
	decision, finalText := e.deps.Gate.Evaluate(ctx, r.query, text)
	r.complete(types.StageCompliance, time.Since(start))

	if !decision.Allowed {
		e.deps.Metrics.ComplianceBlocked.Inc()
	}
	return decision, finalText
}

// failSafe emits the fixed fallback response. The compliance gate still
// runs on the fallback text, so compliance is never bypassed even in
// degraded mode.
func (e *Engine) failSafe(ctx context.Context, cfg *Config, r *run) *types.ServiceResponse {
	r.transition(StateFailed)

	// The parent deadline may already be spent; give compliance its
	// own small budget so the gate always runs.
	gateCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Compliance)
	defer cancel()
	decision, finalText := e.deps.Gate.Evaluate(gateCtx, r.query, cfg.FallbackMessage)
	r.complete(types.StageCompliance, 0)

	e.deps.Metrics.QueriesTotal.WithLabelValues("failed").Inc()

	return &types.ServiceResponse{
		QueryID:            r.query.ID,
		CorrelationID:      r.correlationID,
		FinalText:          finalText,
		ConfidenceScore:    0,
		FallbackUsed:       true,
		LayersCompleted:    r.layers,
		ComplianceDecision: &decision,
		TotalLatency:       time.Since(r.startedAt),
	}
}

// cached serves an identical query from the cache when possible.
func (e *Engine) cached(ctx context.Context, key string, r *run) *types.ServiceResponse {
	if e.deps.Cache == nil {
		return nil
	}
	hit, ok := e.deps.Cache.Get(ctx, key)
	if !ok {
		return nil
	}

	e.deps.Metrics.CacheHitsTotal.Inc()
	e.deps.Metrics.QueriesTotal.WithLabelValues("cached").Inc()

	resp := *hit
	resp.QueryID = r.query.ID
	resp.CorrelationID = r.correlationID
	resp.CacheHit = true
	resp.FallbackUsed = false
	resp.TotalLatency = time.Since(r.startedAt)

	e.deps.Log.Info(r.query.UserID, r.query.ID, "served from cache",
		map[string]interface{}{"correlation_id": r.correlationID})
	return &resp
}

func (e *Engine) cachePut(key string, resp *types.ServiceResponse) {
	if e.deps.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.deps.Cache.Put(ctx, key, resp)
}

// observe hands the finished run to the optimizer off the critical
// path.
func (e *Engine) observe(r *run, resp *types.ServiceResponse) {
	for stage, took := range r.stageLatency {
		e.deps.Metrics.StageDuration.WithLabelValues(string(stage)).Observe(took.Seconds())
	}
	if e.deps.Optimizer == nil || resp.CacheHit {
		return
	}

	latencies := make(map[types.Stage]time.Duration, len(r.stageLatency))
	for k, v := range r.stageLatency {
		latencies[k] = v
	}
	obs := optimizer.Observation{
		QueryID:      r.query.ID,
		ProviderUsed: resp.ProviderUsed,
		Success:      r.state == StateCompleted,
		FallbackUsed: resp.FallbackUsed,
		StageLatency: latencies,
		TotalLatency: resp.TotalLatency,
	}
	go e.deps.Optimizer.Observe(obs)
}

// reliabilityOf maps the monitor's view of a provider into the
// methodology signal for confidence scoring.
func (e *Engine) reliabilityOf(providerID string) float64 {
	rec, ok := e.deps.Monitor.Snapshot()[providerID]
	if !ok {
		return 0.7
	}
	switch rec.Status {
	case provider.StatusOnline:
		return 0.9
	case provider.StatusDegraded:
		return 0.6
	default:
		return 0.3
	}
}

func reduceDepth(d types.ValidationDepth) types.ValidationDepth {
	switch d {
	case types.DepthEnhanced:
		return types.DepthStandard
	case types.DepthStandard:
		return types.DepthBasic
	default:
		return types.DepthBasic
	}
}

func hasStage(layers []types.Stage, s types.Stage) bool {
	for _, l := range layers {
		if l == s {
			return true
		}
	}
	return false
}
