// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type stubProvider struct {
	name string
	text string
	fail bool

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Type() provider.ProviderType { return provider.ProviderTypeMock }

func (s *stubProvider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail {
		return nil, provider.NewError(s.name, "service_unavailable", "upstream returned 503")
	}
	return &provider.CompletionResponse{Content: s.text, Model: "stub"}, nil
}

func (s *stubProvider) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	if s.fail {
		return &provider.ProbeResult{OK: false}, nil
	}
	return &provider.ProbeResult{OK: true, Latency: time.Millisecond}, nil
}

func (s *stubProvider) EstimateCost(req provider.CompletionRequest) *provider.CostEstimate {
	return nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeKnowledge backs both memory and facts, optionally unreachable.
type fakeKnowledge struct {
	facts []types.KnowledgeFact
	down  bool
}

func (f *fakeKnowledge) GetRelevantMemory(ctx context.Context, userID, text string, limit int) ([]types.MemoryItem, error) {
	if f.down {
		return nil, knowledge.ErrStoreUnavailable
	}
	return nil, nil
}

func (f *fakeKnowledge) AppendMemory(ctx context.Context, userID, conversationID, content string) error {
	if f.down {
		return knowledge.ErrStoreUnavailable
	}
	return nil
}

func (f *fakeKnowledge) SearchFacts(ctx context.Context, text string, limit int) ([]types.KnowledgeFact, error) {
	if f.down {
		return nil, knowledge.ErrStoreUnavailable
	}
	return f.facts, nil
}

func (f *fakeKnowledge) GetVerifiedFacts(ctx context.Context, claims []string) (map[string][]types.KnowledgeFact, error) {
	if f.down {
		return nil, knowledge.ErrStoreUnavailable
	}
	out := make(map[string][]types.KnowledgeFact, len(claims))
	for _, c := range claims {
		out[c] = f.facts
	}
	return out, nil
}

type captureAuditor struct {
	mu        sync.Mutex
	decisions []types.ComplianceDecision
}

func (a *captureAuditor) Append(d types.ComplianceDecision) {
	a.mu.Lock()
	a.decisions = append(a.decisions, d)
	a.mu.Unlock()
}

type testHarness struct {
	engine  *Engine
	cfg     *Config
	auditor *captureAuditor
	redis   *miniredis.Miniredis
}

func newTestHarness(t *testing.T, store *fakeKnowledge, providers ...*stubProvider) *testHarness {
	t.Helper()

	log := logger.New("pipeline-test")
	cfg := DefaultConfig()

	registry := provider.NewRegistry()
	for i, p := range providers {
		err := registry.Register(p, &provider.Config{
			Name:     p.name,
			Type:     provider.ProviderTypeMock,
			Enabled:  true,
			Priority: i + 1,
			Weight:   1,
		})
		require.NoError(t, err)
	}

	monitor := provider.NewHealthMonitor(registry, provider.DefaultMonitorConfig(), log)
	selector := provider.NewSelector(provider.PolicyPriority)
	invoker := provider.NewInvoker(registry, monitor, selector, provider.InvokerConfig{
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		SLALatency:     time.Second,
	}, log)

	mr := miniredis.RunT(t)
	cache := optimizer.NewResponseCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute, log)

	auditor := &captureAuditor{}
	gate := compliance.NewGate(compliance.DefaultFrameworks(), auditor, log)

	kstore := knowledge.Store{Memory: store, Facts: store}
	deps := Deps{
		Classifier: classifier.New(classifier.DefaultConfig(), log),
		Assembler:  contextbundle.New(kstore, contextbundle.DefaultConfig(), log),
		Invoker:    invoker,
		Monitor:    monitor,
		Validator:  validator.New(store, validator.DefaultConfig(), log),
		Personal:   personalization.New(personalization.DefaultConfig(), log),
		Gate:       gate,
		Memory:     store,
		Cache:      cache,
		Optimizer:  optimizer.New(invoker, log),
		Metrics:    NewMetrics(prometheus.NewRegistry()),
		Log:        log,
	}

	return &testHarness{
		engine:  NewEngine(NewStaticConfigManager(cfg, log), deps),
		cfg:     cfg,
		auditor: auditor,
		redis:   mr,
	}
}

func adultQuery(text string) *types.Query {
	return &types.Query{
		UserID:         "user-1",
		ConversationID: "conv-1",
		Text:           text,
		SubmittedAt:    time.Now(),
		Context: types.UserContext{
			AgeGroup:       types.AgeGroupAdult,
			Jurisdiction:   "us",
			ConsentGranted: true,
		},
	}
}

func TestProcessQueryHappyPath(t *testing.T) {
	primary := &stubProvider{name: "primary", text: "Water boils at 100 degrees Celsius at sea level."}
	secondary := &stubProvider{name: "secondary", text: "It boils at 100 C."}
	store := &fakeKnowledge{facts: []types.KnowledgeFact{
		{Fact: "Water boils at 100 degrees Celsius at sea level.", ReliabilityScore: 0.95, SourceID: "physics"},
	}}
	h := newTestHarness(t, store, primary, secondary)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the boiling point of water at sea level?"))
	require.NoError(t, err)

	assert.Equal(t, "primary", resp.ProviderUsed)
	assert.False(t, resp.FallbackUsed)
	assert.False(t, resp.CacheHit)
	assert.Greater(t, resp.ConfidenceScore, 0.7)
	assert.Contains(t, resp.FinalText, "100 degrees Celsius")
	require.NotNil(t, resp.ComplianceDecision)
	assert.True(t, resp.ComplianceDecision.Allowed)
	assert.Zero(t, secondary.callCount())

	for _, stage := range []types.Stage{
		types.StageClassification, types.StageContext, types.StageInvocation,
		types.StageValidation, types.StagePersonalization, types.StageCompliance,
	} {
		assert.True(t, resp.CompletedLayer(stage), "missing layer %s", stage)
	}
}

func TestProcessQueryKnowledgeStoreDown(t *testing.T) {
	primary := &stubProvider{name: "primary", text: "Water boils at 100 degrees Celsius at sea level."}
	h := newTestHarness(t, &fakeKnowledge{down: true}, primary)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the boiling point of water at sea level?"))
	require.NoError(t, err)

	// Degraded context means a lighter validation pass, not a failure.
	assert.Contains(t, resp.FinalText, "100 degrees Celsius")
	assert.False(t, resp.FallbackUsed)
	assert.Greater(t, resp.ConfidenceScore, 0.0)
	assert.True(t, resp.ComplianceDecision.Allowed)
}

func TestProcessQueryAllProvidersFail(t *testing.T) {
	h := newTestHarness(t, &fakeKnowledge{},
		&stubProvider{name: "primary", fail: true},
		&stubProvider{name: "secondary", fail: true},
	)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the boiling point of water?"))
	require.NoError(t, err)

	assert.Equal(t, h.cfg.FallbackMessage, resp.FinalText)
	assert.True(t, resp.FallbackUsed)
	assert.Zero(t, resp.ConfidenceScore)
	assert.Empty(t, resp.ProviderUsed)
	require.NotNil(t, resp.ComplianceDecision)
	assert.True(t, resp.ComplianceDecision.Allowed)
}

func TestProcessQueryFallbackProvider(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: true}
	secondary := &stubProvider{name: "secondary", text: "Water boils at 100 degrees Celsius at sea level."}
	store := &fakeKnowledge{facts: []types.KnowledgeFact{
		{Fact: "Water boils at 100 degrees Celsius at sea level.", ReliabilityScore: 0.95, SourceID: "physics"},
	}}
	h := newTestHarness(t, store, primary, secondary)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the boiling point of water at sea level?"))
	require.NoError(t, err)

	assert.Equal(t, "secondary", resp.ProviderUsed)
	assert.True(t, resp.FallbackUsed)
	assert.GreaterOrEqual(t, primary.callCount(), 1)
	assert.Contains(t, resp.FinalText, "100 degrees Celsius")
}

func TestProcessQueryCacheIdempotence(t *testing.T) {
	primary := &stubProvider{name: "primary", text: "Water boils at 100 degrees Celsius at sea level."}
	store := &fakeKnowledge{facts: []types.KnowledgeFact{
		{Fact: "Water boils at 100 degrees Celsius at sea level.", ReliabilityScore: 0.95, SourceID: "physics"},
	}}
	h := newTestHarness(t, store, primary)

	q := "What is the boiling point of water at sea level?"
	first, err := h.engine.ProcessQuery(context.Background(), adultQuery(q))
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := h.engine.ProcessQuery(context.Background(), adultQuery(q))
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.False(t, second.FallbackUsed)
	assert.Equal(t, first.FinalText, second.FinalText)
	assert.Equal(t, first.ConfidenceScore, second.ConfidenceScore)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, 1, primary.callCount())
}

func TestProcessQueryRejectionHedges(t *testing.T) {
	// High-risk question answered with a number the fact corpus
	// contradicts: the rejected draft is regenerated once, then hedged.
	primary := &stubProvider{name: "primary", text: "The recommended adult dosage is 4000 mg every hour."}
	store := &fakeKnowledge{facts: []types.KnowledgeFact{
		{Fact: "The recommended adult dosage is 400 mg every six hours.", ReliabilityScore: 0.99, SourceID: "pharmacology"},
	}}
	h := newTestHarness(t, store, primary)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the safe dosage of ibuprofen?"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.FinalText, h.cfg.HedgedMessagePrefix),
		"expected hedged response, got %q", resp.FinalText)
	assert.Equal(t, 2, primary.callCount(), "expected one regeneration attempt")
	assert.Less(t, resp.ConfidenceScore, h.cfg.Validator.RejectionThreshold)

	// Hedged responses never populate the cache.
	retry, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the safe dosage of ibuprofen?"))
	require.NoError(t, err)
	assert.False(t, retry.CacheHit)
}

func TestProcessQueryRegenerationKeepsLayersUnique(t *testing.T) {
	// The regeneration retry reruns invocation and validation; both
	// must still appear exactly once in LayersCompleted.
	primary := &stubProvider{name: "primary", text: "The recommended adult dosage is 4000 mg every hour."}
	store := &fakeKnowledge{facts: []types.KnowledgeFact{
		{Fact: "The recommended adult dosage is 400 mg every six hours.", ReliabilityScore: 0.99, SourceID: "pharmacology"},
	}}
	h := newTestHarness(t, store, primary)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the safe dosage of ibuprofen?"))
	require.NoError(t, err)
	require.Equal(t, 2, primary.callCount(), "expected one regeneration attempt")

	seen := make(map[types.Stage]int)
	for _, stage := range resp.LayersCompleted {
		seen[stage]++
	}
	for stage, n := range seen {
		assert.Equal(t, 1, n, "stage %s appears %d times", stage, n)
	}
	assert.Equal(t, 1, seen[types.StageInvocation])
	assert.Equal(t, 1, seen[types.StageValidation])
}

func TestProcessQueryMinorWithoutConsentBlocked(t *testing.T) {
	h := newTestHarness(t, &fakeKnowledge{},
		&stubProvider{name: "primary", fail: true},
	)

	q := adultQuery("What is the boiling point of water?")
	q.Context.AgeGroup = types.AgeGroupMinor
	q.Context.ConsentGranted = false

	resp, err := h.engine.ProcessQuery(context.Background(), q)
	require.NoError(t, err)

	// Even the fallback path goes through the gate.
	assert.Equal(t, compliance.SafeCompletionMessage, resp.FinalText)
	require.NotNil(t, resp.ComplianceDecision)
	assert.False(t, resp.ComplianceDecision.Allowed)
	assert.NotEmpty(t, resp.ComplianceDecision.ViolatedRules)
}

func TestProcessQueryRedactsPII(t *testing.T) {
	primary := &stubProvider{name: "primary", text: "You can reach the tutor at tutor@example.com for details."}
	h := newTestHarness(t, &fakeKnowledge{}, primary)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("How do I contact my tutor?"))
	require.NoError(t, err)

	assert.NotContains(t, resp.FinalText, "tutor@example.com")
	assert.Contains(t, resp.FinalText, "[REDACTED]")
	assert.True(t, resp.ComplianceDecision.Allowed)
}

func TestProcessQueryConfidenceBounds(t *testing.T) {
	queries := []string{
		"What is the boiling point of water at sea level?",
		"thanks",
		"asdf qwerty zxcv",
		"What is the safe dosage of ibuprofen?",
	}
	store := &fakeKnowledge{facts: []types.KnowledgeFact{
		{Fact: "Water boils at 100 degrees Celsius at sea level.", ReliabilityScore: 0.95, SourceID: "physics"},
	}}
	h := newTestHarness(t, store, &stubProvider{name: "primary", text: "Here is a short answer."})

	for _, q := range queries {
		resp, err := h.engine.ProcessQuery(context.Background(), adultQuery(q))
		require.NoError(t, err, q)
		assert.GreaterOrEqual(t, resp.ConfidenceScore, 0.0, q)
		assert.LessOrEqual(t, resp.ConfidenceScore, 1.0, q)
	}
}

func TestProcessQueryRejectsEmptyInput(t *testing.T) {
	h := newTestHarness(t, &fakeKnowledge{}, &stubProvider{name: "primary", text: "ok"})

	_, err := h.engine.ProcessQuery(context.Background(), &types.Query{})
	assert.Error(t, err)
}

func TestProcessQueryAuditTrail(t *testing.T) {
	h := newTestHarness(t, &fakeKnowledge{},
		&stubProvider{name: "primary", text: "Water boils at 100 degrees Celsius at sea level."},
	)

	resp, err := h.engine.ProcessQuery(context.Background(), adultQuery("What is the boiling point of water?"))
	require.NoError(t, err)

	h.auditor.mu.Lock()
	defer h.auditor.mu.Unlock()
	require.Len(t, h.auditor.decisions, 1)
	assert.Equal(t, resp.ComplianceDecision.ID, h.auditor.decisions[0].ID)
}
