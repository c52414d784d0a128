// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymesh/platform/provider"
	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

type stubModel struct {
	answer string
	err    error
}

func (m *stubModel) Name() string                { return "stub-model" }
func (m *stubModel) Type() provider.ProviderType { return provider.ProviderTypeMock }

func (m *stubModel) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &provider.CompletionResponse{Content: m.answer, Model: "stub"}, nil
}

func (m *stubModel) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	return &provider.ProbeResult{OK: true}, nil
}

func (m *stubModel) EstimateCost(req provider.CompletionRequest) *provider.CostEstimate {
	return nil
}

func testQuery(text string) *types.Query {
	return &types.Query{
		ID:     "q-1",
		UserID: "u-1",
		Text:   text,
	}
}

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		category types.QueryCategory
		risk     types.RiskLevel
		depth    types.ValidationDepth
	}{
		{
			name:     "factual question",
			text:     "What is the boiling point of water at sea level?",
			category: types.CategoryFactual,
			risk:     types.RiskMedium,
			depth:    types.DepthEnhanced,
		},
		{
			name:     "conversational",
			text:     "thanks, that helps a lot",
			category: types.CategoryConversational,
			risk:     types.RiskLow,
			depth:    types.DepthBasic,
		},
		{
			name:     "personal",
			text:     "Can you show my progress in algebra this month",
			category: types.CategoryPersonal,
			risk:     types.RiskMedium,
			depth:    types.DepthStandard,
		},
		{
			name:     "high risk",
			text:     "What is the correct dosage of ibuprofen for a teenager?",
			category: types.CategoryFactual,
			risk:     types.RiskHigh,
			depth:    types.DepthEnhanced,
		},
		{
			name:     "ambiguous",
			text:     "blue mitochondria sideways",
			category: types.CategoryAmbiguous,
			risk:     types.RiskMedium,
			depth:    types.DepthStandard,
		},
	}

	c := New(DefaultConfig(), logger.New("classifier-test"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, err := c.Classify(context.Background(), testQuery(tt.text))
			require.NoError(t, err)

			assert.Equal(t, "q-1", cls.QueryID)
			assert.Equal(t, tt.category, cls.Category)
			assert.Equal(t, tt.risk, cls.RiskLevel)
			assert.Equal(t, tt.depth, cls.RequiredValidationDepth)
			assert.False(t, cls.Truncated)
		})
	}
}

func TestClassifySanitizesControlCharacters(t *testing.T) {
	c := New(DefaultConfig(), logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("What is\x00 the boiling\x07 point of water?\x1b[0m"))
	require.NoError(t, err)

	assert.NotContains(t, cls.SanitizedText, "\x00")
	assert.NotContains(t, cls.SanitizedText, "\x07")
	assert.NotContains(t, cls.SanitizedText, "\x1b")
	assert.Equal(t, types.CategoryFactual, cls.Category)
}

func TestClassifyKeepsNewlinesAndTabs(t *testing.T) {
	c := New(DefaultConfig(), logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("What is photosynthesis?\nExplain:\n\t- inputs\n\t- outputs"))
	require.NoError(t, err)

	assert.Contains(t, cls.SanitizedText, "\n")
	assert.Contains(t, cls.SanitizedText, "\t")
}

func TestClassifyTruncatesLongInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLength = 50
	c := New(cfg, logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("What is the capital of France and "+strings.Repeat("also ", 30)))
	require.NoError(t, err)

	assert.True(t, cls.Truncated)
	assert.LessOrEqual(t, len([]rune(cls.SanitizedText)), 50)
	assert.False(t, strings.HasSuffix(cls.SanitizedText, " "))
}

func TestClassifyRejectsOversizedInput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLength = 50
	cfg.HardMaxLength = 100
	c := New(cfg, logger.New("classifier-test"))

	_, err := c.Classify(context.Background(), testQuery(strings.Repeat("a", 200)))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInputTooLong)
}

func TestClassifyModelRefinesAmbiguous(t *testing.T) {
	c := NewWithModel(DefaultConfig(), &stubModel{answer: "Factual"}, logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("blue mitochondria sideways"))
	require.NoError(t, err)

	assert.Equal(t, types.CategoryFactual, cls.Category)
}

func TestClassifyModelFailureFallsBackConservatively(t *testing.T) {
	c := NewWithModel(DefaultConfig(), &stubModel{err: errors.New("rate limited")}, logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("blue mitochondria sideways"))
	require.NoError(t, err)

	assert.Equal(t, types.CategoryAmbiguous, cls.Category)
	assert.Equal(t, types.RiskMedium, cls.RiskLevel)
	assert.Equal(t, types.DepthStandard, cls.RequiredValidationDepth)
}

func TestClassifyModelNotConsultedForClearQueries(t *testing.T) {
	model := &stubModel{answer: "personal"}
	c := NewWithModel(DefaultConfig(), model, logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("What is the speed of light?"))
	require.NoError(t, err)

	// A clear factual query never reaches the model.
	assert.Equal(t, types.CategoryFactual, cls.Category)
}

func TestClassifyModelGarbageAnswer(t *testing.T) {
	c := NewWithModel(DefaultConfig(), &stubModel{answer: "banana"}, logger.New("classifier-test"))

	cls, err := c.Classify(context.Background(), testQuery("blue mitochondria sideways"))
	require.NoError(t, err)

	assert.Equal(t, types.CategoryAmbiguous, cls.Category)
}

func TestTruncateAtWord(t *testing.T) {
	out := truncateAtWord("one two three four", 11)
	assert.Equal(t, "one two", out)

	out = truncateAtWord("short", 10)
	assert.Equal(t, "short", out)

	// Word-boundary backoff counts runes, not bytes: the space sits at
	// rune 3 of 8, early enough that the cut keeps the partial word.
	out = truncateAtWord("ααα ββββββββββ", 8)
	assert.Equal(t, "ααα ββββ", out)

	// A space past the midpoint still triggers the backoff.
	out = truncateAtWord("ααααα ββββββββ", 8)
	assert.Equal(t, "ααααα", out)
}

func TestClassifyModelTimeoutBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelTimeout = 10 * time.Millisecond
	slow := &stubModel{err: context.DeadlineExceeded}
	c := NewWithModel(cfg, slow, logger.New("classifier-test"))

	start := time.Now()
	cls, err := c.Classify(context.Background(), testQuery("blue mitochondria sideways"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.CategoryAmbiguous, cls.Category)
}
