// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymesh/platform/provider"
)

// fakeHTTPClient returns canned responses and records requests.
type fakeHTTPClient struct {
	status   int
	body     string
	lastReq  *http.Request
	lastBody []byte
	err      error
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
		Header:     make(http.Header),
	}, nil
}

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.Error(t, err)
}

func TestNewProviderDefaults(t *testing.T) {
	p, err := NewProvider(Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, provider.ProviderTypeAnthropic, p.Type())
	assert.Equal(t, DefaultBaseURL, p.baseURL)
	assert.Equal(t, DefaultModel, p.model)
}

func TestCompleteParsesResponse(t *testing.T) {
	p, err := NewProvider(Config{APIKey: "sk-test"})
	require.NoError(t, err)

	fake := &fakeHTTPClient{
		status: http.StatusOK,
		body: `{
			"content": [{"type": "text", "text": "Water boils at 100C at sea level."}],
			"model": "claude-3-5-haiku-20241022",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 9}
		}`,
	}
	p.SetHTTPClient(fake)

	resp, err := p.Complete(context.Background(), provider.CompletionRequest{
		Prompt:       "What is the boiling point of water at sea level?",
		SystemPrompt: "You are a study tutor.",
		MaxTokens:    256,
		Temperature:  0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "Water boils at 100C at sea level.", resp.Content)
	assert.Equal(t, 21, resp.TokensUsed)
	assert.Equal(t, "end_turn", resp.FinishReason)

	// Request carries auth and version headers.
	assert.Equal(t, "sk-test", fake.lastReq.Header.Get("x-api-key"))
	assert.Equal(t, DefaultAPIVersion, fake.lastReq.Header.Get("anthropic-version"))

	var sent messagesRequest
	require.NoError(t, json.Unmarshal(fake.lastBody, &sent))
	assert.Equal(t, "You are a study tutor.", sent.System)
	assert.Equal(t, 256, sent.MaxTokens)
	require.NotNil(t, sent.Temperature)
	assert.Equal(t, 0.2, *sent.Temperature)
}

func TestCompleteMapsAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  string
		retryable bool
	}{
		{"rate limited", 429, provider.ErrCodeRateLimit, true},
		{"server error", 503, provider.ErrCodeServerError, true},
		{"bad auth", 401, provider.ErrCodeAuth, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(Config{APIKey: "sk-test"})
			require.NoError(t, err)
			p.SetHTTPClient(&fakeHTTPClient{
				status: tt.status,
				body:   `{"error": {"type": "api_error", "message": "nope"}}`,
			})

			_, err = p.Complete(context.Background(), provider.CompletionRequest{Prompt: "hi"})
			require.Error(t, err)

			var perr *provider.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantCode, perr.Code)
			assert.Equal(t, tt.retryable, perr.Retryable)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestProbe(t *testing.T) {
	p, err := NewProvider(Config{APIKey: "sk-test"})
	require.NoError(t, err)

	p.SetHTTPClient(&fakeHTTPClient{
		status: http.StatusOK,
		body:   `{"content": [{"type": "text", "text": "p"}], "usage": {"input_tokens": 1, "output_tokens": 1}}`,
	})
	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)

	p.SetHTTPClient(&fakeHTTPClient{status: http.StatusServiceUnavailable, body: `{}`})
	res, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestEstimateCost(t *testing.T) {
	p, err := NewProvider(Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Nil(t, p.EstimateCost(provider.CompletionRequest{Prompt: "hi"}), "no configured costs")

	p, err = NewProvider(Config{APIKey: "sk-test", InputCostPer1K: 1.0, OutputCostPer1K: 5.0})
	require.NoError(t, err)
	est := p.EstimateCost(provider.CompletionRequest{Prompt: "hello world!", MaxTokens: 1000})
	require.NotNil(t, est)
	assert.Equal(t, "USD", est.Currency)
	assert.InDelta(t, 5.003, est.TotalEstimate, 0.01)
}
