// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymesh/platform/provider"
)

func TestCompleteAgainstFakeServer(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(generateResponse{ //nolint:errcheck
			Model:           gotReq.Model,
			Response:        "The mitochondria is the powerhouse of the cell.",
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 15,
			EvalCount:       11,
		})
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL, Model: "llama3.1"})

	resp, err := p.Complete(context.Background(), provider.CompletionRequest{
		Prompt:      "What is the mitochondria?",
		MaxTokens:   128,
		Temperature: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, "The mitochondria is the powerhouse of the cell.", resp.Content)
	assert.Equal(t, 26, resp.TokensUsed)
	assert.Equal(t, "stop", resp.FinishReason)

	assert.False(t, gotReq.Stream)
	assert.Equal(t, float64(128), gotReq.Options["num_predict"])
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL})
	_, err := p.Complete(context.Background(), provider.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrCodeServerError, perr.Code)
	assert.True(t, perr.Retryable)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models": []}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL})
	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)

	srv.Close()
	res, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestEstimateCostIsNil(t *testing.T) {
	p := NewProvider(Config{})
	assert.Nil(t, p.EstimateCost(provider.CompletionRequest{Prompt: "hi"}))
}
