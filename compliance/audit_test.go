// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package compliance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

type fakeAuditStore struct {
	mu        sync.Mutex
	decisions []types.ComplianceDecision
	failures  int // first N appends fail
	block     chan struct{}
}

func (s *fakeAuditStore) AppendDecision(ctx context.Context, d types.ComplianceDecision) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("audit store down")
	}
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *fakeAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}

func testQueueConfig(t *testing.T) AuditQueueConfig {
	cfg := DefaultAuditQueueConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.FallbackPath = filepath.Join(t.TempDir(), "fallback.jsonl")
	return cfg
}

func decisionWithID(id string) types.ComplianceDecision {
	return types.ComplianceDecision{
		ID:          id,
		QueryID:     "q-1",
		Allowed:     true,
		EvaluatedAt: time.Now().UTC(),
	}
}

func readFallback(t *testing.T, path string) []types.ComplianceDecision {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []types.ComplianceDecision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d types.ComplianceDecision
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &d))
		out = append(out, d)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestAuditQueueDelivers(t *testing.T) {
	store := &fakeAuditStore{}
	cfg := testQueueConfig(t)

	aq, err := NewAuditQueue(store, cfg, logger.New("audit-test"))
	require.NoError(t, err)

	aq.Append(decisionWithID("d-1"))
	aq.Append(decisionWithID("d-2"))
	aq.Shutdown()

	assert.Equal(t, 2, store.count())
	assert.Empty(t, readFallback(t, cfg.FallbackPath))
}

func TestAuditQueueRetriesTransientFailure(t *testing.T) {
	store := &fakeAuditStore{failures: 2}
	cfg := testQueueConfig(t)
	cfg.Workers = 1

	aq, err := NewAuditQueue(store, cfg, logger.New("audit-test"))
	require.NoError(t, err)

	aq.Append(decisionWithID("d-1"))
	aq.Shutdown()

	assert.Equal(t, 1, store.count())
	assert.Empty(t, readFallback(t, cfg.FallbackPath))
}

func TestAuditQueueFallsBackAfterRetryBudget(t *testing.T) {
	store := &fakeAuditStore{failures: 100}
	cfg := testQueueConfig(t)
	cfg.Workers = 1
	cfg.MaxRetries = 2

	aq, err := NewAuditQueue(store, cfg, logger.New("audit-test"))
	require.NoError(t, err)

	aq.Append(decisionWithID("d-lost"))
	aq.Shutdown()

	assert.Zero(t, store.count())

	spilled := readFallback(t, cfg.FallbackPath)
	require.Len(t, spilled, 1)
	assert.Equal(t, "d-lost", spilled[0].ID)
	assert.Equal(t, "q-1", spilled[0].QueryID)
}

func TestAuditQueueNoBackoffAfterFinalAttempt(t *testing.T) {
	store := &fakeAuditStore{failures: 100}
	cfg := testQueueConfig(t)
	cfg.Workers = 1
	cfg.MaxRetries = 3
	cfg.RetryBackoff = 100 * time.Millisecond

	aq, err := NewAuditQueue(store, cfg, logger.New("audit-test"))
	require.NoError(t, err)

	start := time.Now()
	aq.Append(decisionWithID("d-spilled"))
	aq.Shutdown()
	elapsed := time.Since(start)

	// Backoff runs between attempts only: 100ms + 200ms. A trailing
	// sleep after the third attempt would push this past 600ms.
	assert.Less(t, elapsed, 500*time.Millisecond)

	spilled := readFallback(t, cfg.FallbackPath)
	require.Len(t, spilled, 1)
	assert.Equal(t, "d-spilled", spilled[0].ID)
}

func TestAuditQueueSpillsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	store := &fakeAuditStore{block: release}
	cfg := testQueueConfig(t)
	cfg.Workers = 1
	cfg.QueueSize = 1

	aq, err := NewAuditQueue(store, cfg, logger.New("audit-test"))
	require.NoError(t, err)

	// First decision occupies the worker, second fills the queue, the
	// third must spill without blocking.
	aq.Append(decisionWithID("d-1"))
	assert.Eventually(t, func() bool {
		select {
		case aq.queue <- decisionWithID("d-2"):
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		aq.Append(decisionWithID("d-3"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a saturated queue")
	}

	close(release)
	aq.Shutdown()

	spilled := readFallback(t, cfg.FallbackPath)
	require.Len(t, spilled, 1)
	assert.Equal(t, "d-3", spilled[0].ID)
}

func TestAuditQueueShutdownDrains(t *testing.T) {
	store := &fakeAuditStore{}
	cfg := testQueueConfig(t)

	aq, err := NewAuditQueue(store, cfg, logger.New("audit-test"))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		aq.Append(decisionWithID("d"))
	}
	aq.Shutdown()

	assert.Equal(t, 20, store.count())
}
