// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package knowledge defines the external Knowledge Store consumed by the
// pipeline: conversation memory keyed by user, and the verified fact
// corpus used for context grounding and claim checking.
package knowledge

import (
	"context"
	"errors"

	"studymesh/platform/shared/types"
)

// ErrStoreUnavailable is returned when a backend cannot be reached
// within its sub-timeout. Callers degrade rather than fail the request.
var ErrStoreUnavailable = errors.New("knowledge store unavailable")

// MemoryStore serves per-user conversation memory.
type MemoryStore interface {
	// GetRelevantMemory returns up to limit memory items for the user
	// ranked by relevance to text.
	GetRelevantMemory(ctx context.Context, userID, text string, limit int) ([]types.MemoryItem, error)

	// AppendMemory records a new memory item for future retrieval.
	AppendMemory(ctx context.Context, userID, conversationID, content string) error
}

// FactStore serves the verified fact corpus.
type FactStore interface {
	// SearchFacts returns up to limit verified facts relevant to the
	// query text, for context assembly.
	SearchFacts(ctx context.Context, text string, limit int) ([]types.KnowledgeFact, error)

	// GetVerifiedFacts returns, per claim, the candidate verified facts
	// a fact-checker should compare the claim against.
	GetVerifiedFacts(ctx context.Context, claims []string) (map[string][]types.KnowledgeFact, error)
}

// Store is the combined knowledge store handed to pipeline stages.
type Store struct {
	Memory MemoryStore
	Facts  FactStore
}
