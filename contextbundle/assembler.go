// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package contextbundle implements the second pipeline layer: retrieval
// of conversation memory and verified facts, relevance scoring, and
// greedy packing into a bounded bundle that grounds the prompt.
package contextbundle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"studymesh/platform/knowledge"
	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// Config bounds retrieval and packing.
type Config struct {
	// TokenBudget caps the packed bundle. Bytes are estimated at four
	// per token.
	TokenBudget int `yaml:"token_budget"`

	// MemoryLimit and FactLimit cap how many candidates are retrieved
	// before scoring.
	MemoryLimit int `yaml:"memory_limit"`
	FactLimit   int `yaml:"fact_limit"`

	// StoreTimeout bounds each knowledge store call.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// RecencyHalfLife controls how fast old memory decays.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
}

// DefaultConfig returns the packing defaults.
func DefaultConfig() Config {
	return Config{
		TokenBudget:     6000,
		MemoryLimit:     20,
		FactLimit:       20,
		StoreTimeout:    5 * time.Second,
		RecencyHalfLife: 72 * time.Hour,
	}
}

// Assembler builds one ContextBundle per query.
type Assembler struct {
	store knowledge.Store
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
}

// New creates an assembler over the given knowledge store.
func New(store knowledge.Store, cfg Config, log *logger.Logger) *Assembler {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultConfig().TokenBudget
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultConfig().MemoryLimit
	}
	if cfg.FactLimit <= 0 {
		cfg.FactLimit = DefaultConfig().FactLimit
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = DefaultConfig().RecencyHalfLife
	}
	return &Assembler{store: store, cfg: cfg, log: log, now: time.Now}
}

// Assemble retrieves memory and facts concurrently, scores them, and
// packs the best into the token budget. When the knowledge store is
// unreachable it returns a degraded empty bundle together with an error
// wrapping ErrContextStoreUnavailable; the caller proceeds with the
// bundle at reduced validation depth.
func (a *Assembler) Assemble(ctx context.Context, query *types.Query, cls types.Classification) (*types.ContextBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()

	var (
		memory []types.MemoryItem
		facts  []types.KnowledgeFact
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		items, err := a.store.Memory.GetRelevantMemory(gctx, query.UserID, cls.SanitizedText, a.cfg.MemoryLimit)
		if err != nil {
			return fmt.Errorf("memory retrieval: %w", err)
		}
		memory = items
		return nil
	})

	// Conversational chit-chat does not need the fact corpus.
	if cls.Category != types.CategoryConversational {
		g.Go(func() error {
			found, err := a.store.Facts.SearchFacts(gctx, cls.SanitizedText, a.cfg.FactLimit)
			if err != nil {
				return fmt.Errorf("fact retrieval: %w", err)
			}
			facts = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, knowledge.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn(query.UserID, query.ID, "knowledge store unreachable, degrading to empty bundle",
				map[string]interface{}{"error": err.Error()})
			bundle := &types.ContextBundle{QueryID: query.ID, Degraded: true}
			return bundle, fmt.Errorf("assemble context for query %s: %w", query.ID, types.ErrContextStoreUnavailable)
		}
		return nil, fmt.Errorf("assemble context for query %s: %w", query.ID, err)
	}

	bundle := a.pack(query, cls.SanitizedText, memory, facts)

	a.log.Debug(query.UserID, query.ID, "context bundle assembled", map[string]interface{}{
		"memory_items":    len(bundle.MemoryItems),
		"knowledge_facts": len(bundle.KnowledgeFacts),
		"size_bytes":      bundle.SizeBytes,
	})

	return bundle, nil
}

// pack scores candidates against the query and greedily fills the byte
// budget, highest score first. Items at the boundary are truncated at a
// sentence break rather than split mid-sentence.
func (a *Assembler) pack(query *types.Query, text string, memory []types.MemoryItem, facts []types.KnowledgeFact) *types.ContextBundle {
	now := a.now()

	scored := make([]types.MemoryItem, len(memory))
	for i, m := range memory {
		m.RelevanceScore = a.scoreMemory(text, m, now)
		scored[i] = m
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].RelevanceScore != scored[j].RelevanceScore {
			return scored[i].RelevanceScore > scored[j].RelevanceScore
		}
		return scored[i].RecordedAt.After(scored[j].RecordedAt)
	})

	rankedFacts := make([]types.KnowledgeFact, len(facts))
	copy(rankedFacts, facts)
	sort.SliceStable(rankedFacts, func(i, j int) bool {
		si := scoreFact(text, rankedFacts[i])
		sj := scoreFact(text, rankedFacts[j])
		if si != sj {
			return si > sj
		}
		return rankedFacts[i].SourceID < rankedFacts[j].SourceID
	})

	budget := a.cfg.TokenBudget * 4 // rough bytes-per-token estimate
	bundle := &types.ContextBundle{QueryID: query.ID}

	// Facts first: grounding material outranks conversational memory.
	for _, f := range rankedFacts {
		if budget <= 0 {
			break
		}
		if len(f.Fact) > budget {
			f.Fact = truncateAtSentence(f.Fact, budget)
			if f.Fact == "" {
				break
			}
		}
		bundle.KnowledgeFacts = append(bundle.KnowledgeFacts, f)
		bundle.SizeBytes += len(f.Fact)
		budget -= len(f.Fact)
	}

	for _, m := range scored {
		if budget <= 0 {
			break
		}
		if len(m.Content) > budget {
			m.Content = truncateAtSentence(m.Content, budget)
			if m.Content == "" {
				break
			}
		}
		bundle.MemoryItems = append(bundle.MemoryItems, m)
		bundle.SizeBytes += len(m.Content)
		budget -= len(m.Content)
	}

	return bundle
}

// scoreMemory combines the store's relevance signal, lexical overlap
// with the query, and exponential recency decay.
func (a *Assembler) scoreMemory(text string, m types.MemoryItem, now time.Time) float64 {
	similarity := lexicalOverlap(text, m.Content)
	age := now.Sub(m.RecordedAt)
	if age < 0 {
		age = 0
	}
	recency := decay(age, a.cfg.RecencyHalfLife)
	return 0.5*m.RelevanceScore + 0.3*similarity + 0.2*recency
}

func scoreFact(text string, f types.KnowledgeFact) float64 {
	return 0.6*f.ReliabilityScore + 0.4*lexicalOverlap(text, f.Fact)
}
