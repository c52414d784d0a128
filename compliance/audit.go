// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// AuditStore is the external append-only decision log. Appends must be
// idempotent by decision id so at-least-once delivery is safe.
type AuditStore interface {
	AppendDecision(ctx context.Context, decision types.ComplianceDecision) error
}

// PostgresAuditStore appends decisions to the compliance_decisions
// table. The primary key on id makes duplicate deliveries no-ops.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore wraps an existing connection pool.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

// AppendDecision inserts one decision, ignoring duplicates by id.
func (s *PostgresAuditStore) AppendDecision(ctx context.Context, decision types.ComplianceDecision) error {
	redactions, err := json.Marshal(decision.Redactions)
	if err != nil {
		return fmt.Errorf("failed to encode redactions: %w", err)
	}

	query := `
		INSERT INTO compliance_decisions (id, query_id, allowed, redactions, violated_rules, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		decision.ID,
		decision.QueryID,
		decision.Allowed,
		redactions,
		pq.Array(decision.ViolatedRules),
		decision.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append compliance decision: %w", err)
	}
	return nil
}

// AuditQueueConfig tunes the async delivery pipeline.
type AuditQueueConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	FallbackPath string        `yaml:"fallback_path"`
}

// DefaultAuditQueueConfig returns the delivery defaults.
func DefaultAuditQueueConfig() AuditQueueConfig {
	return AuditQueueConfig{
		QueueSize:    1024,
		Workers:      2,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		FallbackPath: "audit_fallback.jsonl",
	}
}

// AuditQueue delivers decisions to the audit store off the response
// path. When the store stays down through the retry budget, or the
// queue is saturated, decisions go to an append-only JSONL fallback
// file so nothing is lost.
type AuditQueue struct {
	store AuditStore
	cfg   AuditQueueConfig
	log   *logger.Logger

	queue        chan types.ComplianceDecision
	wg           sync.WaitGroup
	fallbackFile *os.File
	fallbackMu   sync.Mutex

	closeOnce sync.Once
}

// NewAuditQueue opens the fallback file and starts the workers.
func NewAuditQueue(store AuditStore, cfg AuditQueueConfig, log *logger.Logger) (*AuditQueue, error) {
	d := DefaultAuditQueueConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = d.RetryBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = d.FallbackPath
	}

	fallbackFile, err := os.OpenFile(cfg.FallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit fallback file: %w", err)
	}

	aq := &AuditQueue{
		store:        store,
		cfg:          cfg,
		log:          log,
		queue:        make(chan types.ComplianceDecision, cfg.QueueSize),
		fallbackFile: fallbackFile,
	}

	for i := 0; i < cfg.Workers; i++ {
		aq.wg.Add(1)
		go aq.worker()
	}

	return aq, nil
}

// Append enqueues a decision without blocking. A saturated queue spills
// straight to the fallback file.
func (aq *AuditQueue) Append(decision types.ComplianceDecision) {
	select {
	case aq.queue <- decision:
	default:
		aq.log.Warn("", decision.QueryID, "audit queue saturated, spilling to fallback file", nil)
		aq.writeFallback(decision)
	}
}

// Shutdown stops accepting work, drains the queue, and closes the
// fallback file.
func (aq *AuditQueue) Shutdown() {
	aq.closeOnce.Do(func() {
		close(aq.queue)
	})
	aq.wg.Wait()

	aq.fallbackMu.Lock()
	defer aq.fallbackMu.Unlock()
	_ = aq.fallbackFile.Close()
}

func (aq *AuditQueue) worker() {
	defer aq.wg.Done()

	for decision := range aq.queue {
		if aq.store == nil {
			aq.writeFallback(decision)
			continue
		}

		var err error
		for attempt := 0; attempt < aq.cfg.MaxRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), aq.cfg.WriteTimeout)
			err = aq.store.AppendDecision(ctx, decision)
			cancel()
			if err == nil {
				break
			}
			if attempt < aq.cfg.MaxRetries-1 {
				time.Sleep(aq.cfg.RetryBackoff * time.Duration(attempt+1))
			}
		}

		if err != nil {
			aq.log.ErrorWithErr("", decision.QueryID, "audit store write failed after retries",
				fmt.Errorf("%w: %v", types.ErrAuditWriteFailed, err),
				map[string]interface{}{"decision_id": decision.ID})
			aq.writeFallback(decision)
		}
	}
}

// writeFallback appends one decision as a JSON line. Dedupe happens on
// replay, keyed by decision id.
func (aq *AuditQueue) writeFallback(decision types.ComplianceDecision) {
	line, err := json.Marshal(decision)
	if err != nil {
		aq.log.ErrorWithErr("", decision.QueryID, "failed to encode audit fallback entry", err, nil)
		return
	}

	aq.fallbackMu.Lock()
	defer aq.fallbackMu.Unlock()
	if _, err := aq.fallbackFile.Write(append(line, '\n')); err != nil {
		aq.log.ErrorWithErr("", decision.QueryID, "failed to write audit fallback entry", err, nil)
	}
}
