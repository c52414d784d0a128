// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver

	"studymesh/platform/shared/types"
)

// PostgresFactStore implements FactStore against the verified_facts
// table using PostgreSQL full-text search.
type PostgresFactStore struct {
	db *sql.DB
}

// NewPostgresFactStore creates a fact store on an existing connection pool.
func NewPostgresFactStore(db *sql.DB) *PostgresFactStore {
	return &PostgresFactStore{db: db}
}

// OpenPostgresFactStore opens a connection pool and wraps it.
func OpenPostgresFactStore(databaseURL string) (*PostgresFactStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open facts database: %w", err)
	}
	return NewPostgresFactStore(db), nil
}

// SearchFacts returns verified facts ranked by text-search relevance.
func (s *PostgresFactStore) SearchFacts(ctx context.Context, text string, limit int) ([]types.KnowledgeFact, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT fact, reliability_score, source_id
		FROM verified_facts
		WHERE search_vector @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC,
		         reliability_score DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, text, limit)
	if err != nil {
		return nil, wrapStoreErr("failed to search facts", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// GetVerifiedFacts returns candidate facts per claim. Claims with no
// matching facts map to an empty slice so callers can distinguish
// "checked, nothing found" from "not checked".
func (s *PostgresFactStore) GetVerifiedFacts(ctx context.Context, claims []string) (map[string][]types.KnowledgeFact, error) {
	results := make(map[string][]types.KnowledgeFact, len(claims))
	for _, claim := range claims {
		facts, err := s.SearchFacts(ctx, claim, 5)
		if err != nil {
			return nil, err
		}
		results[claim] = facts
	}
	return results, nil
}

func scanFacts(rows *sql.Rows) ([]types.KnowledgeFact, error) {
	var facts []types.KnowledgeFact
	for rows.Next() {
		var f types.KnowledgeFact
		if err := rows.Scan(&f.Fact, &f.ReliabilityScore, &f.SourceID); err != nil {
			return nil, fmt.Errorf("failed to scan fact row: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("failed to iterate fact rows", err)
	}
	return facts, nil
}

// wrapStoreErr maps connection-level failures to ErrStoreUnavailable so
// the assembler can degrade instead of failing the request.
func wrapStoreErr(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", msg, ErrStoreUnavailable)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "context deadline exceeded") {
		return fmt.Errorf("%s: %w", msg, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
