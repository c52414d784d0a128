// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

const cacheKeyPrefix = "studymesh:response:"

// ResponseCache stores finished ServiceResponses in Redis, keyed by
// normalized query text and context fingerprint. Cache trouble is
// always a miss, never an error surfaced to the pipeline.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewResponseCache wraps an existing Redis client.
func NewResponseCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{client: client, ttl: ttl, log: log}
}

// Key derives the cache key from normalized query text and the context
// bundle fingerprint. Identical questions over identical context hash
// identically.
func Key(queryText, contextFingerprint string) string {
	sum := sha256.Sum256([]byte(normalizeQuery(queryText) + "\x00" + contextFingerprint))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// normalizeQuery lowercases and collapses whitespace so trivial
// reformulations hit the same entry.
func normalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Get returns the cached response for the key, or ok=false on miss or
// any cache failure.
func (c *ResponseCache) Get(ctx context.Context, key string) (*types.ServiceResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("", "", "response cache read failed", map[string]interface{}{"error": err.Error()})
		}
		return nil, false
	}

	var resp types.ServiceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.log.Warn("", "", "response cache entry corrupt, dropping", map[string]interface{}{"error": err.Error()})
		c.client.Del(ctx, key)
		return nil, false
	}
	return &resp, true
}

// Put stores a response under the key with the configured TTL. Only
// successful, non-fallback responses are worth caching; the caller
// filters.
func (c *ResponseCache) Put(ctx context.Context, key string, resp *types.ServiceResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Warn("", resp.QueryID, "failed to encode response for cache", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("", resp.QueryID, "response cache write failed", map[string]interface{}{"error": err.Error()})
	}
}
