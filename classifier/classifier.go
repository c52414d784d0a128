// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package classifier implements the first pipeline layer: input
// sanitization and query classification. Classification is heuristic
// first, with an optional lightweight model refinement for queries the
// heuristics cannot place.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"studymesh/platform/provider"
	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
)

// Config controls input limits and the optional model refinement.
type Config struct {
	// MaxLength is the soft limit. Longer input is truncated at a word
	// boundary and flagged.
	MaxLength int `yaml:"max_length"`

	// HardMaxLength is the absolute limit. Input longer than this is
	// rejected outright.
	HardMaxLength int `yaml:"hard_max_length"`

	// ModelTimeout bounds the optional model refinement call.
	ModelTimeout time.Duration `yaml:"model_timeout"`
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxLength:     4096,
		HardMaxLength: 32768,
		ModelTimeout:  2 * time.Second,
	}
}

// Classifier produces one Classification per Query.
type Classifier struct {
	cfg   Config
	model provider.Provider // optional, may be nil
	log   *logger.Logger
}

// New creates a heuristics-only classifier.
func New(cfg Config, log *logger.Logger) *Classifier {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultConfig().MaxLength
	}
	if cfg.HardMaxLength <= 0 {
		cfg.HardMaxLength = DefaultConfig().HardMaxLength
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultConfig().ModelTimeout
	}
	return &Classifier{cfg: cfg, log: log}
}

// NewWithModel creates a classifier that consults a lightweight model
// for queries the heuristics classify as ambiguous.
func NewWithModel(cfg Config, model provider.Provider, log *logger.Logger) *Classifier {
	c := New(cfg, log)
	c.model = model
	return c
}

// Classify sanitizes the query text and determines category, risk level
// and required validation depth. A model failure never fails the query;
// the conservative default applies instead.
func (c *Classifier) Classify(ctx context.Context, query *types.Query) (types.Classification, error) {
	sanitized := sanitize(query.Text)

	if len([]rune(sanitized)) > c.cfg.HardMaxLength {
		return types.Classification{}, fmt.Errorf("query %s: input is %d characters: %w",
			query.ID, len([]rune(sanitized)), types.ErrInputTooLong)
	}

	truncated := false
	if len([]rune(sanitized)) > c.cfg.MaxLength {
		sanitized = truncateAtWord(sanitized, c.cfg.MaxLength)
		truncated = true
		c.log.Warn(query.UserID, query.ID,
			fmt.Sprintf("input truncated to %d characters", c.cfg.MaxLength), nil)
	}

	category := classifyCategory(sanitized)
	if category == types.CategoryAmbiguous && c.model != nil {
		if refined, ok := c.refineWithModel(ctx, query, sanitized); ok {
			category = refined
		} else {
			// Conservative default when the model cannot help.
			cls := types.Classification{
				QueryID:                 query.ID,
				Category:                types.CategoryAmbiguous,
				RiskLevel:               types.RiskMedium,
				RequiredValidationDepth: types.DepthStandard,
				SanitizedText:           sanitized,
				Truncated:               truncated,
			}
			return cls, nil
		}
	}

	risk := classifyRisk(sanitized, category)

	cls := types.Classification{
		QueryID:                 query.ID,
		Category:                category,
		RiskLevel:               risk,
		RequiredValidationDepth: depthFor(category, risk),
		SanitizedText:           sanitized,
		Truncated:               truncated,
	}

	c.log.Debug(query.UserID, query.ID, "query classified", map[string]interface{}{
		"category": string(cls.Category),
		"risk":     string(cls.RiskLevel),
		"depth":    string(cls.RequiredValidationDepth),
	})

	return cls, nil
}

// refineWithModel asks the lightweight model for a single category
// word. Any failure or unparseable answer reports ok=false.
func (c *Classifier) refineWithModel(ctx context.Context, query *types.Query, text string) (types.QueryCategory, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ModelTimeout)
	defer cancel()

	resp, err := c.model.Complete(ctx, provider.CompletionRequest{
		SystemPrompt: "Classify the student query into exactly one word: factual, conversational, or personal.",
		Prompt:       text,
		MaxTokens:    4,
		Temperature:  0,
	})
	if err != nil {
		c.log.Warn(query.UserID, query.ID, "model refinement failed, using conservative default",
			map[string]interface{}{"error": err.Error()})
		return "", false
	}

	switch strings.ToLower(strings.TrimSpace(resp.Content)) {
	case "factual":
		return types.CategoryFactual, true
	case "conversational":
		return types.CategoryConversational, true
	case "personal":
		return types.CategoryPersonal, true
	}
	return "", false
}

// sanitize strips control characters, keeping newlines and tabs, and
// trims surrounding whitespace.
func sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// truncateAtWord cuts text to at most max runes, backing up to the last
// space so words are not split.
func truncateAtWord(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	idx := -1
	for i := len(cut) - 1; i >= 0; i-- {
		if cut[i] == ' ' {
			idx = i
			break
		}
	}
	if idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(string(cut))
}

func depthFor(category types.QueryCategory, risk types.RiskLevel) types.ValidationDepth {
	if risk == types.RiskHigh {
		return types.DepthEnhanced
	}
	if category == types.CategoryFactual {
		return types.DepthEnhanced
	}
	if risk == types.RiskMedium || category == types.CategoryAmbiguous {
		return types.DepthStandard
	}
	return types.DepthBasic
}
