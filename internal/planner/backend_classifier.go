package planner

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/cache"
	"github.com/ZanzyTHEbar/essayflow/internal/pipeline"
)

const classifyInstruction = "Classify what the student is asking for. Return every goal the message requests, in the order the student wants them done. Use only the listed goal names."

// BackendClassifier asks the reasoning backend for goals and caches the
// answer per utterance. Slots always come from the keyword rules, and any
// backend failure falls back to keyword goals.
type BackendClassifier struct {
	backend  essayflow.Backend
	goals    []string
	cache    *cache.InMemoryCache
	keywords *KeywordClassifier
	logger   zerolog.Logger
}

var _ IntentClassifier = (*BackendClassifier)(nil)

// BackendClassifierOption configures a BackendClassifier.
type BackendClassifierOption func(*BackendClassifier)

// WithCache replaces the classification cache.
func WithCache(c *cache.InMemoryCache) BackendClassifierOption {
	return func(b *BackendClassifier) {
		b.cache = c
	}
}

// WithKeywordClassifier replaces the fallback and slot classifier.
func WithKeywordClassifier(k *KeywordClassifier) BackendClassifierOption {
	return func(b *BackendClassifier) {
		b.keywords = k
	}
}

// WithClassifierLogger sets the logger.
func WithClassifierLogger(logger zerolog.Logger) BackendClassifierOption {
	return func(b *BackendClassifier) {
		b.logger = logger
	}
}

// NewBackendClassifier classifies into goals, typically the registry's
// capabilities. Results are cached for 15 minutes by default.
func NewBackendClassifier(backend essayflow.Backend, goals []string, opts ...BackendClassifierOption) *BackendClassifier {
	b := &BackendClassifier{
		backend:  backend,
		goals:    goals,
		keywords: NewKeywordClassifier(),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cache == nil {
		b.cache = cache.NewInMemoryCache(15*time.Minute, cache.WithLogger(b.logger))
	}
	return b
}

func (b *BackendClassifier) Classify(ctx context.Context, text string) (essayflow.Intent, error) {
	intent, _ := b.keywords.Classify(ctx, text)
	key := cacheKey(text)

	if v, err := b.cache.Get(ctx, key); err == nil {
		if goals, ok := v.([]string); ok {
			intent.Goals = goals
			return intent, nil
		}
	}

	goals, err := b.ask(ctx, text)
	if err != nil {
		b.logger.Warn().Err(err).Msg("backend classification failed; using keyword goals")
		return intent, nil
	}
	if len(goals) == 0 {
		return intent, nil
	}
	if err := b.cache.Set(ctx, key, goals); err != nil {
		b.logger.Debug().Err(err).Msg("classification not cached")
	}
	intent.Goals = goals
	return intent, nil
}

func (b *BackendClassifier) ask(ctx context.Context, text string) ([]string, error) {
	enum := make([]any, len(b.goals))
	for i, g := range b.goals {
		enum[i] = g
	}
	raw, err := b.backend.Call(ctx, essayflow.BackendRequest{
		Tool:        "classify_intent",
		Instruction: classifyInstruction,
		Inputs:      map[string]any{"message": text, "goals": b.goals},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"goals":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"goals"},
			"properties": map[string]any{
				"goals": map[string]any{"type": "array", "items": map[string]any{"type": "string", "enum": enum}},
			},
		},
		Attempt: 1,
	})
	if err != nil {
		return nil, err
	}
	obj, err := pipeline.ParseObject(raw)
	if err != nil {
		return nil, err
	}
	list, _ := obj["goals"].([]any)

	known := make(map[string]bool, len(b.goals))
	for _, g := range b.goals {
		known[g] = true
	}
	seen := make(map[string]bool)
	var goals []string
	for _, item := range list {
		g, ok := item.(string)
		g = strings.ToLower(strings.TrimSpace(g))
		if !ok || !known[g] || seen[g] {
			continue
		}
		seen[g] = true
		goals = append(goals, g)
	}
	return goals, nil
}

func cacheKey(text string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(text)))) // #nosec G401 -- cache key only
	return "intent:" + hex.EncodeToString(sum[:])
}
