package match

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/learning"
	"github.com/normanking/cortexvoice/internal/metrics"
)

// Source tells which tier resolved a match.
type Source string

const (
	SourceExact      Source = "exact"
	SourceLearned    Source = "learned"
	SourceSimilarity Source = "similarity"
	SourceNone       Source = "none"
)

// Result is the outcome of one match attempt. A NoMatch is not an error;
// callers decide whether to prompt or discard.
type Result struct {
	Command    string  `json:"command,omitempty"`
	Recognized string  `json:"recognized"`
	Confidence float64 `json:"confidence"`
	Similarity float64 `json:"similarity,omitempty"`
	Source     Source  `json:"source"`
}

// Matched reports whether any tier produced a command
func (r Result) Matched() bool {
	return r.Source != SourceNone
}

// Config tunes the similarity tier.
type Config struct {
	// minimum similarity a fuzzy match must reach
	Threshold float64
	// write similarity matches back to the learned store
	AutoLearn bool
}

// Matcher resolves recognized text against the vocabulary in three tiers:
// exact phrase lookup (confidence 1.0), learned-cache lookup (stored
// confidence), then normalized Levenshtein similarity over every phrase.
type Matcher struct {
	vocab  *Vocabulary
	cache  *learning.Cache
	cfg    Config
	logger zerolog.Logger
}

// NewMatcher wires the vocabulary and learned cache together
func NewMatcher(vocab *Vocabulary, cache *learning.Cache, cfg Config, logger zerolog.Logger) *Matcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.75
	}
	return &Matcher{
		vocab:  vocab,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With().Str("component", "matcher").Logger(),
	}
}

// Match resolves one recognized utterance. The call never blocks on
// persistence; auto-learn write-back is handed to the cache asynchronously.
func (m *Matcher) Match(text string) Result {
	recognized := learning.Normalize(text)
	if recognized == "" {
		return m.noMatch(recognized)
	}

	// Tier 1: exact phrase (canonical name or synonym)
	if cmd, ok := m.vocab.Resolve(recognized); ok {
		metrics.CommandMatches.WithLabelValues(string(SourceExact)).Inc()
		return Result{
			Command:    cmd.Name,
			Recognized: recognized,
			Confidence: 1.0,
			Source:     SourceExact,
		}
	}

	// Tier 2: learned cache. Mappings whose command has since left the
	// vocabulary are skipped; the janitor removes them eventually.
	if lc, ok := m.cache.Lookup(recognized); ok && m.vocab.Exists(lc.Command) {
		m.cache.Touch(recognized)
		metrics.CommandMatches.WithLabelValues(string(SourceLearned)).Inc()
		return Result{
			Command:    lc.Command,
			Recognized: recognized,
			Confidence: lc.Confidence,
			Source:     SourceLearned,
		}
	}

	// Tier 3: similarity scan. Strictly-greater comparison keeps the
	// earliest-registered phrase on ties.
	bestCommand := ""
	bestSimilarity := 0.0
	for _, cmd := range m.vocab.Commands() {
		phrases := append([]string{cmd.Name}, cmd.Synonyms...)
		for _, phrase := range phrases {
			if sim := Similarity(recognized, phrase); sim > bestSimilarity {
				bestSimilarity = sim
				bestCommand = cmd.Name
			}
		}
	}

	if bestCommand != "" && bestSimilarity >= m.cfg.Threshold {
		if m.cfg.AutoLearn {
			m.cache.Learn(learning.LearnedCommand{
				Recognized: recognized,
				Command:    bestCommand,
				Confidence: learnedConfidence(bestSimilarity),
				LastUsed:   time.Now(),
			})
		}

		m.logger.Debug().
			Str("recognized", recognized).
			Str("command", bestCommand).
			Float64("similarity", bestSimilarity).
			Msg("Similarity match")

		metrics.CommandMatches.WithLabelValues(string(SourceSimilarity)).Inc()
		return Result{
			Command:    bestCommand,
			Recognized: recognized,
			Confidence: bestSimilarity,
			Similarity: bestSimilarity,
			Source:     SourceSimilarity,
		}
	}

	return m.noMatch(recognized)
}

func (m *Matcher) noMatch(recognized string) Result {
	metrics.CommandMatches.WithLabelValues(string(SourceNone)).Inc()
	return Result{
		Recognized: recognized,
		Confidence: 0.0,
		Source:     SourceNone,
	}
}

// Threshold returns the active similarity threshold
func (m *Matcher) Threshold() float64 {
	return m.cfg.Threshold
}

// learnedConfidence maps a similarity score into the stored confidence for
// an auto-learned mapping: halfway between the observed similarity and a
// perfect match, so cache hits rank above the fuzzy tier that created them.
func learnedConfidence(similarity float64) float64 {
	return (1 + similarity) / 2
}
