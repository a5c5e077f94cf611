// Package learning persists recognized-phrase corrections so that frequent
// mismatches resolve from cache instead of repeated similarity scoring.
package learning

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("learned command not found")
	ErrInvalidEntry = errors.New("invalid learned command")
)

// LearnedCommand maps a normalized recognized phrase to the canonical
// command it resolved to. Confidence is fixed at learn time.
type LearnedCommand struct {
	Recognized string    `json:"recognized"`
	Command    string    `json:"command"`
	Confidence float64   `json:"confidence"`
	HitCount   int       `json:"hit_count"`
	LastUsed   time.Time `json:"last_used"`
}

// Valid reports whether the entry can be persisted
func (lc LearnedCommand) Valid() bool {
	return lc.Recognized != "" && lc.Command != "" && lc.Confidence > 0
}

// Store is the persistence backend for learned commands. Writes use
// last-write-wins semantics on the normalized recognized phrase.
type Store interface {
	Save(ctx context.Context, lc LearnedCommand) error
	Load(ctx context.Context) ([]LearnedCommand, error)
	Delete(ctx context.Context, recognized string) error
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Normalize lowercases, trims and collapses whitespace. Every store key
// and every cache lookup goes through this.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
