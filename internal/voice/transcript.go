package voice

import (
	"strings"
	"sync"
	"time"
)

// SegmentKind classifies one transcript entry.
type SegmentKind string

const (
	// SegmentCommand is an utterance that resolved to a command
	SegmentCommand SegmentKind = "command"
	// SegmentDictation is free-form dictated text
	SegmentDictation SegmentKind = "dictation"
	// SegmentUnmatched is an utterance no matching tier could resolve
	SegmentUnmatched SegmentKind = "unmatched"
)

// Segment is one recognized utterance as it left the pipeline.
type Segment struct {
	Kind       SegmentKind `json:"kind"`
	Text       string      `json:"text"`
	Command    string      `json:"command,omitempty"` // canonical command, command segments only
	Source     string      `json:"source,omitempty"`  // matching tier that resolved the command
	EngineID   string      `json:"engine_id,omitempty"`
	Confidence float64     `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
}

// TranscriptConfig bounds the rolling transcript.
type TranscriptConfig struct {
	// MaxSegments is the maximum number of segments to retain (default: 50)
	MaxSegments int
	// ExpireAfter clears the history this long after the last entry.
	// Zero keeps segments until they are trimmed.
	ExpireAfter time.Duration
}

// DefaultTranscriptConfig returns sensible defaults for transcript retention.
func DefaultTranscriptConfig() TranscriptConfig {
	return TranscriptConfig{
		MaxSegments: 50,
		ExpireAfter: 10 * time.Minute,
	}
}

// Transcript tracks the recent recognition history. It stores the last
// MaxSegments utterances and drops the whole history after a quiet period,
// so the status surface never serves stale text from an old session.
type Transcript struct {
	mu           sync.RWMutex
	segments     []Segment
	lastActivity time.Time
	cfg          TranscriptConfig
}

// NewTranscript creates an empty transcript with the given config.
func NewTranscript(cfg TranscriptConfig) *Transcript {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 50
	}

	return &Transcript{
		segments:     make([]Segment, 0, cfg.MaxSegments),
		lastActivity: time.Now(),
		cfg:          cfg,
	}
}

// Append records one recognized utterance.
// It automatically trims old segments to stay within MaxSegments.
func (tr *Transcript) Append(seg Segment) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	// Auto-expire if quiet for too long
	if tr.expiredLocked() {
		tr.clearLocked()
	}

	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}

	tr.segments = append(tr.segments, seg)
	tr.lastActivity = time.Now()

	if len(tr.segments) > tr.cfg.MaxSegments {
		tr.segments = tr.segments[len(tr.segments)-tr.cfg.MaxSegments:]
	}
}

// Segments returns a copy of the retained history, oldest first.
func (tr *Transcript) Segments() []Segment {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if tr.expiredLocked() {
		return nil
	}

	result := make([]Segment, len(tr.segments))
	copy(result, tr.segments)
	return result
}

// Recent returns the last n segments, oldest first.
func (tr *Transcript) Recent(n int) []Segment {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if tr.expiredLocked() || len(tr.segments) == 0 {
		return nil
	}

	start := max(len(tr.segments)-n, 0)

	result := make([]Segment, len(tr.segments)-start)
	copy(result, tr.segments[start:])
	return result
}

// Dictation assembles the dictated text from the last n dictation
// segments, joined with single spaces. Command traffic interleaved with
// the dictation is skipped.
func (tr *Transcript) Dictation(n int) string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if tr.expiredLocked() {
		return ""
	}

	var parts []string
	for _, seg := range tr.segments {
		if seg.Kind == SegmentDictation {
			parts = append(parts, seg.Text)
		}
	}
	if n > 0 && len(parts) > n {
		parts = parts[len(parts)-n:]
	}

	return strings.Join(parts, " ")
}

// Len returns the number of stored segments.
func (tr *Transcript) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.segments)
}

// Clear removes all history.
func (tr *Transcript) Clear() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.clearLocked()
}

func (tr *Transcript) clearLocked() {
	tr.segments = make([]Segment, 0, tr.cfg.MaxSegments)
}

// LastActivity returns the timestamp of the most recent entry.
func (tr *Transcript) LastActivity() time.Time {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.lastActivity
}

// expiredLocked checks expiry without acquiring the lock.
func (tr *Transcript) expiredLocked() bool {
	if len(tr.segments) == 0 || tr.cfg.ExpireAfter <= 0 {
		return false
	}
	return time.Since(tr.lastActivity) > tr.cfg.ExpireAfter
}
