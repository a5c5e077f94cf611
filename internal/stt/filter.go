package stt

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultFillerWords lists hesitation and politeness tokens stripped from
// transcripts before command matching.
var DefaultFillerWords = []string{
	"um", "uh", "uhh", "umm",
	"er", "erm", "ah", "hmm", "mm",
	"please",
}

var (
	spacePattern = regexp.MustCompile(`\s+`)
	punctPattern = regexp.MustCompile(`^[.,!?;:\s]+$`)
)

// TranscriptFilter removes filler tokens from recognizer output so that
// "um, open settings please" matches the command "open settings".
type TranscriptFilter struct {
	mu          sync.RWMutex
	fillerWords map[string]struct{}
	pattern     *regexp.Regexp
}

// NewTranscriptFilter creates a filter with the given filler words.
// A nil list selects DefaultFillerWords.
func NewTranscriptFilter(fillerWords []string) *TranscriptFilter {
	if fillerWords == nil {
		fillerWords = DefaultFillerWords
	}

	f := &TranscriptFilter{
		fillerWords: make(map[string]struct{}, len(fillerWords)),
	}
	for _, word := range fillerWords {
		f.fillerWords[strings.ToLower(word)] = struct{}{}
	}
	f.buildPattern()
	return f
}

func (f *TranscriptFilter) buildPattern() {
	if len(f.fillerWords) == 0 {
		f.pattern = nil
		return
	}

	patterns := make([]string, 0, len(f.fillerWords))
	for word := range f.fillerWords {
		patterns = append(patterns, `\b`+regexp.QuoteMeta(word)+`\b`)
	}
	f.pattern = regexp.MustCompile(`(?i)(` + strings.Join(patterns, `|`) + `)`)
}

// AddFillerWord adds a word to the filler list
func (f *TranscriptFilter) AddFillerWord(word string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fillerWords[strings.ToLower(word)] = struct{}{}
	f.buildPattern()
}

// RemoveFillerWord removes a word from the filler list
func (f *TranscriptFilter) RemoveFillerWord(word string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.fillerWords, strings.ToLower(word))
	f.buildPattern()
}

// FillerWords returns a copy of the current filler word list
func (f *TranscriptFilter) FillerWords() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	words := make([]string, 0, len(f.fillerWords))
	for word := range f.fillerWords {
		words = append(words, word)
	}
	return words
}

// Clean strips filler words and normalizes whitespace. The second return
// reports whether anything meaningful survived.
func (f *TranscriptFilter) Clean(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	f.mu.RLock()
	pattern := f.pattern
	f.mu.RUnlock()

	cleaned := text
	if pattern != nil {
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = spacePattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	if punctPattern.MatchString(cleaned) {
		cleaned = ""
	}
	return cleaned, len(cleaned) > 0
}

// IsFillerOnly reports whether the text carries no content beyond fillers
func (f *TranscriptFilter) IsFillerOnly(text string) bool {
	_, meaningful := f.Clean(text)
	return !meaningful
}

// Apply cleans a recognition result in place, preserving the raw text in
// OriginalText. Returns false if the result should be discarded.
func (f *TranscriptFilter) Apply(result *RecognitionResult) bool {
	if result == nil {
		return false
	}

	if result.OriginalText == "" {
		result.OriginalText = result.Text
	}
	cleaned, meaningful := f.Clean(result.Text)
	result.Text = cleaned
	return meaningful
}
