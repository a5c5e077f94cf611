package match

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// VocabularyWatcher hot-reloads the vocabulary file on change, so phrase
// lists can be edited without restarting the service.
type VocabularyWatcher struct {
	watcher *fsnotify.Watcher
	vocab   *Vocabulary
	path    string
	logger  zerolog.Logger
	done    chan struct{}

	// called after every successful reload (nil ok)
	onReload func()
}

// NewVocabularyWatcher starts watching the directory containing path.
// Watching the directory rather than the file survives editors that
// replace the file on save.
func NewVocabularyWatcher(vocab *Vocabulary, path string, onReload func(), logger zerolog.Logger) (*VocabularyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &VocabularyWatcher{
		watcher:  watcher,
		vocab:    vocab,
		path:     filepath.Clean(path),
		logger:   logger.With().Str("component", "vocab-watcher").Logger(),
		done:     make(chan struct{}),
		onReload: onReload,
	}

	go w.watchLoop()

	w.logger.Info().Str("path", path).Msg("Watching vocabulary file")
	return w, nil
}

func (w *VocabularyWatcher) watchLoop() {
	// editors fire bursts of events per save; coalesce them
	var reload <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				reload = time.After(200 * time.Millisecond)
			}
		case <-reload:
			reload = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Vocabulary watcher error")
		}
	}
}

func (w *VocabularyWatcher) reload() {
	if err := w.vocab.LoadFile(w.path); err != nil {
		w.logger.Error().Err(err).Msg("Vocabulary reload failed, keeping previous commands")
		return
	}

	w.logger.Info().Int("commands", w.vocab.Len()).Msg("Vocabulary reloaded")
	if w.onReload != nil {
		w.onReload()
	}
}

// Close stops the watcher
func (w *VocabularyWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
