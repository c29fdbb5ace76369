package server

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// inputWatcher reports changes to the rules and flows files. It watches
// their parent directories so that files replaced by rename are still seen.
type inputWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    map[string]bool
	logger  *zap.Logger
}

func newInputWatcher(logger *zap.Logger) (*inputWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create input watcher: %w", err)
	}
	return &inputWatcher{
		watcher: watcher,
		files:   make(map[string]bool),
		dirs:    make(map[string]bool),
		logger:  logger,
	}, nil
}

// Update replaces the watched file set. Empty paths are ignored.
func (w *inputWatcher) Update(paths ...string) error {
	files := make(map[string]bool, len(paths))
	dirs := make(map[string]bool, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	for dir := range w.dirs {
		if dirs[dir] {
			continue
		}
		if err := w.watcher.Remove(dir); err != nil {
			w.logger.Debug("failed to stop watching directory", zap.String("dir", dir), zap.Error(err))
		}
		delete(w.dirs, dir)
	}

	var addErr error
	for dir := range dirs {
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			addErr = fmt.Errorf("failed to watch %s: %w", dir, err)
			continue
		}
		w.dirs[dir] = true
		w.logger.Debug("watching directory", zap.String("dir", dir))
	}

	w.files = files
	return addErr
}

// Relevant reports whether event changes the content of a watched file.
func (w *inputWatcher) Relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return w.files[abs]
}

func (w *inputWatcher) Events() <-chan fsnotify.Event {
	return w.watcher.Events
}

func (w *inputWatcher) Errors() <-chan error {
	return w.watcher.Errors
}

func (w *inputWatcher) Close() error {
	return w.watcher.Close()
}
