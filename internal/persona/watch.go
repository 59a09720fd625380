package persona

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// Source holds the latest valid persona set. Reload failures keep the
// previous set.
type Source struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	set Set
}

// NewSource loads the set at path, or the default set when path is empty.
func NewSource(path, defaultName string, log *slog.Logger) (*Source, error) {
	src := &Source{path: path, log: log.With(slog.String("component", "persona"))}
	if path == "" {
		src.set = DefaultSet(defaultName)
		return src, nil
	}
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	if set.Default == "" {
		set.Default = defaultName
	}
	if err := Validate(set); err != nil {
		return nil, err
	}
	src.set = set
	return src, nil
}

// Current returns the active persona set.
func (s *Source) Current() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

func (s *Source) reload() {
	set, err := Load(s.path)
	if err == nil {
		err = Validate(set)
	}
	if err != nil {
		s.log.Warn("persona reload failed", slog.String("path", s.path), slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	if set.Default == "" {
		set.Default = s.set.Default
	}
	s.set = set
	s.mu.Unlock()
	s.log.Info("persona set reloaded", slog.Int("personas", len(set.Personas)), slog.String("default", set.Default))
}

// Watch reloads the persona file whenever it changes until ctx is done.
// It returns immediately when the source has no backing file.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	target := filepath.Clean(s.path)

	timer := time.NewTimer(debounceDuration)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounceDuration)
		case <-timer.C:
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("persona watcher error", slog.String("error", err.Error()))
		}
	}
}
