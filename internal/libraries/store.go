package libraries

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long Watch waits for changes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Store caches the sources found under a directory. It is safe for
// concurrent use.
type Store struct {
	dir string
	log *zap.Logger

	mu      sync.RWMutex
	sources Sources
}

// NewStore returns a store for dir. An empty dir yields a store that never
// has sources. Call Reload to populate it.
func NewStore(dir string, log *zap.Logger) *Store {
	return &Store{dir: dir, log: log, sources: Sources{}}
}

// Dir returns the watched directory.
func (s *Store) Dir() string { return s.dir }

// Sources returns a copy of the cached sources.
func (s *Store) Sources() Sources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Sources, len(s.sources))
	for d, hosts := range s.sources {
		out[d] = append([]string(nil), hosts...)
	}
	return out
}

// Reload rescans the directory. Files that fail to parse are logged and
// skipped; if the directory cannot be read the previous sources are kept.
func (s *Store) Reload() error {
	if s.dir == "" {
		return nil
	}
	sources, err := Load(s.dir)
	if sources == nil {
		return err
	}
	if err != nil {
		s.log.Warn("skipped invalid library definitions", zap.Error(err))
	}

	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()

	s.log.Info("library sources loaded",
		zap.String("dir", s.dir),
		zap.Int("directives", len(sources)),
	)
	return nil
}

// Watch reloads the store whenever a definition file below the directory
// changes, waiting debounce for bursts of events to settle. It blocks until
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.dir == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("libraries: create watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, s.dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	reload := func() {
		if err := s.Reload(); err != nil {
			s.log.Error("library reload failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("libraries: watcher events channel closed")
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(w, event.Name); err != nil {
						s.log.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			if !relevant(event) {
				continue
			}
			s.log.Debug("library definition changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)

			timerMu.Lock()
			if timer == nil {
				timer = time.AfterFunc(debounce, reload)
			} else {
				timer.Reset(debounce)
			}
			timerMu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("libraries: watcher errors channel closed")
			}
			s.log.Error("library watcher error", zap.Error(err))
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return strings.HasSuffix(filepath.Base(event.Name), FileSuffix)
}

// addTree watches dir and every non-hidden directory below it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("libraries: watch %s: %w", path, err)
		}
		return nil
	})
}
