package plan

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long to wait for further catalog file changes
// before reloading. Editors write config files in bursts.
const reloadDebounce = 500 * time.Millisecond

// Source serves the current plan catalog and optionally hot-reloads it when
// the catalog file changes. Lookups never block a reload.
type Source struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Catalog]
}

// NewSource creates a catalog source. With an empty path the built-in
// default catalog is served and Watch is a no-op.
func NewSource(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, logger: logger}

	if path == "" {
		s.current.Store(DefaultCatalog())
		return s, nil
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(catalog)
	return s, nil
}

// Current returns the catalog as of the last successful load.
func (s *Source) Current() *Catalog {
	return s.current.Load()
}

// Watch reloads the catalog when its file changes, until ctx is cancelled.
// A load failure keeps the previous catalog; an administratively broken
// file must not strip the loop of its plans.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files rather than write them
	// in place, which drops the watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			reload = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Catalog watch error", "error", err)
		case <-reload:
			reload = nil
			catalog, err := LoadCatalog(s.path)
			if err != nil {
				s.logger.Warn("Catalog reload failed, keeping previous catalog",
					"path", s.path,
					"error", err)
				continue
			}
			s.current.Store(catalog)
			s.logger.Info("Plan catalog reloaded",
				"path", s.path,
				"plans", catalog.Len())
		}
	}
}
