package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liamcoop/decisions/internal/logger"
)

// DefaultDebounce is the quiet period after the last file event before a reload
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a definitions directory whenever one of its files changes.
// A directory that fails to load leaves the previous definitions in place.
type Watcher struct {
	dir      string
	debounce time.Duration
	onLoad   func(*Definitions) error
	watcher  *fsnotify.Watcher
}

// NewWatcher watches dir and hands every successful load to onLoad
func NewWatcher(dir string, debounce time.Duration, onLoad func(*Definitions) error) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, debounce: debounce, onLoad: onLoad, watcher: fw}, nil
}

// Reload loads the directory once and applies it
func (w *Watcher) Reload() error {
	defs, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	if err := w.onLoad(defs); err != nil {
		return fmt.Errorf("failed to apply definitions: %w", err)
	}
	logger.Info("definitions loaded", "dir", w.dir, "rules", len(defs.Rules), "policies", len(defs.Policies))
	return nil
}

// Run processes file events until ctx is done, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op == fsnotify.Chmod || !isDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			logger.Debug("definitions file changed", "path", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				logger.Error("definitions reload failed", "dir", w.dir, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			logger.Error("definitions watcher error", "error", err)
		}
	}
}
