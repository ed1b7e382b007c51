package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// DefaultDebounce coalesces the bursts of events editors produce when saving.
const DefaultDebounce = 100 * time.Millisecond

// Loader produces a fresh upstream list, typically by re-reading the
// configuration file.
type Loader func(ctx context.Context) ([]ChainedProxy, error)

// Watch replaces the upstreams of s whenever the file at path changes, until
// ctx ends. A failed reload is logged and the previous list kept.
func Watch(ctx context.Context, path string, s *Static, load Loader, log logr.Logger) error {
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so that files replaced by rename are still seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	log.Info("Watching for upstream changes", "path", path)

	reload := func() {
		proxies, err := load(ctx)
		if err != nil {
			log.Error(err, "Upstream reload failed", "path", path)
			return
		}
		s.Set(proxies)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			log.V(1).Info("Config file changed", "path", event.Name, "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DefaultDebounce, reload)

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			log.Error(err, "File watcher error")
		}
	}
}
