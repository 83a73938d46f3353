package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher re-reads the config file on change and invokes the callback
// with the fresh configuration. Only hot-reloadable fields should be
// applied by the callback; address and data-dir changes need a restart.
type Watcher struct {
	path     string
	onChange func(Config)
}

// NewWatcher watches the config file at path.
func NewWatcher(path string, onChange func(Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Run blocks until the context is cancelled. Editors replace files
// rather than writing in place, so the parent directory is watched and
// events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := func() {
		cfg, err := Load(w.path)
		if err != nil {
			log.Warn().Err(err).Str("path", w.path).Msg("Config reload failed")
			return
		}
		log.Info().Str("path", w.path).Msg("Config reloaded")
		w.onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, fire)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
