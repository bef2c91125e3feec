package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/loqalabs/loqa-voice/internal/config"
)

// watchConfig reloads path whenever it changes and hands the result to apply.
// Invalid files are logged and skipped. It blocks until ctx ends.
func watchConfig(ctx context.Context, path string, apply func(config.Config), log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch dir %q: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(abs)
			if err != nil {
				log.Warn("config reload failed", slog.String("path", abs), slog.String("error", err.Error()))
				continue
			}
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// applyLive applies the settings that can change without a restart.
func (r *Runtime) applyLive(cfg config.Config) {
	if r.provider == nil {
		return
	}
	was := r.provider.Caching()
	r.provider.SetCaching(cfg.Provider.Caching)
	if was && !cfg.Provider.Caching {
		cleared := r.provider.ClearCache()
		r.logger.Info("audio cache disabled", slog.Int("released", cleared))
	} else if was != cfg.Provider.Caching {
		r.logger.Info("audio cache enabled")
	}
}
