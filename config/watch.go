package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the burst of write/chmod events a single save
// triggers into one reload, mirroring the debounce window the AST file
// watcher uses for source changes.
const watchDebounce = 150 * time.Millisecond

// Watch watches path for changes and invokes onReload with the newly
// parsed config each time it settles after a write. It runs until ctx is
// canceled. Decode or validation failures are logged and skipped — the
// previously loaded config stays in effect rather than being replaced by
// a half-written file.
func (l *Loader) Watch(ctx context.Context, path string, onReload func(*Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return err
	}

	go l.watchLoop(ctx, fsw, path, onReload)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, path string, onReload func(*Config)) {
	defer fsw.Close()

	var timer *time.Timer
	reload := func() {
		cfg, err := LoadFromFile(path)
		if err != nil {
			l.logger.Warn("config reload failed, keeping previous config", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		if err := cfg.Validate(); err != nil {
			l.logger.Warn("reloaded config failed validation, keeping previous config", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		l.logger.Info("config reloaded", slog.String("path", path))
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}
