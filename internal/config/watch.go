package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file at path whenever it changes and passes the
// result to onChange. Invalid edits are logged and skipped. The parent
// directory is watched so editors that replace the file are seen. Watch
// blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("no config file to watch")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&fsnotify.Chmod == ev.Op {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config_watch_error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			cfg, err := LoadFile(abs)
			if err != nil {
				slog.Warn("config_reload_failed",
					slog.String("path", abs),
					slog.String("error", err.Error()))
				continue
			}
			slog.Info("config_reloaded", slog.String("path", abs), slog.Int("feeds", len(cfg.Crawler.Feeds)))
			onChange(cfg)
		}
	}
}
