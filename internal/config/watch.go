package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs editor write bursts (truncate+write, rename-over).
const watchDebounce = 300 * time.Millisecond

// Watch reloads the config file into cfg whenever it changes on disk.
// Account snapshots resolved after a reload see the new values, so webhook
// secret or behavior-flag edits take effect without a restart.
// Blocks until ctx is done.
func Watch(ctx context.Context, path string, cfg *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Error("config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		if err := next.Validate(); err != nil {
			slog.Error("config reload rejected", "path", path, "error", err)
			return
		}
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded", "path", path, "accounts", len(next.Accounts))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
