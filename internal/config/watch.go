package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config when the file changes and swaps the new values
// into cfg via ReplaceFrom. Tenant directory, handoff phrases and coalesce
// tuning become effective on the next inbound event; listener address changes
// require a restart and are only logged.
//
// Editors often emit several write/rename events per save, so reloads are
// debounced by a short settle window.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: rename-over-save replaces the inode, which would
	// silently detach a file-level watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	const settle = 250 * time.Millisecond
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Error("config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		if next.Gateway.Host != cfg.Gateway.Host || next.Gateway.Port != cfg.Gateway.Port {
			slog.Warn("config reload: listener address changed, restart required to apply",
				"host", next.Gateway.Host, "port", next.Gateway.Port)
		}
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded", "path", path, "tenants", len(next.Tenants))
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(settle, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
