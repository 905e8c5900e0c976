package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry in dir whenever one of its .cue files changes
// and passes each registry that loads cleanly to onChange. A registry that
// fails to load is logged and skipped, so the caller keeps the previous one.
// Blocks until ctx is cancelled.
func Watch(ctx context.Context, dir string, onChange func(*Registry)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch registry: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch registry %s: %w", dir, err)
	}
	slog.Debug("watching registry", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".cue" {
				continue
			}
			if !ev.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			reg, err := Load(dir)
			if err != nil {
				slog.Warn("registry reload failed", "dir", dir, "file", ev.Name, "error", err)
				continue
			}
			slog.Info("registry reloaded", "dir", dir, "entities", len(reg.entities))
			onChange(reg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("registry watch error", "dir", dir, "error", err)
		}
	}
}
