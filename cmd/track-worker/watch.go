package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/config"
)

// watchConfig calls onChange with the reloaded config every time the file is written.
// Only courier clients are swapped live; other settings need a restart.
func watchConfig(ctx context.Context, path string, onChange func(*config.Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "config path")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config watcher")
	}
	defer func() { _ = w.Close() }()

	// редакторы заменяют файл целиком, поэтому следим за каталогом
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrap(err, "watch config dir")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := config.LoadConfig(abs)
			if err != nil {
				slog.Error("reload config, keeping current couriers", "error", err.Error())
				continue
			}
			slog.Info("config changed, rebuilding courier clients")
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher", "error", err.Error())
		}
	}
}
