// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit for one save.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file on change and applies the subset of
// fields that are safe to change at runtime (currently the log level).
// Structural fields like Listen and DataDir require a restart and are
// ignored on reload.
type Watcher struct {
	path     string
	levelVar *slog.LevelVar
	logger   *slog.Logger
	fw       *fsnotify.Watcher

	stopOnce sync.Once
	done     chan struct{}
}

// Watch begins watching path. levelVar receives the new log level when
// the file changes and parses cleanly; invalid files are logged and
// skipped, keeping the running config intact.
func Watch(path string, levelVar *slog.LevelVar, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save
	// and a watch on the old inode goes silent.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:     path,
		levelVar: levelVar,
		logger:   logger.With(slog.String("component", "config-watcher")),
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload skipped", slog.String("error", err.Error()))
		return
	}

	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		w.logger.Warn("config reload skipped", slog.String("error", err.Error()))
		return
	}
	if w.levelVar.Level() != level {
		w.levelVar.Set(level)
		w.logger.Info("log level changed", slog.String("level", cfg.LogLevel))
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.fw.Close()
		<-w.done
	})
	return err
}

// ParseLevel converts a config log level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
