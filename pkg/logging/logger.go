// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for teamsync components.
//
// Built on Go's standard library slog package. The server uses JSON
// output to stdout (container convention); the CLI subcommands default
// to text on stderr. The returned *slog.LevelVar allows runtime level
// changes (the config watcher uses it for live reload).
//
// # Basic Usage
//
//	logger, levelVar := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    JSON:    true,
//	    Service: "syncd",
//	})
//	logger.Info("starting", "listen", cfg.Listen)
//
// Components derive child loggers with With:
//
//	log := logger.With(slog.String("component", "registry"))
//
// # Thread Safety
//
// The returned logger and level var are safe for concurrent use.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level emitted. Adjustable later through the
	// returned LevelVar.
	Level slog.Level

	// JSON selects JSON output; false selects human-readable text.
	JSON bool

	// Service is attached to every record as the "service" attribute.
	Service string

	// Output overrides the destination. Defaults to stdout for JSON and
	// stderr for text.
	Output io.Writer
}

// New builds a logger and the level var controlling it.
func New(cfg Config) (*slog.Logger, *slog.LevelVar) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Level)

	out := cfg.Output
	if out == nil {
		if cfg.JSON {
			out = os.Stdout
		} else {
			out = os.Stderr
		}
	}

	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With(slog.String("service", cfg.Service))
	}
	return logger, levelVar
}

// Discard returns a logger that drops everything; used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
