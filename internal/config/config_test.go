// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}
	if cfg.Listen != ":8090" {
		t.Errorf("Listen = %q, want :8090", cfg.Listen)
	}
	if !cfg.SyncWrites {
		t.Error("SyncWrites = false, want true by default")
	}
	if cfg.IdleTTL() != 10*time.Minute {
		t.Errorf("IdleTTL() = %v, want 10m", cfg.IdleTTL())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
listen: ":9000"
data_dir: /tmp/teamsync-test
idle_ttl_sec: 120
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Listen)
	}
	if cfg.IdleTTLSec != 120 {
		t.Errorf("IdleTTLSec = %d, want 120", cfg.IdleTTLSec)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	// Untouched fields keep their defaults.
	if cfg.SessionBuffer != 64 {
		t.Errorf("SessionBuffer = %d, want default 64", cfg.SessionBuffer)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
listen: ":9000"
log_level: debug
`)
	t.Setenv("TEAMSYNC_LISTEN", ":7777")
	t.Setenv("TEAMSYNC_LOG_LEVEL", "error")
	t.Setenv("TEAMSYNC_IDLE_TTL_SEC", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Errorf("Listen = %q, want :7777 from env", cfg.Listen)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error from env", cfg.LogLevel)
	}
	if cfg.IdleTTLSec != 30 {
		t.Errorf("IdleTTLSec = %d, want 30 from env", cfg.IdleTTLSec)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfigFile(t, "listen: [not: valid")
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil for malformed YAML, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty listen",
			mutate:  func(c *Config) { c.Listen = "" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "zero session buffer",
			mutate:  func(c *Config) { c.SessionBuffer = 0 },
			wantErr: true,
		},
		{
			name:    "negative mutation rate",
			mutate:  func(c *Config) { c.MutationRate = -1 },
			wantErr: true,
		},
		{
			name:    "no data dir without in-memory",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: true,
		},
		{
			name: "no data dir with in-memory",
			mutate: func(c *Config) {
				c.DataDir = ""
				c.InMemory = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for s, want := range levels {
		got, err := ParseLevel(s)
		if err != nil {
			t.Errorf("ParseLevel(%q) = %v", s, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil || !strings.Contains(err.Error(), "loud") {
		t.Errorf("ParseLevel(\"loud\") = %v, want error naming the level", err)
	}
}

func TestWatcher_AppliesLogLevelChange(t *testing.T) {
	path := writeConfigFile(t, "log_level: info\nin_memory: true\n")

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)

	w, err := Watch(path, levelVar, slog.Default())
	if err != nil {
		t.Fatalf("Watch() = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("log_level: debug\nin_memory: true\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if levelVar.Level() == slog.LevelDebug {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("log level not updated after config change")
}
