// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates syncd configuration.
//
// Precedence: defaults < YAML file < TEAMSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the syncd server configuration.
type Config struct {
	// Listen is the host:port the HTTP/websocket server binds.
	Listen string `yaml:"listen" validate:"required"`

	// DataDir is the BadgerDB directory. Required unless InMemory.
	DataDir string `yaml:"data_dir"`

	// InMemory runs storage without persistence. Testing only: accepted
	// writes do not survive the process.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every edit-log append. Disabling it trades
	// crash durability for latency; leave it on in production.
	SyncWrites bool `yaml:"sync_writes"`

	// IdleTTLSec is how long a session-free team instance stays warm
	// before eviction.
	IdleTTLSec int `yaml:"idle_ttl_sec" validate:"min=0"`

	// ReaperIntervalSec is how often the idle sweep runs. 0 disables it.
	ReaperIntervalSec int `yaml:"reaper_interval_sec" validate:"min=0"`

	// SessionBuffer is the per-session outbound message buffer.
	SessionBuffer int `yaml:"session_buffer" validate:"min=1"`

	// MutationRate is the sustained per-session mutations/second limit.
	MutationRate float64 `yaml:"mutation_rate" validate:"gt=0"`

	// MutationBurst is the per-session burst allowance.
	MutationBurst int `yaml:"mutation_burst" validate:"min=1"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogJSON selects JSON log output (always JSON in containers).
	LogJSON bool `yaml:"log_json"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Listen:            ":8090",
		DataDir:           "/var/lib/teamsync",
		SyncWrites:        true,
		IdleTTLSec:        600,
		ReaperIntervalSec: 60,
		SessionBuffer:     64,
		MutationRate:      20,
		MutationBurst:     40,
		LogLevel:          "info",
		LogJSON:           true,
	}
}

// Load reads the YAML file at path (optional: empty path skips the file),
// applies environment overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays TEAMSYNC_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TEAMSYNC_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TEAMSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TEAMSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TEAMSYNC_IN_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.InMemory = b
		}
	}
	if v := os.Getenv("TEAMSYNC_IDLE_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTTLSec = n
		}
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("invalid config: data_dir is required unless in_memory is set")
	}
	return nil
}

// IdleTTL returns the idle eviction threshold as a duration.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSec) * time.Second
}

// ReaperInterval returns the idle sweep interval as a duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}
