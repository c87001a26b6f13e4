// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hexhaven/teamsync/internal/config"
	"github.com/hexhaven/teamsync/internal/editlog"
	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
	"github.com/hexhaven/teamsync/pkg/logging"
)

func runExport(cmd *cobra.Command, args []string) error {
	teamID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.InMemory {
		return fmt.Errorf("nothing to export from an in-memory configuration")
	}

	// Records go to stdout, diagnostics to stderr.
	logger, _ := logging.New(logging.Config{
		Level:   slog.LevelWarn,
		Service: "syncd-export",
	})

	dbCfg := badgerdb.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.SyncWrites = false
	dbCfg.GCInterval = 0
	db, err := badgerdb.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	log, err := editlog.Open(db, teamID, logger)
	if err != nil {
		return fmt.Errorf("open edit log: %w", err)
	}
	defer log.Close()

	records, err := log.Export(cmd.Context())
	if err != nil {
		return fmt.Errorf("export edit log: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write record %d: %w", rec.Seq, err)
		}
	}
	return nil
}
