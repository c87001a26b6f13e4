// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Real-time team state synchronization server",
	Long: `syncd serves a per-team versioned key-value store over websockets.
Every accepted write is appended to a durable edit log before it is
acknowledged; team state is rebuilt from the log on demand.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE:  runServe,
}

var exportCmd = &cobra.Command{
	Use:   "export [teamID]",
	Short: "Dump a team's edit log as JSON lines",
	Long: `export reads the durable edit log for one team and writes each
record to stdout as a JSON line, in order. The data directory must not
be in use by a running server.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
}
