// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the sync engine over HTTP: the websocket sync
// endpoint plus REST surfaces for snapshots, log export, and health.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hexhaven/teamsync/internal/editlog"
	"github.com/hexhaven/teamsync/internal/instance"
	"github.com/hexhaven/teamsync/internal/observability"
	"github.com/hexhaven/teamsync/internal/session"
	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
)

// Server wires the instance registry to HTTP handlers.
type Server struct {
	registry   *instance.Registry
	db         *badgerdb.DB
	sessionCfg session.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New builds a server over an already-running registry. db is only used
// for log export, which reads the edit log directly without warming an
// instance.
func New(registry *instance.Registry, db *badgerdb.DB, sessionCfg session.Config, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:   registry,
		db:         db,
		sessionCfg: sessionCfg,
		logger:     logger.With(slog.String("component", "server")),
		metrics:    metrics,
	}
}

// HealthCheck reports process liveness.
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetTeamState returns the full current snapshot for a team, hydrating
// the instance if it is cold.
func (s *Server) GetTeamState(c *gin.Context) {
	teamID := c.Param("teamID")

	inst, err := s.registry.Get(c.Request.Context(), teamID)
	if err != nil {
		s.respondRegistryError(c, teamID, err)
		return
	}

	snapshot, err := inst.Snapshot(c.Request.Context())
	if err != nil {
		s.respondRegistryError(c, teamID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"teamId":  teamID,
		"entries": snapshot,
	})
}

// ExportTeamLog streams a team's full ordered edit history. The export
// reads the durable log directly; it neither warms nor disturbs the
// team's instance.
func (s *Server) ExportTeamLog(c *gin.Context) {
	teamID := c.Param("teamID")
	if teamID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "team id must not be empty"})
		return
	}

	log, err := editlog.Open(s.db, teamID, s.logger)
	if err != nil {
		s.logger.Error("open edit log for export failed",
			slog.String("team_id", teamID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	defer log.Close()

	records, err := log.Export(c.Request.Context())
	if err != nil {
		s.logger.Error("edit log export failed",
			slog.String("team_id", teamID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"teamId":  teamID,
		"records": records,
	})
}

func (s *Server) respondRegistryError(c *gin.Context, teamID string, err error) {
	switch {
	case errors.Is(err, instance.ErrHydration):
		s.logger.Error("hydration failed",
			slog.String("team_id", teamID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "team state unavailable"})
	case errors.Is(err, instance.ErrRegistryClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing useful to write.
		c.Status(http.StatusRequestTimeout)
	default:
		s.logger.Error("request failed",
			slog.String("team_id", teamID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
