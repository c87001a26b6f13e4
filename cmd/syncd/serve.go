// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hexhaven/teamsync/internal/config"
	"github.com/hexhaven/teamsync/internal/instance"
	"github.com/hexhaven/teamsync/internal/observability"
	"github.com/hexhaven/teamsync/internal/server"
	"github.com/hexhaven/teamsync/internal/session"
	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
	"github.com/hexhaven/teamsync/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, levelVar := logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.LogJSON,
		Service: "syncd",
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing is opt-in: no endpoint, no exporter.
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cleanup, err := initTracer(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("setup OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	metrics := observability.New(nil)

	dbCfg := badgerdb.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.InMemory = cfg.InMemory
	dbCfg.SyncWrites = cfg.SyncWrites
	dbCfg.Logger = logger.With(slog.String("component", "badger"))
	db, err := badgerdb.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	registry := instance.NewRegistry(db, instance.RegistryConfig{
		IdleTTL:        cfg.IdleTTL(),
		ReaperInterval: cfg.ReaperInterval(),
		OpBuffer:       64,
	}, logger, metrics)

	srv := server.New(registry, db, session.Config{
		SendBuffer:    cfg.SessionBuffer,
		MutationRate:  cfg.MutationRate,
		MutationBurst: cfg.MutationBurst,
	}, logger, metrics)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.SetupRoutes(router, srv)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if configPath != "" {
		watcher, err := config.Watch(configPath, levelVar, logger)
		if err != nil {
			logger.Warn("config live reload disabled", slog.String("error", err.Error()))
		} else {
			defer watcher.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sync server listening",
			slog.String("listen", cfg.Listen),
			slog.Bool("in_memory", cfg.InMemory))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Sessions are gone once the HTTP server has drained; suspend every
	// instance so the final log state is flushed before badger closes.
	if cerr := registry.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
