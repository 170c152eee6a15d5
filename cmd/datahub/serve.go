// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHub/pkg/logging"
	"github.com/AleutianAI/AleutianHub/services/hub/api"
	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/config"
	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/publish"
	wvbackend "github.com/AleutianAI/AleutianHub/services/hub/publish/weaviate"
	"github.com/AleutianAI/AleutianHub/services/hub/scheduler"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
	hubbadger "github.com/AleutianAI/AleutianHub/services/hub/storage/badger"
	"github.com/AleutianAI/AleutianHub/services/hub/telemetry"
)

// runServe starts the hub daemon and blocks until SIGINT or SIGTERM.
//
// Description:
//
//	Opens the badger store, wires every component against it, starts
//	the scheduler (which recovers stale jobs and launches the periodic
//	loops), then serves the trigger API. Shutdown is ordered: the API
//	stops accepting triggers first, the scheduler drains its running
//	jobs, and the store closes last.
func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	hubLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		Service: "datahub",
		LogDir:  logDir,
	})
	defer hubLogger.Close()
	logger := hubLogger.Slog()

	db, err := hubbadger.OpenWithPath(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store at %s: %v", cfg.DataDir, err)
	}
	defer db.Close()

	store := jobstore.New(db, jobstore.WithLogger(logger))
	store.Subscribe(telemetry.Observer())
	cols := collections.New(db, logger)
	diffs := diff.NewStore(db)

	backend, err := newBackend(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to connect backend: %v", err)
	}

	var pubOpts []publish.PublisherOption
	pubOpts = append(pubOpts, publish.WithLogger(logger))
	if cfg.Backend.KeepReleases > 0 {
		pubOpts = append(pubOpts, publish.WithKeepReleases(cfg.Backend.KeepReleases))
	}
	if cfg.Backend.PublishTimeout > 0 {
		pubOpts = append(pubOpts, publish.WithTimeout(cfg.Backend.PublishTimeout))
	}

	var upOpts []source.UploaderOption
	upOpts = append(upOpts, source.WithLogger(logger))
	if cfg.UploadTimeout > 0 {
		upOpts = append(upOpts, source.WithTimeout(cfg.UploadTimeout))
	}

	registry := source.NewRegistry()
	registry.Register(source.KindHTTPDump, source.NewHTTPDumpFetcher(nil))

	deps := scheduler.Deps{
		Store:     store,
		Cols:      cols,
		Registry:  registry,
		Uploader:  source.NewUploader(store, cols, registry, upOpts...),
		Builder:   build.NewBuilder(store, cols, logger),
		Differ:    diff.NewDiffer(store, cols, diffs, logger),
		Diffs:     diffs,
		Publisher: publish.NewPublisher(store, backend, pubOpts...),
		Logger:    logger,
	}

	sched, err := scheduler.New(deps, cfg.Sources, cfg.Builds, cfg.Scheduler.Limits())
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	router := api.NewRouter(api.NewHandlers(sched, store, diffs, logger))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Trigger API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("Scheduler shutdown incomplete", "error", err)
	}
	logger.Info("Shutdown complete")
}

// newBackend builds the configured serving backend. A weaviate backend
// is probed for readiness before the scheduler starts, so a hub booting
// alongside its backend waits instead of failing its first publish.
func newBackend(cfg config.Config, logger *slog.Logger) (publish.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendWeaviate:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		backend, err := wvbackend.New(ctx, wvbackend.Config{URL: cfg.Backend.URL, Logger: logger})
		if err != nil {
			return nil, err
		}
		if err := backend.WaitReady(ctx, 2*time.Minute); err != nil {
			return nil, err
		}
		return backend, nil
	default:
		logger.Warn("Using the in-memory backend; published data will not survive restarts")
		return publish.NewMemoryBackend(), nil
	}
}
