// Package main is the detector entry point: it discovers RTSP streams,
// watches them for motion, and records clips around motion events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panoptic-video/panoptic/internal/api"
	"github.com/panoptic-video/panoptic/internal/config"
	"github.com/panoptic-video/panoptic/internal/database"
	"github.com/panoptic-video/panoptic/internal/events"
	"github.com/panoptic-video/panoptic/internal/logging"
	"github.com/panoptic-video/panoptic/internal/manager"
	"github.com/panoptic-video/panoptic/internal/media"
	"github.com/panoptic-video/panoptic/internal/session"
	"github.com/panoptic-video/panoptic/internal/store"
)

func main() {
	cfg, err := config.LoadDetector()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, ring := logging.Setup(cfg.Verbose)

	logger.Info("Starting detector",
		"mediamtx_api", cfg.MediaMTX.APIURL(),
		"segment_dir", cfg.Segments.OutputDir,
		"recordings_dir", cfg.Recording.Dir,
		"discovery_interval", cfg.DiscoveryInterval,
		"api_port", cfg.APIPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Shutting down", "signal", sig.String())
		cancel()
	}()

	db, err := database.OpenWithRetry(ctx, cfg.Database, 10, 3*time.Second)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	st := store.New(db)

	var bus *events.Bus
	if cfg.Bus.Enabled {
		bus, err = events.NewBus(events.Config{Host: cfg.Bus.Host, Port: cfg.Bus.Port}, logger)
		if err != nil {
			logger.Error("Failed to start event bus", "error", err)
			os.Exit(1)
		}
		defer bus.Stop()
	}

	engine := session.NewEngine(session.Config{
		RecordingsDir:   cfg.Recording.Dir,
		PreRollSeconds:  cfg.Recording.PreRollSeconds,
		PostRollSeconds: cfg.Recording.PostRollSeconds,
		SegmentSeconds:  cfg.Segments.Duration,
	}, st, bus)

	mgr := manager.New(cfg, media.NewFFmpegBackend(), engine, st, bus)

	// Motion tuning: apply the file once, then follow edits.
	if cfg.Motion.TuningFile != "" {
		if tuning, err := config.LoadTuning(cfg.Motion.TuningFile); err != nil {
			logger.Warn("Failed to load motion tuning", "file", cfg.Motion.TuningFile, "error", err)
		} else {
			mgr.ApplyTuning(tuning)
		}

		watcher, err := config.WatchTuning(cfg.Motion.TuningFile, logger)
		if err != nil {
			logger.Warn("Failed to watch motion tuning", "file", cfg.Motion.TuningFile, "error", err)
		} else {
			watcher.OnChange(mgr.ApplyTuning)
			defer watcher.Close()
		}
	}

	router, hub, err := api.NewDetectorRouter(st, engine, bus, ring)
	if err != nil {
		logger.Error("Failed to build status API", "error", err)
		os.Exit(1)
	}
	go hub.Run(ctx)

	if err := mgr.Start(ctx); err != nil {
		logger.Error("Failed to start stream manager", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: the websocket and log stream are long-lived.
	}

	go func() {
		logger.Info("Status API listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	mgr.Stop()

	logger.Info("Detector stopped")
}
