// Package main is the analyser entry point: it serves the recordings
// directory over HTTP and drains pending recordings through the vision
// model, writing one analysis row per recording.
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

	"github.com/panoptic-video/panoptic/internal/analyser"
	"github.com/panoptic-video/panoptic/internal/api"
	"github.com/panoptic-video/panoptic/internal/config"
	"github.com/panoptic-video/panoptic/internal/database"
	"github.com/panoptic-video/panoptic/internal/inference"
	"github.com/panoptic-video/panoptic/internal/logging"
	"github.com/panoptic-video/panoptic/internal/store"
)

func main() {
	cfg, err := config.LoadAnalyser()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, _ := logging.Setup(cfg.Verbose)

	logger.Info("Starting analyser",
		"vllm_api", cfg.VLLMAPIURL,
		"model", cfg.VLLMModel,
		"recordings_dir", cfg.RecordingsDir,
		"server_port", cfg.ServerPort,
		"poll_interval", cfg.PollInterval,
		"host_ip", cfg.HostIP,
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

	router, err := api.NewAnalyserRouter(cfg.RecordingsDir, st)
	if err != nil {
		logger.Error("Failed to build recordings surface", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: the inference endpoint streams whole clips.
	}

	go func() {
		logger.Info("Recordings surface listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			cancel()
		}
	}()

	client := inference.NewClient(inference.Config{
		URL:   cfg.VLLMAPIURL,
		Model: cfg.VLLMModel,
	})
	client.WaitReady(ctx, inference.DefaultReadyTimeout)

	sched := analyser.New(analyser.Config{
		HostIP:       cfg.HostIP,
		ServerPort:   cfg.ServerPort,
		PollInterval: cfg.PollInterval,
	}, st, client)
	sched.Start(ctx)

	<-ctx.Done()

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Analyser stopped")
}
