// Pagewatch server - watches a book camera, detects page turns, and
// streams snapshots and page info to clients
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagewatch/platform/internal/camera"
	"github.com/pagewatch/platform/internal/config"
	"github.com/pagewatch/platform/internal/perspective"
	"github.com/pagewatch/platform/internal/recognize"
	"github.com/pagewatch/platform/internal/scanner"
	"github.com/pagewatch/platform/internal/server"
	"github.com/pagewatch/platform/internal/session"
	"github.com/pagewatch/platform/internal/vision"
)

func main() {
	cfg := config.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("failed to prepare data directories", "error", err)
		os.Exit(1)
	}

	store, err := session.OpenStore(cfg.SessionsDB)
	if err != nil {
		slog.Error("failed to open session store", "path", cfg.SessionsDB, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	mgr := session.NewManager(store)

	frames := camera.NewSource(camera.Config{
		DeviceID:     cfg.CameraDevice,
		Width:        cfg.FrameWidth,
		Height:       cfg.FrameHeight,
		WarmupFrames: cfg.WarmupFrames,
	})

	newPool := func() (scanner.Recognizer, error) {
		return recognize.NewPool(recognize.Config{
			Command: cfg.OCRWorkerCmd,
			Workers: cfg.OCRWorkers,
			Timeout: cfg.OCRTimeout,
			Grid:    cfg.FingerprintGrid,
		})
	}

	srv := server.New(nil, mgr)

	var trigger *vision.Trigger
	if cfg.VisionAPIKey != "" {
		trigger = vision.NewTrigger(
			vision.NewClient(cfg.VisionAPIKey, cfg.VisionBaseURL, cfg.VisionModel),
			vision.Config{
				MinInterval:   cfg.VisionMinInterval,
				MinConfidence: cfg.VisionMinConfidence,
				MaxWidth:      cfg.VisionMaxWidth,
			},
			srv.OnPageInfo,
		)
		defer trigger.Cancel()
	} else {
		slog.Warn("vision disabled, no API key configured")
	}

	orch := scanner.New(scanner.Config{
		Interval:      cfg.ScanInterval,
		Threshold:     cfg.PageTurnThreshold,
		MinTextLength: cfg.MinTextLength,
		SnapshotsDir:  cfg.SnapshotsDir,
	}, frames, newPool, mgr, dispatcher(trigger), perspective.Passthrough{}, srv)
	srv.Attach(orch)

	if err := orch.Start(); err != nil {
		slog.Error("failed to start scan loop", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("pagewatch server starting", "http", cfg.HTTPAddr, "camera", cfg.CameraDevice)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	orch.Stop()
	if err := mgr.End(context.Background()); err != nil {
		slog.Warn("session close on shutdown failed", "error", err)
	}
	srv.Hub().Close()

	slog.Info("shutdown complete")
}

// dispatcher keeps the nil trigger from hiding behind a non-nil
// interface value.
func dispatcher(t *vision.Trigger) scanner.VisionDispatcher {
	if t == nil {
		return nil
	}
	return t
}
