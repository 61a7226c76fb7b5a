package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8000")
	}
	if cfg.CameraDevice != 0 {
		t.Errorf("CameraDevice = %d, want 0", cfg.CameraDevice)
	}
	if cfg.WarmupFrames != 10 {
		t.Errorf("WarmupFrames = %d, want 10", cfg.WarmupFrames)
	}
	if cfg.ScanInterval != 2*time.Second {
		t.Errorf("ScanInterval = %v, want 2s", cfg.ScanInterval)
	}
	if cfg.FingerprintGrid != 16 {
		t.Errorf("FingerprintGrid = %d, want 16", cfg.FingerprintGrid)
	}
	if cfg.PageTurnThreshold != 10 {
		t.Errorf("PageTurnThreshold = %d, want 10", cfg.PageTurnThreshold)
	}
	if cfg.OCRWorkers != 1 {
		t.Errorf("OCRWorkers = %d, want 1", cfg.OCRWorkers)
	}
	if cfg.VisionMinInterval != 30*time.Second {
		t.Errorf("VisionMinInterval = %v, want 30s", cfg.VisionMinInterval)
	}
	if cfg.VisionMinConfidence != 0.7 {
		t.Errorf("VisionMinConfidence = %v, want 0.7", cfg.VisionMinConfidence)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "0.5")
	t.Setenv("PAGE_TURN_THRESHOLD", "25")
	t.Setenv("OCR_WORKER_CMD", "tesseract-serve --lang eng")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.ScanInterval != 500*time.Millisecond {
		t.Errorf("ScanInterval = %v, want 500ms", cfg.ScanInterval)
	}
	if cfg.PageTurnThreshold != 25 {
		t.Errorf("PageTurnThreshold = %d, want 25", cfg.PageTurnThreshold)
	}
	want := []string{"tesseract-serve", "--lang", "eng"}
	if len(cfg.OCRWorkerCmd) != len(want) {
		t.Fatalf("OCRWorkerCmd = %v, want %v", cfg.OCRWorkerCmd, want)
	}
	for i := range want {
		if cfg.OCRWorkerCmd[i] != want[i] {
			t.Errorf("OCRWorkerCmd[%d] = %q, want %q", i, cfg.OCRWorkerCmd[i], want[i])
		}
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestEnvInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CAMERA_DEVICE", "not-a-number")
	t.Setenv("VISION_MIN_CONFIDENCE", "high")

	cfg := Load()

	if cfg.CameraDevice != 0 {
		t.Errorf("CameraDevice = %d, want default 0", cfg.CameraDevice)
	}
	if cfg.VisionMinConfidence != 0.7 {
		t.Errorf("VisionMinConfidence = %v, want default 0.7", cfg.VisionMinConfidence)
	}
}

func TestSnapshotsDirDerivedFromDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/pagewatch-test")

	cfg := Load()

	if cfg.SnapshotsDir != "/tmp/pagewatch-test/snapshots" {
		t.Errorf("SnapshotsDir = %q", cfg.SnapshotsDir)
	}
	if cfg.SessionsDB != "/tmp/pagewatch-test/sessions.db" {
		t.Errorf("SessionsDB = %q", cfg.SessionsDB)
	}
}
