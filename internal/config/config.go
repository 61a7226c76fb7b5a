// Package config handles pipeline configuration
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string

	// Camera
	CameraDevice int
	FrameWidth   int
	FrameHeight  int
	WarmupFrames int

	// Scan loop
	ScanInterval      time.Duration
	FingerprintGrid   int
	PageTurnThreshold int
	MinTextLength     int

	// Recognition workers
	OCRWorkerCmd []string
	OCRWorkers   int
	OCRTimeout   time.Duration

	// Vision collaborator
	VisionAPIKey        string
	VisionBaseURL       string
	VisionModel         string
	VisionMinInterval   time.Duration
	VisionMinConfidence float64
	VisionMaxWidth      int

	// Storage
	DataDir      string
	SnapshotsDir string
	SessionsDB   string

	LogLevel slog.Level
}

func Load() *Config {
	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		CameraDevice: getEnvInt("CAMERA_DEVICE", 0),
		FrameWidth:   getEnvInt("FRAME_WIDTH", 1920),
		FrameHeight:  getEnvInt("FRAME_HEIGHT", 1080),
		WarmupFrames: getEnvInt("CAMERA_WARMUP_FRAMES", 10),

		ScanInterval:      getEnvSeconds("SCAN_INTERVAL", 2.0),
		FingerprintGrid:   getEnvInt("FINGERPRINT_GRID", 16),
		PageTurnThreshold: getEnvInt("PAGE_TURN_THRESHOLD", 10),
		MinTextLength:     getEnvInt("MIN_TEXT_LENGTH", 4),

		OCRWorkerCmd: getEnvList("OCR_WORKER_CMD", []string{"pagewatch-ocrd"}),
		OCRWorkers:   getEnvInt("OCR_WORKERS", 1),
		OCRTimeout:   getEnvSeconds("OCR_TIMEOUT", 30.0),

		VisionAPIKey:        getEnv("VISION_API_KEY", ""),
		VisionBaseURL:       getEnv("VISION_BASE_URL", "https://api.moonshot.cn/v1"),
		VisionModel:         getEnv("VISION_MODEL", "kimi-latest"),
		VisionMinInterval:   getEnvSeconds("VISION_MIN_INTERVAL", 30.0),
		VisionMinConfidence: getEnvFloat("VISION_MIN_CONFIDENCE", 0.7),
		VisionMaxWidth:      getEnvInt("VISION_MAX_WIDTH", 800),

		DataDir:      dataDir,
		SnapshotsDir: getEnv("SNAPSHOTS_DIR", filepath.Join(dataDir, "snapshots")),
		SessionsDB:   getEnv("SESSIONS_DB", filepath.Join(dataDir, "sessions.db")),

		LogLevel: getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// EnsureDirs creates the data directories if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.SnapshotsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvSeconds reads a float number of seconds into a Duration.
func getEnvSeconds(key string, def float64) time.Duration {
	return time.Duration(getEnvFloat(key, def) * float64(time.Second))
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Fields(v)
		if len(parts) > 0 {
			return parts
		}
	}
	return def
}

func getEnvLevel(key string, def slog.Level) slog.Level {
	switch strings.ToLower(os.Getenv(key)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return def
}
