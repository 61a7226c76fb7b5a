// Package camera owns the persistent capture device handle
package camera

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/pagewatch/platform/internal/apperr"
)

// Frame is a captured raster image and the instant it was captured.
// Frames are ephemeral: owned by the tick that produced them and never
// retained past encoding.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
}

// Device is the raw capture handle behind a Source.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Config controls how the device is opened.
type Config struct {
	DeviceID     int
	Width        int
	Height       int
	WarmupFrames int
}

// Source wraps a persistent capture device. Open discards the first
// WarmupFrames reads: capture hardware commonly returns black or invalid
// frames right after initialization, and skipping them avoids false
// "page is blank" detections on startup.
//
// All methods are safe to call from worker goroutines.
type Source struct {
	cfg    Config
	openFn func(Config) (Device, error)

	mu  sync.Mutex
	dev Device
}

// NewSource creates a closed Source for the configured device.
func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg, openFn: openDevice}
}

// Open acquires the device and runs the warm-up discard.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return nil
	}

	dev, err := s.openFn(s.cfg)
	if err != nil {
		return apperr.Wrapf(err, apperr.CodeDeviceOpen, "camera %d unavailable", s.cfg.DeviceID)
	}

	for i := 0; i < s.cfg.WarmupFrames; i++ {
		if _, err := dev.Read(); err != nil {
			slog.Debug("warm-up read failed", "frame", i, "error", err)
		}
	}

	s.dev = dev
	slog.Info("camera opened", "device", s.cfg.DeviceID, "warmup_frames", s.cfg.WarmupFrames)
	return nil
}

// Read returns the most recent frame, or nil if none is available.
// Transient read failures are logged, never raised.
func (s *Source) Read() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		slog.Warn("camera read on closed source")
		return nil
	}

	img, err := s.dev.Read()
	if err != nil || img == nil {
		slog.Warn("camera read failed", "error", err)
		return nil
	}
	return &Frame{Image: img, CapturedAt: time.Now()}
}

// IsOpen reports whether the device handle is held.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// Close releases the device. Idempotent.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return
	}
	if err := s.dev.Close(); err != nil {
		slog.Warn("camera close failed", "error", err)
	}
	s.dev = nil
	slog.Info("camera closed", "device", s.cfg.DeviceID)
}
