// Package scanner runs the periodic capture/recognize/decide loop and owns
// the camera and recognition pool for its lifetime.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pagewatch/platform/internal/apperr"
	"github.com/pagewatch/platform/internal/camera"
	"github.com/pagewatch/platform/internal/fingerprint"
	"github.com/pagewatch/platform/internal/perspective"
	"github.com/pagewatch/platform/internal/session"
	"github.com/pagewatch/platform/internal/syncx"
	"github.com/pagewatch/platform/internal/trace"
)

// FrameSource yields camera frames. Read returns nil on a transient
// failure. camera.Source satisfies it.
type FrameSource interface {
	Open() error
	Read() *camera.Frame
	Close()
}

// Recognizer turns an encoded frame into text plus a fingerprint. All
// failures degrade to ("", "").
type Recognizer interface {
	Process(ctx context.Context, encoded []byte) (text, fp string)
	Shutdown()
}

// Recorder persists bound-session snapshots. session.Manager satisfies it.
type Recorder interface {
	Record(ctx context.Context, snap session.Snapshot) (session.Snapshot, error)
}

// VisionDispatcher schedules background vision analysis of a saved frame.
type VisionDispatcher interface {
	Trigger(path string, force bool) bool
}

// Hooks receives the loop's outward-facing events. Both methods are called
// from the tick goroutine and must not block for long.
type Hooks interface {
	OnSnapshot(text, imagePath string)
	OnPageTurn(pageCount int)
}

// NopHooks ignores every event.
type NopHooks struct{}

func (NopHooks) OnSnapshot(string, string) {}
func (NopHooks) OnPageTurn(int)            {}

// Config tunes the scan loop.
type Config struct {
	Interval      time.Duration
	Threshold     int
	MinTextLength int
	SnapshotsDir  string
}

// TickResult is what one tick observed, returned by ManualTrigger.
type TickResult struct {
	Text        string `json:"text"`
	ImagePath   string `json:"image_path"`
	Fingerprint string `json:"fingerprint"`
	PageTurn    bool   `json:"page_turn"`
	PageCount   int    `json:"page_count"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Running   bool   `json:"running"`
	SessionID string `json:"session_id,omitempty"`
	PageCount int    `json:"page_count"`
	LastText  string `json:"last_text,omitempty"`
}

// scanState is everything the tick logic mutates and HTTP handlers read.
type scanState struct {
	running   bool
	bound     bool
	sessionID string
	firstTick bool
	lastFP    string
	lastText  string
	pageTurns int
}

func (s *scanState) reset() {
	s.firstTick = true
	s.lastFP = ""
	s.lastText = ""
	s.pageTurns = 0
}

// Orchestrator coordinates the periodic pipeline. Ticks are strictly
// sequential; bind/unbind never interrupt the schedule.
type Orchestrator struct {
	cfg     Config
	frames  FrameSource
	newPool func() (Recognizer, error)
	rec     Recorder
	vision  VisionDispatcher
	correct perspective.Corrector
	hooks   Hooks

	tickMu sync.Mutex // serializes ticks, scheduled and manual
	state  *syncx.RWGuard[scanState]

	lifeMu sync.Mutex // serializes Start/Stop
	cancel context.CancelFunc
	pool   Recognizer
	poolMu sync.Mutex
}

// New wires an orchestrator. newPool is invoked on every Start so the
// recognition pool is recreated per run. correct and hooks may be nil.
func New(cfg Config, frames FrameSource, newPool func() (Recognizer, error),
	rec Recorder, vision VisionDispatcher, correct perspective.Corrector, hooks Hooks) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = fingerprint.DefaultThreshold
	}
	if correct == nil {
		correct = perspective.Passthrough{}
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Orchestrator{
		cfg:     cfg,
		frames:  frames,
		newPool: newPool,
		rec:     rec,
		vision:  vision,
		correct: correct,
		hooks:   hooks,
		state:   syncx.NewGuard(scanState{}),
	}
}

// Start opens the camera, builds a fresh recognition pool, and launches
// the periodic tick. A device-open failure leaves the orchestrator
// stopped and is returned to the caller.
func (o *Orchestrator) Start() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.state.Get().running {
		return nil
	}

	if err := o.frames.Open(); err != nil {
		return apperr.Wrap(err, apperr.CodeDeviceOpen, "start scan")
	}
	pool, err := o.newPool()
	if err != nil {
		o.frames.Close()
		return apperr.Wrap(err, apperr.CodeWorkerSpawn, "start scan")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.poolMu.Lock()
	o.pool = pool
	o.poolMu.Unlock()
	o.cancel = cancel
	o.state.Write(func(s *scanState) { s.running = true })
	go o.loop(ctx)
	slog.Info("scan loop started", "interval", o.cfg.Interval)
	return nil
}

// Stop halts the schedule, closes the camera, and shuts the pool down
// without waiting for in-flight recognition. Scan state is cleared.
func (o *Orchestrator) Stop() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if !o.state.Get().running {
		return
	}
	o.cancel()
	o.state.Write(func(s *scanState) {
		s.running = false
		s.bound = false
		s.sessionID = ""
		s.reset()
	})
	o.poolMu.Lock()
	pool := o.pool
	o.pool = nil
	o.poolMu.Unlock()

	o.frames.Close()
	pool.Shutdown()
	slog.Info("scan loop stopped")
}

// BindSession attributes subsequent results to the given session. The
// schedule is untouched; only scan state resets, so the first bound tick
// always persists a snapshot.
func (o *Orchestrator) BindSession(id string) {
	o.state.Write(func(s *scanState) {
		s.bound = true
		s.sessionID = id
		s.reset()
	})
	slog.Info("session bound", "session_id", id)
}

// UnbindSession stops persistence and page counting. Capture and
// recognition continue.
func (o *Orchestrator) UnbindSession() {
	o.state.Write(func(s *scanState) {
		s.bound = false
		s.sessionID = ""
		s.reset()
	})
	slog.Info("session unbound")
}

// ManualTrigger runs one tick immediately and returns its result. The
// periodic schedule's phase is unaffected.
func (o *Orchestrator) ManualTrigger(ctx context.Context) (TickResult, error) {
	if !o.state.Get().running {
		return TickResult{}, apperr.New(apperr.CodeDeviceRead, "scanner not running")
	}
	return o.tick(ctx), nil
}

// Running reports whether the loop is active.
func (o *Orchestrator) Running() bool {
	return o.state.Get().running
}

// Status snapshots the orchestrator's observable state.
func (o *Orchestrator) Status() Status {
	s := o.state.Get()
	return Status{
		Running:   s.running,
		SessionID: s.sessionID,
		PageCount: s.pageTurns,
		LastText:  s.lastText,
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.safeTick(ctx)
		}
	}
}

// safeTick keeps a misbehaving tick from killing the loop. Cadence is
// unchanged after a failure.
func (o *Orchestrator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tick panicked", "panic", r)
		}
	}()
	o.tick(ctx)
}

func (o *Orchestrator) tick(ctx context.Context) TickResult {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	ctx, span := trace.StartSpan(ctx, "scan.tick")
	defer span.End()
	log := trace.Logger(ctx)

	o.poolMu.Lock()
	pool := o.pool
	o.poolMu.Unlock()
	if pool == nil {
		return TickResult{}
	}

	frame := o.frames.Read()
	if frame == nil {
		log.Debug("no frame this tick")
		return TickResult{}
	}
	img := o.correct.Correct(frame.Image)

	encoded, err := encodeJPEG(img)
	if err != nil {
		log.Warn("frame encode failed", "error", err)
		return TickResult{}
	}

	text, fp := pool.Process(ctx, encoded)

	// A Stop that landed while recognition was in flight invalidates
	// this tick; clients must not see its events.
	if !o.state.Get().running {
		return TickResult{}
	}

	span.SetAttr("text_len", len(text))

	if len(strings.TrimSpace(text)) < o.cfg.MinTextLength {
		// Blank or unusable frame. Tell the host so dependent state
		// can clear, then skip persistence and vision entirely.
		o.hooks.OnSnapshot("", "")
		o.state.Write(func(s *scanState) { s.lastText = "" })
		return TickResult{}
	}

	path, err := o.saveFrame(encoded)
	if err != nil {
		log.Warn("frame save failed", "error", err)
		return TickResult{}
	}
	o.hooks.OnSnapshot(text, path)

	res := TickResult{Text: text, ImagePath: path, Fingerprint: fp}

	st := o.state.Get()
	if !st.bound {
		o.state.Write(func(s *scanState) {
			s.lastText = text
			s.lastFP = fp
		})
		if o.vision != nil {
			o.vision.Trigger(path, false)
		}
		return res
	}

	isTurn := fingerprint.IsPageTurn(st.lastFP, fp, o.cfg.Threshold)
	span.SetAttr("page_turn", isTurn || st.firstTick)
	if isTurn || st.firstTick {
		o.recordTurn(ctx, &res, text, fp, path)
	} else if o.vision != nil {
		o.vision.Trigger(path, false)
	}

	o.state.Write(func(s *scanState) {
		s.firstTick = false
		s.lastFP = fp
		s.lastText = text
	})
	return res
}

// recordTurn persists the snapshot, advances the page counter, and fires
// the forced vision call plus the page-turn hook.
func (o *Orchestrator) recordTurn(ctx context.Context, res *TickResult, text, fp, path string) {
	if o.rec != nil {
		if _, err := o.rec.Record(ctx, session.Snapshot{
			Path:        path,
			Text:        text,
			Fingerprint: fp,
			CreatedAt:   time.Now(),
		}); err != nil {
			trace.Logger(ctx).Warn("snapshot persist failed", "error", err)
		}
	}

	count := o.state.Update(func(s *scanState) any {
		s.pageTurns++
		return s.pageTurns
	}).(int)

	res.PageTurn = true
	res.PageCount = count

	if o.vision != nil {
		o.vision.Trigger(path, true)
	}
	o.hooks.OnPageTurn(count)
	trace.Logger(ctx).Info("page turn", "count", count, "fingerprint", fp)
}

// saveFrame writes the frame under the snapshots directory with a
// timestamped name.
func (o *Orchestrator) saveFrame(encoded []byte) (string, error) {
	name := fmt.Sprintf("current_%d.jpg", time.Now().UnixMilli())
	path := filepath.Join(o.cfg.SnapshotsDir, name)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", apperr.Wrap(err, apperr.CodeStoreWrite, "write frame")
	}
	return path, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeImageEncode, "encode frame")
	}
	return buf.Bytes(), nil
}
