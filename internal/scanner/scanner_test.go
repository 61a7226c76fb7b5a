package scanner

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pagewatch/platform/internal/camera"
	"github.com/pagewatch/platform/internal/session"
)

type fakeFrames struct {
	mu      sync.Mutex
	openErr error
	opened  bool
	closed  bool
	reads   int
}

func (f *fakeFrames) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeFrames) Read() *camera.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened || f.closed {
		return nil
	}
	f.reads++
	return &camera.Frame{Image: image.NewGray(image.Rect(0, 0, 8, 8)), CapturedAt: time.Now()}
}

func (f *fakeFrames) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type result struct{ text, fp string }

type fakeRecognizer struct {
	mu       sync.Mutex
	script   []result
	next     int
	shutdown bool
}

func (r *fakeRecognizer) Process(ctx context.Context, encoded []byte) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown || len(r.script) == 0 {
		return "", ""
	}
	res := r.script[r.next]
	if r.next < len(r.script)-1 {
		r.next++
	}
	return res.text, res.fp
}

func (r *fakeRecognizer) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
}

type fakeRecorder struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (r *fakeRecorder) Record(ctx context.Context, snap session.Snapshot) (session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.ID = int64(len(r.snaps) + 1)
	r.snaps = append(r.snaps, snap)
	return snap, nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type visionCall struct {
	path  string
	force bool
}

type fakeVision struct {
	mu    sync.Mutex
	calls []visionCall
}

func (v *fakeVision) Trigger(path string, force bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, visionCall{path, force})
	return true
}

func (v *fakeVision) last() (visionCall, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.calls) == 0 {
		return visionCall{}, false
	}
	return v.calls[len(v.calls)-1], true
}

type hookEvent struct {
	text string
	path string
}

type fakeHooks struct {
	mu        sync.Mutex
	snapshots []hookEvent
	turns     []int
}

func (h *fakeHooks) OnSnapshot(text, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = append(h.snapshots, hookEvent{text, path})
}

func (h *fakeHooks) OnPageTurn(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, count)
}

func (h *fakeHooks) snapshotCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snapshots)
}

type harness struct {
	orch   *Orchestrator
	frames *fakeFrames
	recog  *fakeRecognizer
	rec    *fakeRecorder
	vision *fakeVision
	hooks  *fakeHooks
}

func newHarness(t *testing.T, interval time.Duration, script []result) *harness {
	t.Helper()
	h := &harness{
		frames: &fakeFrames{},
		recog:  &fakeRecognizer{script: script},
		rec:    &fakeRecorder{},
		vision: &fakeVision{},
		hooks:  &fakeHooks{},
	}
	cfg := Config{
		Interval:      interval,
		Threshold:     10,
		MinTextLength: 4,
		SnapshotsDir:  t.TempDir(),
	}
	h.orch = New(cfg, h.frames,
		func() (Recognizer, error) { return h.recog, nil },
		h.rec, h.vision, nil, h.hooks)
	return h
}

const (
	fpA = "0000000000000000"
	fpB = "ffffffff00000000" // 32 bits from fpA, well over threshold
	fpC = "0000000000000003" // 2 bits from fpA, under threshold
)

func TestStartFailsWhenDeviceUnavailable(t *testing.T) {
	h := newHarness(t, time.Hour, nil)
	h.frames.openErr = errors.New("no such device")

	if err := h.orch.Start(); err == nil {
		t.Fatal("Start should surface device-open failure")
	}
	if h.orch.Running() {
		t.Fatal("orchestrator should stay stopped")
	}
}

func TestScanScenario(t *testing.T) {
	h := newHarness(t, time.Hour, []result{
		{"hello world page", fpA},
		{"hello world page", fpA},
		{"a different page", fpB},
		{"a different page", fpB},
	})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()
	ctx := context.Background()

	// Tick 1: unbound. Snapshot hook fires, nothing persisted, vision
	// is non-forced.
	res, err := h.orch.ManualTrigger(ctx)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if res.PageTurn || res.Text != "hello world page" {
		t.Fatalf("unexpected tick 1 result: %+v", res)
	}
	if h.rec.count() != 0 {
		t.Fatal("unbound tick should not persist")
	}
	if call, ok := h.vision.last(); !ok || call.force {
		t.Fatalf("unbound tick should fire non-forced vision, got %+v", call)
	}

	// Tick 2: first bound tick with an identical fingerprint still
	// persists and counts page 1.
	h.orch.BindSession("s1")
	res, err = h.orch.ManualTrigger(ctx)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if !res.PageTurn || res.PageCount != 1 {
		t.Fatalf("first bound tick should count page 1, got %+v", res)
	}
	if h.rec.count() != 1 {
		t.Fatalf("persisted = %d, want 1", h.rec.count())
	}
	if call, _ := h.vision.last(); !call.force {
		t.Fatal("page turn should fire forced vision")
	}

	// Tick 3: distinct fingerprint, distance over threshold.
	res, _ = h.orch.ManualTrigger(ctx)
	if !res.PageTurn || res.PageCount != 2 {
		t.Fatalf("tick 3 should count page 2, got %+v", res)
	}
	if h.rec.count() != 2 {
		t.Fatalf("persisted = %d, want 2", h.rec.count())
	}

	// Tick 4: same page again. No persistence, non-forced vision.
	res, _ = h.orch.ManualTrigger(ctx)
	if res.PageTurn {
		t.Fatal("unchanged page should not count as a turn")
	}
	if h.rec.count() != 2 {
		t.Fatal("unchanged page should not persist")
	}
	if call, _ := h.vision.last(); call.force {
		t.Fatal("unchanged page should fire non-forced vision")
	}

	h.hooks.mu.Lock()
	turns := append([]int(nil), h.hooks.turns...)
	h.hooks.mu.Unlock()
	if len(turns) != 2 || turns[0] != 1 || turns[1] != 2 {
		t.Fatalf("page-turn hooks = %v, want [1 2]", turns)
	}
}

func TestSmallFingerprintDriftIsNotATurn(t *testing.T) {
	h := newHarness(t, time.Hour, []result{
		{"steady page text", fpA},
		{"steady page text", fpC},
	})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()
	h.orch.BindSession("s1")
	ctx := context.Background()

	if res, _ := h.orch.ManualTrigger(ctx); !res.PageTurn {
		t.Fatal("first bound tick should register")
	}
	if res, _ := h.orch.ManualTrigger(ctx); res.PageTurn {
		t.Fatal("two-bit drift is under the threshold")
	}
	if h.rec.count() != 1 {
		t.Fatalf("persisted = %d, want 1", h.rec.count())
	}
}

func TestEmptyTextTick(t *testing.T) {
	h := newHarness(t, time.Hour, []result{{"", ""}})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()
	h.orch.BindSession("s1")

	res, err := h.orch.ManualTrigger(context.Background())
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if res.Text != "" || res.PageTurn {
		t.Fatalf("empty tick should produce nothing, got %+v", res)
	}
	if h.rec.count() != 0 {
		t.Fatal("empty text must never persist")
	}
	if _, ok := h.vision.last(); ok {
		t.Fatal("empty text must not trigger vision")
	}

	h.hooks.mu.Lock()
	defer h.hooks.mu.Unlock()
	if len(h.hooks.snapshots) != 1 || h.hooks.snapshots[0] != (hookEvent{"", ""}) {
		t.Fatalf("empty tick should notify with empty payload, got %+v", h.hooks.snapshots)
	}
}

func TestShortTextBelowMinimumIsEmpty(t *testing.T) {
	h := newHarness(t, time.Hour, []result{{"ab", fpA}})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()
	h.orch.BindSession("s1")

	if _, err := h.orch.ManualTrigger(context.Background()); err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if h.rec.count() != 0 {
		t.Fatal("below-minimum text must not persist")
	}
}

func TestBindDoesNotInterruptSchedule(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, []result{{"hello world page", fpA}})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for h.hooks.snapshotCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	before := h.hooks.snapshotCount()
	if before < 3 {
		t.Fatalf("scheduled ticks not observed, count %d", before)
	}

	h.orch.BindSession("s1")

	for h.hooks.snapshotCount() < before+3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.hooks.snapshotCount() < before+3 {
		t.Fatal("binding should not stall the schedule")
	}
}

func TestStopClosesEverything(t *testing.T) {
	h := newHarness(t, time.Hour, []result{{"hello world page", fpA}})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.orch.BindSession("s1")
	h.orch.Stop()

	if h.orch.Running() {
		t.Fatal("orchestrator should be stopped")
	}
	h.frames.mu.Lock()
	closed := h.frames.closed
	h.frames.mu.Unlock()
	if !closed {
		t.Fatal("camera should be closed")
	}
	h.recog.mu.Lock()
	shut := h.recog.shutdown
	h.recog.mu.Unlock()
	if !shut {
		t.Fatal("pool should be shut down")
	}
	if _, err := h.orch.ManualTrigger(context.Background()); err == nil {
		t.Fatal("ManualTrigger on a stopped scanner should fail")
	}

	st := h.orch.Status()
	if st.Running || st.SessionID != "" || st.PageCount != 0 {
		t.Fatalf("state should be cleared, got %+v", st)
	}

	// Idempotent.
	h.orch.Stop()
}

type blockingRecognizer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRecognizer) Process(ctx context.Context, encoded []byte) (string, string) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return "", ""
}

func (r *blockingRecognizer) Shutdown() {}

func TestStopDuringRecognitionSuppressesEvents(t *testing.T) {
	recog := &blockingRecognizer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	frames := &fakeFrames{}
	hooks := &fakeHooks{}
	orch := New(Config{
		Interval:      time.Hour,
		Threshold:     10,
		MinTextLength: 4,
		SnapshotsDir:  t.TempDir(),
	}, frames,
		func() (Recognizer, error) { return recog, nil },
		nil, nil, nil, hooks)

	if err := orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	orch.BindSession("s1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.ManualTrigger(context.Background())
	}()

	select {
	case <-recog.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recognition never started")
	}

	orch.Stop()
	close(recog.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick never finished")
	}

	if n := hooks.snapshotCount(); n != 0 {
		t.Fatalf("tick finishing after stop emitted %d snapshot events, want 0", n)
	}
	hooks.mu.Lock()
	turns := len(hooks.turns)
	hooks.mu.Unlock()
	if turns != 0 {
		t.Fatal("tick finishing after stop must not report page turns")
	}
}

type logCapture struct {
	mu      sync.Mutex
	records []map[string]any
}

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, r slog.Record) error {
	entry := map[string]any{"msg": r.Message}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	c.mu.Lock()
	c.records = append(c.records, entry)
	c.mu.Unlock()
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *logCapture) WithGroup(string) slog.Handler      { return c }

func TestTickEmitsSpan(t *testing.T) {
	capture := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(capture))
	defer slog.SetDefault(prev)

	h := newHarness(t, time.Hour, []result{{"hello world page", fpA}})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()

	if _, err := h.orch.ManualTrigger(context.Background()); err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	for _, rec := range capture.records {
		if rec["msg"] == "span complete" && rec["span"] == "scan.tick" {
			return
		}
	}
	t.Fatal("tick did not emit a scan.tick span")
}

func TestUnbindStopsPersistence(t *testing.T) {
	h := newHarness(t, time.Hour, []result{
		{"hello world page", fpA},
		{"a different page", fpB},
	})
	if err := h.orch.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.orch.Stop()
	ctx := context.Background()

	h.orch.BindSession("s1")
	h.orch.ManualTrigger(ctx)
	h.orch.UnbindSession()

	res, _ := h.orch.ManualTrigger(ctx)
	if res.PageTurn {
		t.Fatal("unbound tick should not evaluate page turns")
	}
	if h.rec.count() != 1 {
		t.Fatalf("persisted = %d, want 1", h.rec.count())
	}
}
