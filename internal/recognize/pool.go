// Package recognize dispatches frames to out-of-process text recognition
// workers so that a stalled or crashed engine can never freeze the scan
// loop or the host process.
package recognize

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/pagewatch/platform/internal/fingerprint"
	"github.com/pagewatch/platform/internal/resilience"
	"github.com/pagewatch/platform/internal/trace"
)

// Config controls the worker pool.
type Config struct {
	// Command launches one worker subprocess (binary + args).
	Command []string
	// Workers is the pool size. Recognition is accelerator-bound, so the
	// default of one worker avoids resource contention.
	Workers int
	// Timeout bounds a single recognition round trip.
	Timeout time.Duration
	// Grid is the fingerprint grid size.
	Grid int
}

// Pool is a bounded pool of recognition subprocesses. Dispatch
// concurrency is capped by an ants pool sized to the worker count.
type Pool struct {
	cfg     Config
	tasks   *ants.Pool
	workers chan *worker
	closed  atomic.Bool
}

// NewPool spawns the worker subprocesses and the dispatch pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Grid <= 0 {
		cfg.Grid = fingerprint.DefaultGrid
	}

	tasks, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}

	p := &Pool{cfg: cfg, tasks: tasks, workers: make(chan *worker, cfg.Workers)}
	for i := 0; i < cfg.Workers; i++ {
		w, err := startWorker(cfg.Command)
		if err != nil {
			p.Shutdown()
			return nil, err
		}
		p.workers <- w
	}

	slog.Info("recognition pool started", "workers", cfg.Workers, "command", cfg.Command[0])
	return p, nil
}

// Process runs recognition on an encoded image and returns the extracted
// text plus the frame's fingerprint. Worker failure of any kind resolves
// to ("", ""): the caller treats that as "no text found" and continues.
func (p *Pool) Process(ctx context.Context, encoded []byte) (string, string) {
	if p.closed.Load() {
		return "", ""
	}

	ctx, span := trace.StartSpan(ctx, "recognize.process")
	defer span.End()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)

	err := p.tasks.Submit(func() {
		w, ok := p.checkout(ctx)
		if !ok {
			ch <- result{err: ctx.Err()}
			return
		}

		tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		text, err := w.extract(tctx, encoded)
		cancel()

		if err != nil {
			// The subprocess is in an unknown state after any failure;
			// replace it rather than reuse it.
			w.kill()
			go p.respawn()
		} else {
			p.checkin(w)
		}
		ch <- result{text: text, err: err}
	})
	if err != nil {
		slog.Warn("recognition dispatch rejected", "error", err)
		return "", ""
	}

	select {
	case <-ctx.Done():
		return "", ""
	case r := <-ch:
		if r.err != nil {
			trace.Logger(ctx).Warn("recognition failed", "error", r.err)
			return "", ""
		}
		span.SetAttr("text_len", len(r.text))
		return r.text, p.fingerprintOf(encoded)
	}
}

// Shutdown kills the workers and releases the dispatch pool without
// waiting for in-flight work; abandoned results are discarded.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case w := <-p.workers:
			w.kill()
		default:
			if p.tasks != nil {
				p.tasks.Release()
			}
			slog.Info("recognition pool stopped")
			return
		}
	}
}

func (p *Pool) checkout(ctx context.Context) (*worker, bool) {
	select {
	case w := <-p.workers:
		return w, true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *Pool) checkin(w *worker) {
	if p.closed.Load() {
		w.kill()
		return
	}
	p.workers <- w
}

// respawn replaces a dead worker, with backoff: the engine may need a
// moment before the accelerator is usable again.
func (p *Pool) respawn() {
	var w *worker
	err := resilience.Retry(context.Background(), resilience.WorkerRetryConfig(), func() error {
		if p.closed.Load() {
			return nil
		}
		var err error
		w, err = startWorker(p.cfg.Command)
		return err
	})
	if err != nil {
		slog.Error("worker respawn failed, pool capacity degraded", "error", err)
		return
	}
	if w != nil {
		p.checkin(w)
	}
}

func (p *Pool) fingerprintOf(encoded []byte) string {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		slog.Debug("fingerprint decode failed", "error", err)
		return ""
	}
	return fingerprint.Compute(img, p.cfg.Grid)
}
