package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nfnt/resize"

	"github.com/pagewatch/platform/internal/apperr"
	"github.com/pagewatch/platform/internal/trace"
)

// PageInfo is the model's structured read of one page photo. The page
// number is a bare integer in the wire format, zero when not visible.
type PageInfo struct {
	BookTitle      string  `json:"book_title"`
	CurrentPageNum int     `json:"current_page_num"`
	ContentType    string  `json:"content_type"`
	Confidence     float64 `json:"confidence"`
}

// Config tunes the trigger. Zero values fall back to package defaults.
type Config struct {
	MinInterval   time.Duration
	MinConfidence float64
	MaxWidth      int
}

// Trigger schedules background vision calls for snapshot files. Non-forced
// triggers are rate limited and collapse while a call is in flight; forced
// triggers always dispatch.
type Trigger struct {
	client ChatClient
	cfg    Config
	onPage func(PageInfo)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	last    time.Time
	pending int
}

// NewTrigger wires a trigger to its chat client. onPage fires only for
// results at or above the confidence floor, from the dispatch goroutine.
func NewTrigger(client ChatClient, cfg Config, onPage func(PageInfo)) *Trigger {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = DefaultMaxWidth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		client: client,
		cfg:    cfg,
		onPage: onPage,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Trigger requests analysis of the image at path. It returns true when a
// background task was scheduled. The rate limit is keyed on trigger time,
// not completion time.
func (t *Trigger) Trigger(path string, force bool) bool {
	t.mu.Lock()
	if !force {
		if !t.last.IsZero() && time.Since(t.last) < t.cfg.MinInterval {
			t.mu.Unlock()
			return false
		}
		if t.pending > 0 {
			t.mu.Unlock()
			return false
		}
	}
	t.last = time.Now()
	t.pending++
	t.mu.Unlock()

	t.wg.Add(1)
	go t.analyze(path)
	return true
}

// Cancel aborts any in-flight calls and blocks further dispatches from
// completing. Safe to call more than once.
func (t *Trigger) Cancel() {
	t.cancel()
	t.wg.Wait()
}

func (t *Trigger) analyze(path string) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.pending--
		t.mu.Unlock()
	}()

	ctx, span := trace.StartSpan(t.ctx, "vision.analyze")
	defer span.End()
	log := trace.Logger(ctx)

	jpg, err := t.loadCompressed(path)
	if err != nil {
		log.Warn("vision image load failed", "path", path, "error", err)
		return
	}

	raw, err := t.client.Chat(ctx, pagePrompt, jpg)
	if err != nil {
		log.Warn("vision call failed", "path", path, "error", err)
		return
	}

	info, err := parsePageInfo(raw)
	if err != nil {
		log.Warn("vision response unparseable", "error", err)
		return
	}
	span.SetAttr("confidence", info.Confidence)

	if info.Confidence < t.cfg.MinConfidence {
		log.Info("vision result below confidence floor",
			"confidence", info.Confidence, "title", info.BookTitle)
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	if t.onPage != nil {
		t.onPage(info)
	}
}

// loadCompressed reads the snapshot and re-encodes it as a bounded JPEG.
// Files that do not decode are sent as-is.
func (t *Trigger) loadCompressed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreRead, "read snapshot")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return raw, nil
	}
	if img.Bounds().Dx() > t.cfg.MaxWidth {
		img = resize.Resize(uint(t.cfg.MaxWidth), 0, img, resize.Bilinear)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeImageEncode, "encode snapshot")
	}
	return buf.Bytes(), nil
}

// parsePageInfo accepts either a bare JSON object or one wrapped in a
// markdown code fence.
func parsePageInfo(raw string) (PageInfo, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	var info PageInfo
	if err := json.Unmarshal([]byte(s), &info); err != nil {
		return PageInfo{}, apperr.Wrap(err, apperr.CodeVisionParse, "decode page info")
	}
	return info, nil
}
