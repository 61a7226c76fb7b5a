// Package trace provides lightweight request tracing with slog integration.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

// Header names used for inbound trace propagation.
const (
	TraceIDHeader = "x-trace-id"
	SpanIDHeader  = "x-span-id"
)

type ctxKey struct{}

// Context holds the identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a trace context with fresh identifiers.
func New() Context {
	return Context{TraceID: newID(16), SpanID: newID(8)}
}

// FromContext extracts trace context, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// WithContext attaches trace context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// EnsureContext returns the existing trace context or creates one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// Span is a timed operation within a trace.
type Span struct {
	Name  string
	Ctx   Context
	start time.Time
	attrs []any
}

// StartSpan begins a child span under the context's trace, creating a
// trace if none exists.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tc := Context{}
	if parent, ok := FromContext(ctx); ok {
		tc = Context{TraceID: parent.TraceID, SpanID: newID(8), ParentSpanID: parent.SpanID}
	} else {
		tc = New()
	}
	s := &Span{Name: name, Ctx: tc, start: time.Now()}
	return WithContext(ctx, tc), s
}

// SetAttr records a span attribute, logged when the span ends.
func (s *Span) SetAttr(key string, val any) {
	s.attrs = append(s.attrs, slog.Any(key, val))
}

// End completes the span, logging its duration at debug level.
func (s *Span) End() {
	args := []any{
		"span", s.Name,
		"trace_id", s.Ctx.TraceID,
		"duration_ms", time.Since(s.start).Milliseconds(),
	}
	slog.Default().Debug("span complete", append(args, s.attrs...)...)
}

// Logger returns a slog.Logger carrying the trace identifiers.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With("trace_id", tc.TraceID, "span_id", tc.SpanID)
}

// Middleware extracts or creates trace context for HTTP requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := Context{
			TraceID:      r.Header.Get(TraceIDHeader),
			ParentSpanID: r.Header.Get(SpanIDHeader),
			SpanID:       newID(8),
		}
		if tc.TraceID == "" {
			tc.TraceID = newID(16)
		}
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

func newID(bytes int) string {
	b := make([]byte, bytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
