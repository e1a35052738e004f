// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tracing provides lightweight spans that end as structured log
// lines.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Attribute represents a key/value pair attached to a span.
type Attribute struct {
	Key   string
	Value any
}

// Well-known attribute keys.
const (
	AttrRunID   = "run_id"
	AttrNode    = "node"
	AttrPhase   = "phase"
	AttrStoreOp = "store.op"
)

// String returns a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int returns an integer attribute.
func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 returns an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// RunID returns the run identifier attribute, or an empty one for "".
func RunID(value string) Attribute {
	if value == "" {
		return Attribute{}
	}
	return String(AttrRunID, value)
}

// Node returns the node identifier attribute.
func Node(id string) Attribute { return String(AttrNode, id) }

// Phase returns the phase name attribute.
func Phase(name string) Attribute { return String(AttrPhase, name) }

// StoreOp returns the state-store operation attribute.
func StoreOp(op string) Attribute { return String(AttrStoreOp, op) }

type (
	spanKey   struct{}
	loggerKey struct{}
)

// WithLogger attaches the logger spans started from ctx write to.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Span is a timed operation backed by structured logging.
type Span struct {
	name   string
	parent string
	start  time.Time
	logger *slog.Logger

	mu    sync.Mutex
	attrs map[string]any
	err   error
	ended bool
}

// Start begins a span. The returned context carries it so child spans record
// their parent.
func Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := &Span{
		name:   name,
		start:  time.Now(),
		logger: loggerFrom(ctx),
		attrs:  make(map[string]any),
	}
	if parent := FromContext(ctx); parent != nil {
		span.parent = parent.name
	}
	span.SetAttributes(attrs...)
	return context.WithValue(ctx, spanKey{}, span), span
}

// FromContext extracts a span from the supplied context, if present.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// SetAttributes adds attributes to the span. Empty keys are ignored.
func (s *Span) SetAttributes(attrs ...Attribute) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, attr := range attrs {
		if attr.Key == "" {
			continue
		}
		s.attrs[attr.Key] = attr.Value
	}
}

// RecordError records err against the span.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Duration returns the elapsed time since the span started.
func (s *Span) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return time.Since(s.start)
}

// End completes the span and logs it once: at debug level on success, at
// warn level when an error was recorded.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	err := s.err
	logAttrs := make([]any, 0, len(s.attrs)+4)
	logAttrs = append(logAttrs,
		slog.String("span", s.name),
		slog.Float64("duration_ms", float64(time.Since(s.start).Microseconds())/1000.0),
	)
	if s.parent != "" {
		logAttrs = append(logAttrs, slog.String("parent", s.parent))
	}
	for k, v := range s.attrs {
		logAttrs = append(logAttrs, slog.Any(k, v))
	}
	s.mu.Unlock()

	if err != nil {
		logAttrs = append(logAttrs, slog.String("error", err.Error()))
		s.logger.Warn("trace.span_end", logAttrs...)
		return
	}
	s.logger.Debug("trace.span_end", logAttrs...)
}

// End observes the error pointer (if non-nil) and finalises the span.
func End(span *Span, errPtr *error, attrs ...Attribute) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
	if errPtr != nil && *errPtr != nil {
		span.RecordError(*errPtr)
	}
	span.End()
}
