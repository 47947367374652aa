package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

const (
	testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	testSpanID  = "00f067aa0ba902b7"
)

// stampedSpan is a span whose context always reports the fixed test IDs.
type stampedSpan struct {
	trace.Span
}

func (stampedSpan) SpanContext() trace.SpanContext {
	traceID, _ := trace.TraceIDFromHex(testTraceID)
	spanID, _ := trace.SpanIDFromHex(testSpanID)

	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
}

// logLine writes one record through a TraceHandler, optionally rebuilt by
// build, and returns the decoded JSON entry.
func logLine(t *testing.T, ctx context.Context, build func(h slog.Handler) slog.Handler) map[string]any {
	t.Helper()

	var buf bytes.Buffer

	var handler slog.Handler = NewTraceHandler(slog.NewJSONHandler(&buf, nil))
	if build != nil {
		handler = build(handler)
	}

	slog.New(handler).InfoContext(ctx, "serving chunk", "key", "media/42")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestHandleWithoutSpanOmitsTraceFields(t *testing.T) {
	entry := logLine(t, context.Background(), nil)

	require.NotContains(t, entry, "trace_id")
	require.NotContains(t, entry, "span_id")
	require.Equal(t, "serving chunk", entry["msg"])
	require.Equal(t, "media/42", entry["key"])
}

func TestHandleStampsActiveTrace(t *testing.T) {
	ctx := trace.ContextWithSpan(context.Background(), stampedSpan{})

	entry := logLine(t, ctx, nil)

	require.Equal(t, testTraceID, entry["trace_id"])
	require.Equal(t, testSpanID, entry["span_id"])
}

// TestWithAttrsKeepsStamping verifies derived handlers still stamp; WithAttrs
// must stay a TraceHandler, not unwrap to the inner handler.
func TestWithAttrsKeepsStamping(t *testing.T) {
	ctx := trace.ContextWithSpan(context.Background(), stampedSpan{})

	entry := logLine(t, ctx, func(h slog.Handler) slog.Handler {
		return h.WithAttrs([]slog.Attr{slog.String("component", "rest")})
	})

	require.Equal(t, "rest", entry["component"])
	require.Equal(t, testTraceID, entry["trace_id"])
}

func TestEnabledDelegatesToInner(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))

	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestNewTraceHandlerRejectsNil(t *testing.T) {
	require.Panics(t, func() { NewTraceHandler(nil) })
}
