package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func newLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func TestContextHandler_NoSpanNoAttrs(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "queued", "key", "value")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "queued", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestContextHandler_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithAttrs(context.Background(), slog.Uint64("download_id", 7))
	ctx = WithAttrs(ctx, slog.String("url", "http://example.com/ep.mp3"))

	newLogger(&buf, slog.LevelInfo).InfoContext(ctx, "progress")

	entry := decode(t, &buf)
	assert.EqualValues(t, 7, entry["download_id"])
	assert.Equal(t, "http://example.com/ep.mp3", entry["url"])
}

func TestContextHandler_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	newLogger(&buf, slog.LevelInfo).InfoContext(ctx, "traced")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestContextHandler_Enabled(t *testing.T) {
	h := NewContextHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestContextHandler_WithAttrsAndGroupKeepWrapper(t *testing.T) {
	var buf bytes.Buffer

	h := NewContextHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "registry")})
	require.IsType(t, &ContextHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("download")
	require.IsType(t, &ContextHandler{}, withGroup)

	slog.New(withGroup).InfoContext(context.Background(), "registered", "id", 1)

	entry := decode(t, &buf)
	assert.Equal(t, "registry", entry["component"])
	assert.Contains(t, entry, "download")
}

func TestNewContextHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewContextHandler(nil) })
}

func TestLoggerFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	custom := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	assert.Same(t, custom, LoggerFromContext(WithLogger(context.Background(), custom)))
}
