package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, "warn")

	Info().Msg("dropped")
	assert.Empty(t, buf.String())

	Warn().Str("astrologer_id", "a1").Msg("kept")
	entry := decodeLine(t, buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "a1", entry["astrologer_id"])
}

func TestCtxAddsRequestID(t *testing.T) {
	buf := captureLogs(t, "debug")

	ctx := ContextWithRequestID(context.Background(), "req-42")
	Ctx(ctx).Info().Msg("handled")

	entry := decodeLine(t, buf)
	assert.Equal(t, "req-42", entry["request_id"])
}

func TestCtxWithoutRequestID(t *testing.T) {
	buf := captureLogs(t, "debug")

	Ctx(context.Background()).Info().Msg("plain")

	entry := decodeLine(t, buf)
	_, ok := entry["request_id"]
	assert.False(t, ok)
}

func TestSlogBridge(t *testing.T) {
	buf := captureLogs(t, "info")

	logger := NewSlogLogger().With("component", "supervisor").WithGroup("svc")
	logger.Info("restarting", "name", "http", "attempt", 2)

	entry := decodeLine(t, buf)
	assert.Equal(t, "restarting", entry["message"])
	assert.Equal(t, "supervisor", entry["component"])
	assert.Equal(t, "http", entry["svc.name"])
	assert.EqualValues(t, 2, entry["svc.attempt"])
}

func TestSlogBridgeRespectsLevel(t *testing.T) {
	buf := captureLogs(t, "error")

	NewSlogLogger().Warn("ignored")
	assert.Empty(t, buf.String())
	assert.False(t, NewSlogHandler().Enabled(context.Background(), slog.LevelInfo))
}
