package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}

func TestNewConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	handler, err := newConsoleHandler(&buf, "json", slog.LevelInfo)
	require.NoError(t, err)

	slog.New(handler).Info("hello", "device_id", 7)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"device_id":7`)

	_, err = newConsoleHandler(&buf, "xml", slog.LevelInfo)
	assert.Error(t, err)
}

func TestSetupLogging_WithoutFluentd(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	closer, err := SetupLogging(LogConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	require.NoError(t, closer())

	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelWarn))
}

func TestGetFluentdClient_InvalidAddress(t *testing.T) {
	_, err := GetFluentdClient(FluentdOptions{Addr: "no-port"})
	assert.Error(t, err)

	_, err = GetFluentdClient(FluentdOptions{Addr: "localhost:port"})
	assert.Error(t, err)
}
