package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.With("component", "auth").Info("signed out", "session", "abc")
	logger.Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "signed out", line["msg"])
	assert.Equal(t, "auth", line["component"])
	assert.Equal(t, "abc", line["session"])
}

func TestColorLoggerWritesAttrs(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := New("debug", "text", &buf)

	logger.With("component", "ws").Warn("closed", "reason", "eof")

	out := buf.String()
	assert.Contains(t, out, "WRN closed")
	assert.Contains(t, out, "component=ws")
	assert.Contains(t, out, "reason=eof")
}

func TestColorLoggerQualifiesGroups(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := New("info", "text", &buf)

	logger.With("component", "ws").
		WithGroup("req").
		With("id", 7).
		Info("handled", slog.Group("user", "email", "ada@example.com"), "status", 200)

	out := buf.String()
	assert.Contains(t, out, " component=ws")
	assert.Contains(t, out, " req.id=7")
	assert.Contains(t, out, " req.user.email=ada@example.com")
	assert.Contains(t, out, " req.status=200")
	assert.NotContains(t, out, "[email=")
}
