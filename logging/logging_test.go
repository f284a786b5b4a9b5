package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerToWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithJobID(WithComponent(NewLoggerTo(&buf, "info"), "exporter"), "job-1")

	logger.Debug("hidden")
	logger.Info("scene rendered", "scene", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "scene rendered", rec["msg"])
	assert.Equal(t, "exporter", rec["component"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.EqualValues(t, 2, rec["scene"])
}

func TestSanitizeURL(t *testing.T) {
	assert.Equal(t, "data:image/png;base64,...", SanitizeURL("data:image/png;base64,iVBORw0KGgo="))
	assert.Equal(t, "https://cdn.example.com/a.mp4?...", SanitizeURL("https://cdn.example.com/a.mp4?sig=secret"))
	assert.Equal(t, "/media/a.png", SanitizeURL("/media/a.png"))
}
