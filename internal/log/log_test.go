package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pusgate/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}

	for _, input := range []string{"trace", "fatal", ""} {
		_, err := parseLevel(input)
		assert.Error(t, err, input)
	}
}

func TestInitWriterFormats(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	require.NoError(t, InitWriter(config.LogConfig{Level: "warn", Format: "json"}, &buf))
	slog.Info("hidden")
	slog.Warn("frame dropped", "pool", "hk", "apid", 66)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"frame dropped"`)
	assert.Contains(t, out, `"pool":"hk"`)
	assert.Contains(t, out, `"apid":66`)

	buf.Reset()
	require.NoError(t, InitWriter(config.LogConfig{Level: "debug", Format: "text"}, &buf))
	slog.Debug("decoded", "schema", "HK1")
	assert.Contains(t, buf.String(), "schema=HK1")
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "pusgate.log")
	cfg := config.LogConfig{
		Level:  "info",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     logPath,
				Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1},
			},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, InitWriter(cfg, &buf))
	slog.Info("pool connected", "pool", "hk")
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pool connected")
	assert.Contains(t, buf.String(), "pool connected")
	assert.NoError(t, Close())
}

func TestInitRejects(t *testing.T) {
	err := Init(config.LogConfig{Level: "invalid", Format: "json"})
	assert.ErrorContains(t, err, "invalid log level")

	err = Init(config.LogConfig{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "unsupported log format")

	err = Init(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
	})
	assert.ErrorContains(t, err, "path")
}
