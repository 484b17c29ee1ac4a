package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewWriterFiltersLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, slog.LevelWarn, true)
	log.Info("hidden")
	log.Warn("shown", "userId", 7)
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
	require.Contains(t, out, "userId=7")
}

func TestDefaultIsInfo(t *testing.T) {
	l := Default()
	ctx := context.Background()
	if l.Enabled(ctx, slog.LevelDebug) {
		t.Fatal("default logger should not log debug")
	}
	if !l.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("default logger should log info")
	}
}
