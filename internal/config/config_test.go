package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyMemoryDefaults(t *testing.T) {
	tests := []struct {
		name           string
		totalMemory    uint64
		wantConcurrent int
		wantChunkSize  int64
	}{
		{name: "probe failure assumes low memory", totalMemory: 0, wantConcurrent: 1, wantChunkSize: 1 * mib},
		{name: "sub-gigabyte device", totalMemory: 512 * mib, wantConcurrent: 1, wantChunkSize: 1 * mib},
		{name: "one gigabyte device", totalMemory: 1 * gib, wantConcurrent: 2, wantChunkSize: 2 * mib},
		{name: "well provisioned device", totalMemory: 8 * gib, wantConcurrent: 6, wantChunkSize: 4 * mib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.applyMemoryDefaults(tt.totalMemory)

			require.Equal(t, tt.wantConcurrent, cfg.MaxConcurrent)
			require.Equal(t, tt.wantChunkSize, cfg.ChunkSize)
		})
	}
}

func TestApplyMemoryDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{MaxConcurrent: 3, ChunkSize: 8 * mib}
	cfg.applyMemoryDefaults(512 * mib)

	require.Equal(t, 3, cfg.MaxConcurrent)
	require.Equal(t, int64(8*mib), cfg.ChunkSize)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "DEBUG", want: slog.LevelDebug},
		{level: "debug", want: slog.LevelDebug},
		{level: "INFO", want: slog.LevelInfo},
		{level: "WARN", want: slog.LevelWarn},
		{level: "ERROR", want: slog.LevelError},
		{level: "bogus", want: slog.LevelInfo},
		{level: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		cfg := Config{LogLevel: tt.level}
		require.Equal(t, tt.want, cfg.SlogLevel(), "level %q", tt.level)
	}
}
