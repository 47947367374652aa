package logctx

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	ctx := WithLogger(context.Background(), logger)
	require.Same(t, logger, LoggerFromContext(ctx))
}

func TestLoggerFallsBackToDefault(t *testing.T) {
	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}
