package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"panic": zapcore.PanicLevel,
		"fatal": zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestParseFormat verifies accepted encoder names and the console fallback.
func TestParseFormat(t *testing.T) {
	t.Parallel()

	got, ok := ParseFormat("JSON")
	require.True(t, ok)
	require.Equal(t, FormatJSON, got)

	got, ok = ParseFormat("")
	require.True(t, ok)
	require.Equal(t, FormatConsole, got)

	got, ok = ParseFormat("xml")
	require.False(t, ok)
	require.Equal(t, FormatConsole, got)
}

// TestNewWithFormat_JSON checks that the JSON encoder writes structured entries to the writer.
func TestNewWithFormat_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	l := NewWithFormat(zapcore.DebugLevel, FormatJSON, &buf)
	l.Infow("installed", "resource", "click")
	require.NoError(t, l.Sync())

	require.Contains(t, buf.String(), `"message":"installed"`)
	require.Contains(t, buf.String(), `"resource":"click"`)
}

// TestContextHelpers ensures loggers stored in a context carry names and fields.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())
	ctx = WithName(ctx, "installer")
	ctx = WithKV(ctx, "run_id", "r-1")
	ctx = WithFields(ctx, "phase", "Provisioning")

	InfoKV(ctx, "phase changed", "attempt", 1)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "installer", entries[0].LoggerName)
	require.Equal(t, "phase changed", entries[0].Message)

	fields := entries[0].ContextMap()
	require.Equal(t, "r-1", fields["run_id"])
	require.Equal(t, "Provisioning", fields["phase"])
	require.EqualValues(t, 1, fields["attempt"])
}

// TestFromContext_FallsBackToGlobal verifies a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}
