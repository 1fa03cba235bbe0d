package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_WritesToOut(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, false)

	logger.Info("block compiled", "pc", "0x1000")

	out := buf.String()
	require.Contains(t, out, "block compiled")
	require.Contains(t, out, "pc=0x1000")
	require.True(t, strings.HasPrefix(out, "20"), "line starts with a formatted year")
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn, false)

	logger.Info("should be dropped")
	logger.Warn("should appear")

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "should appear")
}

func TestHandler_WithAttrsPersists(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelInfo, false)
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("vcpu", "0")}))

	logger.Info("stepped")
	require.Contains(t, buf.String(), "vcpu=0")
}

func TestHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelInfo, false)
	logger := slog.New(h.WithGroup("jit"))

	logger.Info("compiled")
	require.Contains(t, buf.String(), "jit:")
}
