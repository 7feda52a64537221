package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&Config{Level: level, Output: &buf}), &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufLogger(LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestKeyValueFormatting(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)

	l.Info("event fired", "fd", 7, "dir", "read")

	out := buf.String()
	assert.Contains(t, out, "event fired fd=7 dir=read")
}

func TestOddArgsDropped(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)

	l.Info("msg", "dangling")

	// A key without a value is silently dropped.
	assert.Contains(t, buf.String(), "msg")
	assert.NotContains(t, buf.String(), "dangling")
}

func TestNamedLogger(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)
	sys := l.Named("scheduler")

	sys.Info("worker started", "id", 0)

	out := buf.String()
	assert.Contains(t, out, "[scheduler]")
	assert.Contains(t, out, "worker started id=0")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestPrintfStyle(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)

	l.Infof("timer %d fired after %dms", 3, 50)

	require.True(t, strings.Contains(buf.String(), "timer 3 fired after 50ms"))
}

func TestDefaultSingleton(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	l, buf := newBufLogger(LevelInfo)
	SetDefault(l)

	Info("through default")
	assert.Contains(t, buf.String(), "through default")
	assert.Same(t, l, Default())
}
