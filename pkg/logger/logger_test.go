package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTrimsSource(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.LevelInfo, &buf)

	l.Debug("hidden")
	l.Info("shown", slog.String("user", "alice"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "user=alice")
	assert.Contains(t, out, "source=logger_test.go:")
}
