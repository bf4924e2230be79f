package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vk/buildgrid/internal/testutil"
)

func TestNewLogger(t *testing.T) {
	t.Run("json format emits json", func(t *testing.T) {
		var buf testutil.SafeBuffer
		logger := newLogger("info", "json", &buf)
		logger.Info("hello", "k", "v")
		assert.Contains(t, buf.String(), `"msg":"hello"`)
		assert.Contains(t, buf.String(), `"k":"v"`)
	})

	t.Run("text format emits key=value", func(t *testing.T) {
		var buf testutil.SafeBuffer
		logger := newLogger("info", "text", &buf)
		logger.Info("hello", "k", "v")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("level gates output", func(t *testing.T) {
		var buf testutil.SafeBuffer
		logger := newLogger("warn", "text", &buf)
		logger.Info("quiet")
		logger.Warn("loud")
		assert.NotContains(t, buf.String(), "quiet")
		assert.Contains(t, buf.String(), "loud")
	})

	t.Run("debug level enables debug records", func(t *testing.T) {
		var buf testutil.SafeBuffer
		logger := newLogger("debug", "text", &buf)
		assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	})
}
