package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/mohans/auditx/internal/config"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditx.log")
	log := New(config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	log.Debug("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNew_LevelFilter(t *testing.T) {
	log := New(config.LogConfig{Level: "warn", Output: "stdout"})
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_FileOutputWithoutPathFallsBackToStdout(t *testing.T) {
	log := New(config.LogConfig{Level: "info", Output: "file"})
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
