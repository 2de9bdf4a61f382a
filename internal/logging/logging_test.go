package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewDefaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestValidate(t *testing.T) {
	cfg := Config{Level: "verbose", Format: "json"}
	assert.Error(t, cfg.Validate())

	cfg = Config{Level: "info", Format: "xml"}
	assert.Error(t, cfg.Validate())

	cfg = Config{Level: "warn", Format: "console"}
	assert.NoError(t, cfg.Validate())
}
