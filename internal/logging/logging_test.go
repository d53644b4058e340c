package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/pairbot/backend/internal/config"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		cfg  config.LogConfig
		want zapcore.Level
	}{
		{config.LogConfig{}, zapcore.InfoLevel},
		{config.LogConfig{Level: "debug"}, zapcore.DebugLevel},
		{config.LogConfig{Level: "warn", Format: "json"}, zapcore.WarnLevel},
		{config.LogConfig{Level: "error", Format: "console"}, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		log, err := New(tt.cfg)
		require.NoError(t, err)
		assert.True(t, log.Desugar().Core().Enabled(tt.want), "level %v should be enabled", tt.want)
		if tt.want > zapcore.DebugLevel {
			assert.False(t, log.Desugar().Core().Enabled(tt.want-1))
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}
