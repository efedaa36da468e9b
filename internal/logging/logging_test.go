package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/lazypower/spiral/internal/config"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New(config.LogConfig{Level: "warn", Format: format})
		require.NoError(t, err, format)
		assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
		assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	}
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l, _ := New(config.LogConfig{Level: "info", Format: "json"})
	assert.Same(t, l, OrNop(l))
}
