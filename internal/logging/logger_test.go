package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Run("honours the level", func(t *testing.T) {
		logger, err := New("warn")
		require.NoError(t, err)

		assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("rejects unknown levels", func(t *testing.T) {
		_, err := New("loud")
		assert.Error(t, err)
	})
}

func TestComponent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	Component(zap.New(core), "publisher").Info("ready")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "publisher", logs.All()[0].ContextMap()["component"])
}
