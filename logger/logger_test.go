package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/config"
)

func TestNew(t *testing.T) {
	t.Run("DevelopmentMode", func(t *testing.T) {
		log, err := New("development", "debug")
		require.NoError(t, err)
		require.NotNil(t, log)
		log.Sync()
	})

	t.Run("ProductionMode", func(t *testing.T) {
		log, err := New("production", "info")
		require.NoError(t, err)
		require.NotNil(t, log)
		log.Sync()
	})

	t.Run("AllLevels", func(t *testing.T) {
		for _, level := range []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"} {
			log, err := New("production", level)
			require.NoError(t, err, level)
			require.NotNil(t, log)
			log.Sync()
		}
	})

	t.Run("UnknownMode", func(t *testing.T) {
		_, err := New("verbose", "info")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging mode")
	})

	t.Run("UnknownLevel", func(t *testing.T) {
		_, err := New("production", "loud")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging level")
	})
}

func TestNewFromConfig(t *testing.T) {
	log, err := NewFromConfig(&config.Config{
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
	})
	require.NoError(t, err)
	assert.NotNil(t, log)
	log.Sync()

	_, err = NewFromConfig(&config.Config{
		Logging: config.LoggingConfig{Mode: "nope", Level: "info"},
	})
	assert.Error(t, err)
}
