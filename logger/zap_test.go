package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewFromZap(zap.New(core))

	log.Error("settle failed", map[string]any{
		"network": "eip155:84532",
		"error":   errors.New("boom"),
	})
	log.Debug("rejected", nil)

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "eip155:84532", fields["network"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "rejected", entries[1].Message)
}

func TestNewZapLogger(t *testing.T) {
	log, err := NewZapLogger("debug")
	require.NoError(t, err)
	assert.True(t, log.Zap().Core().Enabled(zapcore.DebugLevel))
}

func TestNoopLogger(t *testing.T) {
	var log Logger = NoopLogger{}
	assert.NotPanics(t, func() {
		log.Info("ignored", map[string]any{"k": "v"})
	})
}
