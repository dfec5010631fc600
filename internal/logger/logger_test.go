package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	require.NoError(t, Init(Config{Level: "warn", Output: "stdout"}))
	assert.Equal(t, zerolog.WarnLevel, GetLogger().GetLevel())

	require.NoError(t, Init(Config{Level: "warn", Debug: true}))
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	assert.Error(t, Init(Config{Level: "loud"}))
}

func TestSetDebug(t *testing.T) {
	require.NoError(t, Init(DefaultConfig()))

	SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	SetDebug(false)
	assert.Equal(t, zerolog.InfoLevel, GetLogger().GetLevel())
}

func TestWithComponent(t *testing.T) {
	require.NoError(t, Init(DefaultConfig()))
	assert.NotEqual(t, zerolog.Disabled, WithComponent("session").GetLevel())
	assert.Equal(t, zerolog.Disabled, NewTestLogger().GetLevel())
}
