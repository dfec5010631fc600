//go:build linux

package platform

import (
	"testing"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSelectsBackend(t *testing.T) {
	cfg := config.New()

	dial, info, err := Session(cfg, bluetooth.DefaultAuthorizer{}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.NotNil(t, dial)
	assert.Equal(t, BluetoothctlStack, info.Stack)
	assert.Empty(t, info.Adapter)

	cfg.Backend = config.BackendDBus
	_, info, err = Session(cfg, bluetooth.DefaultAuthorizer{}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, BluezStack, info.Stack)
	assert.Equal(t, "hci0", info.Adapter)

	cfg.Backend = "serial"
	_, _, err = Session(cfg, bluetooth.DefaultAuthorizer{}, logger.NewTestLogger())
	assert.ErrorIs(t, err, errorkinds.ErrInvalidConfig)
}
