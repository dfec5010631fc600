//go:build !linux

package platform

import (
	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/rs/zerolog"
)

// Session reports that no backend is available; both backends need BlueZ.
func Session(config.Configuration, bluetooth.SessionAuthorizer, zerolog.Logger) (Dialer, PlatformInfo, error) {
	return nil, PlatformInfo{}, fault.Wrap(errorkinds.ErrNotSupported,
		fmsg.With("The bridge requires BlueZ on Linux"),
	)
}
