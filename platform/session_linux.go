//go:build linux

package platform

import (
	"context"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/linux"
	"github.com/bluetuith-org/audio-bridge/shim"
	"github.com/rs/zerolog"
)

// Session returns the dialer of the configured backend. The authorizer
// answers pairing requests on the D-Bus backend; bluetoothctl runs its own agent.
func Session(cfg config.Configuration, authorizer bluetooth.SessionAuthorizer, log zerolog.Logger) (Dialer, PlatformInfo, error) {
	switch cfg.Backend {
	case config.BackendBluetoothctl:
		dial := func(ctx context.Context) (bluetooth.ControlChannel, error) {
			s, err := shim.Start(ctx, cfg, log.With().Str("component", "bluetoothctl").Logger())
			if err != nil {
				return nil, err
			}

			return s, nil
		}

		return dial, NewPlatformInfo(BluetoothctlStack, cfg), nil

	case config.BackendDBus:
		dial := func(ctx context.Context) (bluetooth.ControlChannel, error) {
			s, err := linux.Dial(ctx, cfg, authorizer, log.With().Str("component", "bluez").Logger())
			if err != nil {
				return nil, err
			}

			return s, nil
		}

		return dial, NewPlatformInfo(BluezStack, cfg), nil
	}

	return nil, PlatformInfo{}, fault.Wrap(errorkinds.ErrInvalidConfig,
		ftag.With(ftag.InvalidArgument),
		fmsg.With("Unknown backend '"+string(cfg.Backend)+"'"),
	)
}
