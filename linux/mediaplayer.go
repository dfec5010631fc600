package linux

import (
	"context"
	"slices"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// mediaPlayer controls the AVRCP player of a connected source.
type mediaPlayer struct {
	b    *BluezSession
	path dbus.ObjectPath
}

// connectedPlayer returns the player of the first connected device that exposes one.
func (b *BluezSession) connectedPlayer(ctx context.Context) (mediaPlayer, error) {
	objects, err := b.managedObjects(ctx)
	if err != nil {
		return mediaPlayer{}, err
	}

	paths := make([]dbus.ObjectPath, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[mediaPlayerIface]; ok {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)

	for _, path := range paths {
		address, ok := addressFromPath(b.adapterPath, path)
		if !ok {
			continue
		}

		device, ok := objects[deviceObjectPath(b.adapterPath, address)][deviceIface]
		if ok && boolProperty(device, "Connected") {
			return mediaPlayer{b: b, path: path}, nil
		}
	}

	return mediaPlayer{}, fault.Wrap(errorkinds.ErrNoDevice, fmsg.With("No connected media player"))
}

// Play starts playback.
func (m mediaPlayer) Play(ctx context.Context) error {
	return m.call(ctx, "Play")
}

// Pause pauses playback.
func (m mediaPlayer) Pause(ctx context.Context) error {
	return m.call(ctx, "Pause")
}

// Next skips to the next track.
func (m mediaPlayer) Next(ctx context.Context) error {
	return m.call(ctx, "Next")
}

// Previous goes back to the previous track.
func (m mediaPlayer) Previous(ctx context.Context) error {
	return m.call(ctx, "Previous")
}

// Status reads the player's playback status.
func (m mediaPlayer) Status(ctx context.Context) (bluetooth.PlaybackStatus, error) {
	var status dbus.Variant

	err := m.b.object(m.path).CallWithContext(ctx, propsIface+".Get", 0, mediaPlayerIface, "Status").Store(&status)
	if err != nil {
		return bluetooth.PlaybackUnknown, err
	}

	value, _ := status.Value().(string)

	return bluetooth.ParsePlaybackStatus(value), nil
}

func (m mediaPlayer) send(ctx context.Context, key bluetooth.MediaKey) error {
	switch key {
	case bluetooth.MediaPlay:
		return m.Play(ctx)

	case bluetooth.MediaPause:
		return m.Pause(ctx)

	case bluetooth.MediaNext:
		return m.Next(ctx)

	case bluetooth.MediaPrevious:
		return m.Previous(ctx)
	}

	return fault.Wrap(errorkinds.ErrNotSupported, fmsg.With("Unknown media key "+string(key)))
}

func (m mediaPlayer) call(ctx context.Context, method string) error {
	return m.b.object(m.path).CallWithContext(ctx, mediaPlayerIface+"."+method, 0).Err
}
