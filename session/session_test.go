package session

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/api/eventbus"
	"github.com/bluetuith-org/audio-bridge/api/helpers/sessionstore"
	"github.com/bluetuith-org/audio-bridge/internal/fakes"
	"github.com/bluetuith-org/audio-bridge/internal/logger"
	"github.com/bluetuith-org/audio-bridge/relay"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	phone  bluetooth.MacAddress = "AA:BB:CC:DD:EE:FF"
	tablet bluetooth.MacAddress = "11:22:33:44:55:66"
)

type harness struct {
	*Session

	rec     *fakes.Recorder
	channel *fakes.Channel
	relay   *fakes.Relay
	store   *sessionstore.SessionStore
	ctx     context.Context
}

func newHarness(t *testing.T, configure ...func(*config.Configuration)) *harness {
	t.Helper()

	cfg := config.New()
	cfg.ServiceWait = 0
	for _, fn := range configure {
		fn(&cfg)
	}

	rec := &fakes.Recorder{}
	store := sessionstore.NewSessionStore()

	h := &harness{
		rec:     rec,
		channel: fakes.NewChannel(rec),
		relay:   fakes.NewRelay(rec),
		store:   &store,
		ctx:     context.Background(),
	}
	h.Session = New(h.channel, h.relay, h.store, cfg, logger.NewTestLogger())

	return h
}

func (h *harness) paired(addresses ...bluetooth.MacAddress) {
	for i, address := range addresses {
		h.store.UpdateDevice(address, func(d *bluetooth.DeviceData) {
			d.Paired = true
			d.LastSeen = time.Now().Add(-time.Duration(i) * time.Minute)
		})
	}
}

func (h *harness) event(t *testing.T, ev bluetooth.ControlEvent) {
	t.Helper()
	require.NoError(t, h.HandleEvent(h.ctx, ev))
}

func (h *harness) assertInvariant(t *testing.T) {
	t.Helper()

	if h.State() == Connected {
		assert.False(t, h.RelayHandle().IsZero(), "no relay while connected")
		assert.Equal(t, 1, h.relay.Running())
	} else {
		assert.True(t, h.RelayHandle().IsZero(), "relay handle held in state %s", h.State())
		assert.Equal(t, 0, h.relay.Running())
	}
}

// connectTo drives an idle session to Connected with address.
func (h *harness) connectTo(t *testing.T, address bluetooth.MacAddress) {
	t.Helper()

	h.paired(address)
	require.NoError(t, h.Connect(h.ctx))
	require.Equal(t, Connecting, h.State())

	h.event(t, bluetooth.NewConnectedEvent(address))
	require.Equal(t, Connected, h.State())

	h.rec.Reset()
}

func TestPairAndConnectScenario(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.Pair(h.ctx))
	assert.Equal(t, Scanning, h.State())

	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone, Name: "Phone"}))
	assert.Equal(t, Pairing, h.State())
	assert.Equal(t, phone, h.Target())

	h.event(t, bluetooth.NewPairingCompleteEvent(phone, true))
	assert.Equal(t, Connecting, h.State())

	device, ok := h.store.Device(phone)
	require.True(t, ok)
	assert.True(t, device.Paired)
	assert.True(t, device.Trusted)

	h.event(t, bluetooth.NewConnectedEvent(phone))
	assert.Equal(t, Connected, h.State())
	assert.Equal(t, phone, h.RelayHandle().Address)

	assert.Equal(t, []string{
		"send scan on",
		"send scan off",
		"send pair AA:BB:CC:DD:EE:FF",
		"send trust AA:BB:CC:DD:EE:FF",
		"send connect AA:BB:CC:DD:EE:FF",
		"relay start AA:BB:CC:DD:EE:FF",
	}, h.rec.Calls())
	h.assertInvariant(t)
}

func TestPlayPauseWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	require.NoError(t, h.TogglePlayPause(h.ctx))
	assert.Equal(t, Connected, h.State())

	require.NoError(t, h.TogglePlayPause(h.ctx))
	require.NoError(t, h.MediaKey(h.ctx, bluetooth.MediaNext))

	assert.Equal(t, []string{
		"send player-status",
		"send media-key pause",
		"send player-status",
		"send media-key play",
		"send media-key next",
	}, h.rec.Calls())
	assert.Equal(t, Connected, h.State())
}

func TestPlayPauseFollowsPlayerStatus(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	// The source paused on its own: the first press resumes it.
	h.channel.Playback = bluetooth.PlaybackPaused
	require.NoError(t, h.TogglePlayPause(h.ctx))

	h.channel.Playback = bluetooth.PlaybackPlaying
	require.NoError(t, h.TogglePlayPause(h.ctx))
	require.NoError(t, h.TogglePlayPause(h.ctx))

	h.channel.Playback = bluetooth.PlaybackStopped
	require.NoError(t, h.TogglePlayPause(h.ctx))

	// Without a status the last key sent is inverted.
	h.channel.Playback = bluetooth.PlaybackUnknown
	require.NoError(t, h.TogglePlayPause(h.ctx))

	var keys []string
	for _, command := range h.channel.Commands() {
		if key, ok := strings.CutPrefix(command, "media-key "); ok {
			keys = append(keys, key)
		}
	}
	assert.Equal(t, []string{"play", "pause", "pause", "play", "pause"}, keys)
}

func TestPlayPauseChannelClosedOnStatus(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	h.channel.Fail("player-status", errorkinds.ErrChannelClosed)
	require.ErrorIs(t, h.TogglePlayPause(h.ctx), errorkinds.ErrChannelClosed)
	assert.NotContains(t, h.channel.Commands(), "media-key pause")
}

func TestRequestsIgnoredWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.paired(phone)

	require.NoError(t, h.Connect(h.ctx))
	require.Equal(t, Connecting, h.State())
	h.rec.Reset()

	require.NoError(t, h.Pair(h.ctx))
	require.NoError(t, h.Connect(h.ctx))

	assert.Empty(t, h.rec.Calls())
	assert.Equal(t, Connecting, h.State())
}

func TestRemoteDisconnectStopsRelay(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	h.event(t, bluetooth.NewDisconnectedEvent(phone))

	assert.Equal(t, Idle, h.State())
	assert.Equal(t, []string{"relay stop AA:BB:CC:DD:EE:FF"}, h.rec.Calls())
	h.assertInvariant(t)
}

func TestDisconnectOfOtherDeviceIgnored(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	h.event(t, bluetooth.NewDisconnectedEvent(tablet))

	assert.Equal(t, Connected, h.State())
	assert.Empty(t, h.rec.Calls())
}

func TestShutdownReleasesInOrder(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	require.NoError(t, h.Shutdown())

	assert.Equal(t, []string{
		"relay stop AA:BB:CC:DD:EE:FF",
		"channel close",
	}, h.rec.Calls())
	h.assertInvariant(t)
}

func TestProgrammaticDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	require.NoError(t, h.Disconnect(h.ctx))
	assert.Equal(t, Disconnecting, h.State())
	assert.NotNil(t, h.Timeout())
	h.assertInvariant(t)

	h.event(t, bluetooth.NewDisconnectedEvent(phone))
	assert.Equal(t, Idle, h.State())
	assert.Nil(t, h.Timeout())

	assert.Equal(t, []string{
		"send disconnect AA:BB:CC:DD:EE:FF",
		"relay stop AA:BB:CC:DD:EE:FF",
	}, h.rec.Calls())
}

func TestDisconnectFailureKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)
	h.channel.Fail("disconnect AA:BB:CC:DD:EE:FF", errorkinds.NewProtocolError("Failed to disconnect"))

	require.NoError(t, h.Disconnect(h.ctx))

	assert.Equal(t, Connected, h.State())
	h.assertInvariant(t)
}

func TestConnectSwitchesToOtherPairedDevice(t *testing.T) {
	h := newHarness(t)
	h.paired(tablet)
	h.connectTo(t, phone)

	require.NoError(t, h.Connect(h.ctx))
	assert.Equal(t, Disconnecting, h.State())

	h.event(t, bluetooth.NewDisconnectedEvent(phone))
	assert.Equal(t, Connecting, h.State())
	assert.Equal(t, tablet, h.Target())

	h.event(t, bluetooth.NewConnectedEvent(tablet))
	assert.Equal(t, Connected, h.State())

	assert.Equal(t, []string{
		"send disconnect AA:BB:CC:DD:EE:FF",
		"relay stop AA:BB:CC:DD:EE:FF",
		"send connect 11:22:33:44:55:66",
		"relay start 11:22:33:44:55:66",
	}, h.rec.Calls())
}

func TestConnectWithoutOtherDeviceWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	require.NoError(t, h.Connect(h.ctx))

	assert.Equal(t, Connected, h.State())
	assert.Empty(t, h.rec.Calls())
}

func TestConnectPrefersConfiguredTarget(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.TargetAddress = tablet })
	h.paired(phone, tablet)

	require.NoError(t, h.Connect(h.ctx))

	assert.Equal(t, tablet, h.Target())
	assert.Equal(t, []string{"send connect 11:22:33:44:55:66"}, h.rec.Calls())
}

func TestConnectPrefersPreviousTarget(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, tablet)
	h.event(t, bluetooth.NewDisconnectedEvent(tablet))

	h.paired(phone)
	h.store.UpdateDevice(phone, func(d *bluetooth.DeviceData) { d.LastSeen = time.Now().Add(time.Hour) })
	h.rec.Reset()

	require.NoError(t, h.Connect(h.ctx))
	assert.Equal(t, tablet, h.Target())
}

func TestConnectWithoutPairedDevice(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.Connect(h.ctx))

	assert.Equal(t, Idle, h.State())
	assert.Empty(t, h.rec.Calls())
}

func TestControlErrorsReturnToIdle(t *testing.T) {
	h := newHarness(t)
	h.paired(phone)
	h.channel.Fail("connect AA:BB:CC:DD:EE:FF", errorkinds.ErrTimeout)

	require.NoError(t, h.Connect(h.ctx))
	assert.Equal(t, Idle, h.State())

	require.NoError(t, h.Pair(h.ctx))
	h.channel.Fail("pair AA:BB:CC:DD:EE:FF", errorkinds.NewProtocolError("Failed to pair"))
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: "AA:BB:CC:DD:EE:00"}))
	require.Equal(t, Pairing, h.State())
	h.event(t, bluetooth.NewPairingCompleteEvent("AA:BB:CC:DD:EE:00", false))
	assert.Equal(t, Idle, h.State())
}

func TestPairCommandFailure(t *testing.T) {
	h := newHarness(t)
	h.channel.Fail("pair AA:BB:CC:DD:EE:FF", errorkinds.NewProtocolError("Failed to pair"))

	require.NoError(t, h.Pair(h.ctx))
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone}))

	assert.Equal(t, Idle, h.State())
}

func TestConnectionFailureEvent(t *testing.T) {
	h := newHarness(t)
	h.paired(phone)

	require.NoError(t, h.Connect(h.ctx))
	h.event(t, bluetooth.NewDisconnectedEvent(phone))

	assert.Equal(t, Idle, h.State())
	h.assertInvariant(t)
}

func TestChannelClosedIsReturned(t *testing.T) {
	h := newHarness(t)
	h.channel.Kill()

	err := h.Pair(h.ctx)
	assert.ErrorIs(t, err, errorkinds.ErrChannelClosed)
	assert.Equal(t, Idle, h.State())

	err = h.MediaKey(h.ctx, bluetooth.MediaPlay)
	assert.ErrorIs(t, err, errorkinds.ErrChannelClosed)
}

func TestMediaKeyErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t)
	h.channel.Fail("media-key next", errorkinds.NewProtocolError("No default player available"))

	require.NoError(t, h.MediaKey(h.ctx, bluetooth.MediaNext))

	assert.Equal(t, Idle, h.State())
	assert.Equal(t, []string{"send media-key next"}, h.rec.Calls())
}

func TestTargetPolicy(t *testing.T) {
	other := uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")

	h := newHarness(t, func(cfg *config.Configuration) { cfg.TargetAddress = phone })
	h.paired(tablet)

	require.NoError(t, h.Pair(h.ctx))
	h.rec.Reset()

	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: "22:22:22:22:22:22"}))
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: tablet}))
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone, UUIDs: []uuid.UUID{other}}))

	assert.Equal(t, Scanning, h.State())
	assert.Empty(t, h.rec.Calls())

	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone, UUIDs: []uuid.UUID{bluetooth.AudioSourceUUID}}))
	assert.Equal(t, Pairing, h.State())
}

func TestDeviceWithoutServicesIsHeldBack(t *testing.T) {
	other := uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")

	h := newHarness(t, func(cfg *config.Configuration) { cfg.ServiceWait = 3 * time.Second })
	clock := time.Now()
	h.now = func() time.Time { return clock }

	require.NoError(t, h.Pair(h.ctx))
	h.rec.Reset()

	// A new device line carries no services yet.
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone, Name: "Phone"}))
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: tablet, Name: "Tablet"}))
	assert.Equal(t, Scanning, h.State())

	// Services arrive one line at a time and are merged.
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: tablet, UUIDs: []uuid.UUID{other}}))
	assert.Equal(t, Scanning, h.State())

	clock = clock.Add(3 * time.Second)
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: tablet}))
	assert.Equal(t, Scanning, h.State(), "a device reporting only other services never matches")

	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: tablet, UUIDs: []uuid.UUID{bluetooth.AudioSourceUUID}}))
	assert.Equal(t, Pairing, h.State())
	assert.Equal(t, tablet, h.Target())

	device, ok := h.store.Device(tablet)
	require.True(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{other, bluetooth.AudioSourceUUID}, device.UUIDs)
}

func TestDeviceWithoutServicesMatchesAfterWait(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.ServiceWait = 3 * time.Second })
	clock := time.Now()
	h.now = func() time.Time { return clock }

	require.NoError(t, h.Pair(h.ctx))

	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone}))
	clock = clock.Add(time.Second)
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone}))
	assert.Equal(t, Scanning, h.State())

	clock = clock.Add(2 * time.Second)
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone}))
	assert.Equal(t, Pairing, h.State())
}

func TestConfiguredTargetSkipsServiceWait(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) {
		cfg.ServiceWait = time.Hour
		cfg.TargetAddress = phone
	})

	require.NoError(t, h.Pair(h.ctx))
	h.event(t, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: phone}))

	assert.Equal(t, Pairing, h.State())
}

func TestRelaySpawnFailureDisconnects(t *testing.T) {
	h := newHarness(t)
	h.paired(phone)
	h.relay.Err = errorkinds.ErrSpawnFailed

	require.NoError(t, h.Connect(h.ctx))
	h.event(t, bluetooth.NewConnectedEvent(phone))

	assert.Equal(t, Idle, h.State())
	assert.Equal(t, []string{
		"send connect AA:BB:CC:DD:EE:FF",
		"relay start failed AA:BB:CC:DD:EE:FF",
		"send disconnect AA:BB:CC:DD:EE:FF",
	}, h.rec.Calls())
	h.assertInvariant(t)
}

func TestRelayExitActsAsDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	stale := relay.Exit{Handle: relay.Handle{ID: 99}, Err: errorkinds.ErrUnexpectedExit}
	require.NoError(t, h.HandleRelayExit(h.ctx, stale))
	assert.Equal(t, Connected, h.State())

	exit := h.relay.Crash(h.RelayHandle())
	require.NoError(t, h.HandleRelayExit(h.ctx, exit))

	assert.Equal(t, Idle, h.State())
	assert.Equal(t, []string{"send disconnect AA:BB:CC:DD:EE:FF"}, h.rec.Calls())
	h.assertInvariant(t)
}

func TestInboundConnectionOfPairedDevice(t *testing.T) {
	h := newHarness(t)
	h.paired(phone)

	h.event(t, bluetooth.NewConnectedEvent(tablet))
	assert.Equal(t, Idle, h.State())

	h.event(t, bluetooth.NewConnectedEvent(phone))
	assert.Equal(t, Connected, h.State())
	assert.Equal(t, phone, h.Target())
	h.assertInvariant(t)
}

func TestScanTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.ScanTimeout = 20 * time.Millisecond })
	assert.Nil(t, h.Timeout())

	require.NoError(t, h.Pair(h.ctx))
	require.NotNil(t, h.Timeout())

	select {
	case <-h.Timeout():
	case <-time.After(time.Second):
		t.Fatal("scan timeout did not fire")
	}

	require.NoError(t, h.HandleTimeout(h.ctx))
	assert.Equal(t, Idle, h.State())
	assert.Nil(t, h.Timeout())
	assert.Equal(t, []string{"send scan on", "send scan off"}, h.rec.Calls())

	require.NoError(t, h.HandleTimeout(h.ctx))
	assert.Len(t, h.rec.Calls(), 2)
}

func TestDisconnectingTimeoutForgetsNext(t *testing.T) {
	h := newHarness(t)
	h.paired(tablet)
	h.connectTo(t, phone)

	require.NoError(t, h.Connect(h.ctx))
	require.NoError(t, h.HandleTimeout(h.ctx))
	assert.Equal(t, Idle, h.State())

	h.event(t, bluetooth.NewDisconnectedEvent(phone))
	assert.Equal(t, Idle, h.State())
	assert.NotContains(t, h.rec.Calls(), "send connect 11:22:33:44:55:66")
}

func TestLoadPairedDevices(t *testing.T) {
	h := newHarness(t)
	h.channel.Devices = []bluetooth.DeviceData{{Address: phone, Name: "Phone", Paired: true}}

	require.NoError(t, h.LoadPairedDevices(h.ctx))

	device, ok := h.store.Device(phone)
	require.True(t, ok)
	assert.True(t, device.Paired)
	assert.Equal(t, "Phone", device.Name)
}

func TestRebindResetsSession(t *testing.T) {
	h := newHarness(t)
	h.connectTo(t, phone)

	channel := fakes.NewChannel(h.rec)
	h.Rebind(channel)

	assert.Equal(t, Idle, h.State())
	assert.Equal(t, []string{"relay stop AA:BB:CC:DD:EE:FF"}, h.rec.Calls())
	h.assertInvariant(t)

	require.NoError(t, h.Connect(h.ctx))
	assert.Equal(t, "send connect AA:BB:CC:DD:EE:FF", h.rec.Calls()[1])
}

func TestStateChangesArePublished(t *testing.T) {
	sub := eventbus.Subscribe(bluetooth.StateChangedEvent)
	defer sub.Unsubscribe()

	h := newHarness(t)
	require.NoError(t, h.Pair(h.ctx))

	select {
	case data := <-sub.C:
		assert.Equal(t, bluetooth.StateChange{From: "idle", To: "scanning"}, data)
	case <-time.After(time.Second):
		t.Fatal("state change not published")
	}
}

func TestRelayHandleInvariantUnderRandomInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	addresses := []bluetooth.MacAddress{phone, tablet, "22:22:22:22:22:22"}
	failures := []error{nil, nil, nil, errorkinds.ErrTimeout, errorkinds.NewProtocolError("Failed")}

	for run := range 50 {
		h := newHarness(t)
		h.paired(addresses[run%len(addresses)])

		for range 200 {
			address := addresses[rng.IntN(len(addresses))]
			h.channel.Fail("connect "+address.String(), failures[rng.IntN(len(failures))])
			h.channel.Fail("pair "+address.String(), failures[rng.IntN(len(failures))])

			var err error

			switch rng.IntN(11) {
			case 0:
				err = h.Pair(h.ctx)
			case 1:
				err = h.Connect(h.ctx)
			case 2:
				err = h.Disconnect(h.ctx)
			case 3:
				err = h.TogglePlayPause(h.ctx)
			case 4:
				err = h.HandleTimeout(h.ctx)
			case 5:
				err = h.HandleEvent(h.ctx, bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{Address: address}))
			case 6:
				err = h.HandleEvent(h.ctx, bluetooth.NewPairingCompleteEvent(address, rng.IntN(3) > 0))
			case 7:
				err = h.HandleEvent(h.ctx, bluetooth.NewConnectedEvent(address))
			case 8:
				err = h.HandleEvent(h.ctx, bluetooth.NewDisconnectedEvent(address))
			case 9:
				if !h.RelayHandle().IsZero() {
					err = h.HandleRelayExit(h.ctx, h.relay.Crash(h.RelayHandle()))
				}
			case 10:
				if rng.IntN(4) == 0 {
					h.relay.Err = errorkinds.ErrSpawnFailed
				} else {
					h.relay.Err = nil
				}
			}

			require.NoError(t, err)
			h.assertInvariant(t)
		}
	}
}
