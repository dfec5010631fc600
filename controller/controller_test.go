package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Southclaws/fault/fctx"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/api/helpers/sessionstore"
	"github.com/bluetuith-org/audio-bridge/internal/fakes"
	"github.com/bluetuith-org/audio-bridge/internal/logger"
	"github.com/bluetuith-org/audio-bridge/relay"
	"github.com/bluetuith-org/audio-bridge/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phone bluetooth.MacAddress = "AA:BB:CC:DD:EE:FF"

type fakePower struct {
	rec *fakes.Recorder
}

func (p fakePower) PowerOff(context.Context) error {
	p.rec.Add("power off")
	return nil
}

func (p fakePower) Reboot(context.Context) error {
	p.rec.Add("reboot")
	return nil
}

type harness struct {
	rec     *fakes.Recorder
	relay   *fakes.Relay
	buttons chan bluetooth.ButtonEvent
	exits   chan relay.Exit

	mu       sync.Mutex
	channels []*fakes.Channel
	dialErr  error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, configure ...func(*config.Configuration)) *harness {
	t.Helper()

	cfg := config.New()
	cfg.Autoconnect = false
	cfg.ReconnectDelay = 10 * time.Millisecond
	for _, fn := range configure {
		fn(&cfg)
	}

	rec := &fakes.Recorder{}
	store := sessionstore.NewSessionStore()

	h := &harness{
		rec:     rec,
		relay:   fakes.NewRelay(rec),
		buttons: make(chan bluetooth.ButtonEvent),
		exits:   make(chan relay.Exit),
		done:    make(chan error, 1),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(h.cancel)

	s := session.New(nil, h.relay, &store, cfg, logger.NewTestLogger())
	c := New(cfg, s, h.dial, h.buttons, h.exits, fakePower{rec}, logger.NewTestLogger())

	go func() { h.done <- c.Run(h.ctx) }()

	return h
}

func (h *harness) dial(context.Context) (bluetooth.ControlChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rec.Add("dial")
	if h.dialErr != nil {
		return nil, h.dialErr
	}

	channel := fakes.NewChannel(h.rec)
	channel.Devices = []bluetooth.DeviceData{{Address: phone, Paired: true}}
	h.channels = append(h.channels, channel)

	return channel, nil
}

func (h *harness) channel(t *testing.T, n int) *fakes.Channel {
	t.Helper()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()

		return len(h.channels) > n
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.channels[n]
}

func (h *harness) press(t *testing.T, id bluetooth.ButtonID, kind bluetooth.PressKind) {
	t.Helper()

	select {
	case h.buttons <- bluetooth.ButtonEvent{ID: id, Kind: kind}:
	case <-time.After(time.Second):
		t.Fatal("controller did not take the button event")
	}
}

func (h *harness) waitFor(t *testing.T, call string) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, c := range h.rec.Calls() {
			if c == call {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond, "waiting for %q, got %v", call, h.rec.Calls())
}

func (h *harness) result(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not return")
	}

	return nil
}

// connect drives the controller to a connected session with phone.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	h.press(t, bluetooth.ButtonNext, bluetooth.Hold)
	h.waitFor(t, "send connect AA:BB:CC:DD:EE:FF")

	h.channel(t, 0).Emit(bluetooth.NewConnectedEvent(phone))
	h.waitFor(t, "relay start AA:BB:CC:DD:EE:FF")
}

func TestActionFor(t *testing.T) {
	for ev, action := range map[bluetooth.ButtonEvent]Action{
		{ID: bluetooth.ButtonPrevious, Kind: bluetooth.Press}:  ActionPrevious,
		{ID: bluetooth.ButtonPrevious, Kind: bluetooth.Hold}:   ActionShutdown,
		{ID: bluetooth.ButtonPlayPause, Kind: bluetooth.Press}: ActionPlayPause,
		{ID: bluetooth.ButtonPlayPause, Kind: bluetooth.Hold}:  ActionPair,
		{ID: bluetooth.ButtonNext, Kind: bluetooth.Press}:      ActionNext,
		{ID: bluetooth.ButtonNext, Kind: bluetooth.Hold}:       ActionConnect,
		{ID: 4, Kind: bluetooth.Press}:                         ActionNone,
	} {
		assert.Equal(t, action, ActionFor(ev), "%+v", ev)
	}
}

func TestStartupLoadsPairedDevicesAndAutoconnects(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.Autoconnect = true })

	h.waitFor(t, "send connect AA:BB:CC:DD:EE:FF")
	assert.Equal(t, []string{"paired-devices", "connect AA:BB:CC:DD:EE:FF"}, h.channel(t, 0).Commands())
}

func TestButtonPressesSendMediaCommands(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	channel := h.channel(t, 0)
	for _, tc := range []struct {
		id       bluetooth.ButtonID
		commands []string
	}{
		{bluetooth.ButtonPlayPause, []string{"player-status", "media-key pause"}},
		{bluetooth.ButtonPlayPause, []string{"player-status", "media-key play"}},
		{bluetooth.ButtonPrevious, []string{"media-key previous"}},
		{bluetooth.ButtonNext, []string{"media-key next"}},
	} {
		before := len(channel.Commands())

		h.press(t, tc.id, bluetooth.Press)
		h.press(t, bluetooth.ButtonNext, bluetooth.Hold) // no other device: ignored, and a sync point

		assert.Equal(t, tc.commands, channel.Commands()[before:])
	}
}

func TestShutdownSequence(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.rec.Reset()

	h.press(t, bluetooth.ButtonPrevious, bluetooth.Hold)

	require.NoError(t, h.result(t))
	assert.Equal(t, []string{
		"relay stop AA:BB:CC:DD:EE:FF",
		"channel close",
		"power off",
	}, h.rec.Calls())
}

func TestCancelReleasesWithoutPowerOff(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.rec.Reset()

	h.cancel()

	require.NoError(t, h.result(t))
	assert.Equal(t, []string{
		"relay stop AA:BB:CC:DD:EE:FF",
		"channel close",
	}, h.rec.Calls())
}

func TestRelayExitDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	exit := h.relay.Crash(relay.Handle{ID: 1, Address: phone})
	select {
	case h.exits <- exit:
	case <-time.After(time.Second):
		t.Fatal("controller did not take the relay exit")
	}

	h.waitFor(t, "send disconnect AA:BB:CC:DD:EE:FF")
}

func TestSessionTimeoutReturnsToIdle(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) { cfg.ConnectTimeout = 20 * time.Millisecond })
	channel := h.channel(t, 0)

	h.press(t, bluetooth.ButtonNext, bluetooth.Hold)
	h.waitFor(t, "send connect AA:BB:CC:DD:EE:FF")

	// Once the timeout returned the session to idle, connect is accepted again.
	require.Eventually(t, func() bool {
		h.press(t, bluetooth.ButtonNext, bluetooth.Hold)

		connects := 0
		for _, command := range channel.Commands() {
			if command == "connect AA:BB:CC:DD:EE:FF" {
				connects++
			}
		}

		return connects >= 2
	}, time.Second, 30*time.Millisecond)
}

func TestChannelLossReconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.channel(t, 0).Kill()

	second := h.channel(t, 1)
	h.waitFor(t, "relay stop AA:BB:CC:DD:EE:FF")

	require.Eventually(t, func() bool {
		return len(second.Commands()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"paired-devices", "connect AA:BB:CC:DD:EE:FF"}, second.Commands())

	// Connect is ignored while the new channel is still connecting.
	h.press(t, bluetooth.ButtonNext, bluetooth.Hold)
	h.press(t, bluetooth.ButtonPlayPause, bluetooth.Press)
	require.Eventually(t, func() bool {
		return len(second.Commands()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"player-status", "media-key pause"}, second.Commands()[2:])
	assert.Len(t, h.channel(t, 0).Commands(), 2)
}

func TestReconnectFailureReboots(t *testing.T) {
	h := newHarness(t, func(cfg *config.Configuration) {
		cfg.ReconnectAttempts = 2
		cfg.RebootOnFailure = true
	})
	first := h.channel(t, 0)

	h.mu.Lock()
	h.dialErr = errorkinds.ErrChannelClosed
	h.mu.Unlock()

	first.Kill()

	err := h.result(t)
	assert.ErrorIs(t, err, errorkinds.ErrChannelClosed)
	assert.Equal(t, "2", fctx.Unwrap(err)["attempts"])

	dials := 0
	for _, call := range h.rec.Calls() {
		if call == "dial" {
			dials++
		}
	}
	assert.Equal(t, 3, dials)
	assert.Equal(t, "reboot", h.rec.Calls()[len(h.rec.Calls())-1])
}

func TestStartupDialFailure(t *testing.T) {
	rec := &fakes.Recorder{}
	store := sessionstore.NewSessionStore()
	cfg := config.New()

	s := session.New(nil, fakes.NewRelay(rec), &store, cfg, logger.NewTestLogger())
	dial := func(context.Context) (bluetooth.ControlChannel, error) {
		return nil, errors.New("bluetoothctl: not found")
	}

	c := New(cfg, s, dial, nil, nil, fakePower{rec}, logger.NewTestLogger())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.Calls())
}
