// Package session holds the device session state machine. It tracks the
// single target device through discovery, pairing and connection, and runs
// the audio relay while the target is connected.
//
// A Session is not safe for concurrent use; the controller loop is its only caller.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/api/eventbus"
	"github.com/bluetuith-org/audio-bridge/api/helpers/sessionstore"
	"github.com/bluetuith-org/audio-bridge/relay"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is the runtime relationship between the bridge and its target device.
// The relay handle is set if and only if the state is Connected.
type Session struct {
	id  uuid.UUID
	cfg config.Configuration
	log zerolog.Logger

	channel bluetooth.ControlChannel
	relay   relay.Relay
	store   *sessionstore.SessionStore

	state       State
	target      bluetooth.MacAddress
	previous    bluetooth.MacAddress
	next        bluetooth.MacAddress
	relayHandle relay.Handle

	// paused records the last play/pause key sent since the connection started.
	paused bool

	// sightings holds when each device was first found in the current scan.
	sightings map[bluetooth.MacAddress]time.Time
	now       func() time.Time

	timer    *time.Timer
	timeoutC <-chan time.Time
}

// New returns an idle session.
func New(
	channel bluetooth.ControlChannel,
	r relay.Relay,
	store *sessionstore.SessionStore,
	cfg config.Configuration,
	log zerolog.Logger,
) *Session {
	id := uuid.New()

	return &Session{
		id:      id,
		cfg:     cfg,
		log:     log.With().Str("session_id", id.String()).Logger(),
		channel: channel,
		relay:   r,
		store:   store,
		now:     time.Now,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Target returns the device the session tracks. It is nil before the
// first pair or connect.
func (s *Session) Target() bluetooth.MacAddress {
	return s.target
}

// RelayHandle returns the handle of the running relay, or the zero handle.
func (s *Session) RelayHandle() relay.Handle {
	return s.relayHandle
}

// Timeout fires when the current transient state has lasted too long.
// It returns nil outside of transient states.
func (s *Session) Timeout() <-chan time.Time {
	return s.timeoutC
}

// LoadPairedDevices fills the registry with the devices the Bluetooth
// service already has pairing records for.
func (s *Session) LoadPairedDevices(ctx context.Context) error {
	response, err := s.channel.Send(ctx, bluetooth.PairedDevices())
	if err != nil {
		return s.failure(err, "Cannot load paired devices")
	}

	for _, device := range response.Devices {
		s.store.UpdateDevice(device.Address, func(d *bluetooth.DeviceData) {
			d.Paired = true
			if device.Name != "" {
				d.Name = device.Name
			}
		})
	}

	s.log.Info().Int("count", len(response.Devices)).Msg("Loaded paired devices")

	return nil
}

// Pair starts discovery of a new audio source. It is ignored unless the session is idle.
func (s *Session) Pair(ctx context.Context) error {
	if s.state != Idle {
		s.log.Debug().Stringer("state", s.state).Msg("Pair request ignored")
		return nil
	}

	if _, err := s.channel.Send(ctx, bluetooth.ScanOn()); err != nil {
		return s.failure(err, "Cannot start discovery")
	}

	s.sightings = make(map[bluetooth.MacAddress]time.Time)
	s.transition(Scanning)

	return nil
}

// Connect connects to the best known paired device. While connected,
// it switches to another paired device, if one is known.
func (s *Session) Connect(ctx context.Context) error {
	switch s.state {
	case Idle:
		device, ok := s.store.BestPairedDevice(s.preferred())
		if !ok {
			s.log.Warn().Msg("No paired device to connect to")
			return nil
		}

		return s.connect(ctx, device.Address)

	case Connected:
		device, ok := s.store.BestPairedDevice(s.preferred(), s.target)
		if !ok {
			s.log.Info().Msg("No other paired device to switch to")
			return nil
		}

		return s.disconnect(ctx, device.Address)
	}

	s.log.Debug().Stringer("state", s.state).Msg("Connect request ignored")

	return nil
}

// Disconnect disconnects the connected target.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.state != Connected {
		s.log.Debug().Stringer("state", s.state).Msg("Disconnect request ignored")
		return nil
	}

	return s.disconnect(ctx, bluetooth.NilMacAddress)
}

// MediaKey forwards key to the source. It is sent in every state, the
// Bluetooth service rejects it when nothing is connected.
func (s *Session) MediaKey(ctx context.Context, key bluetooth.MediaKey) error {
	if _, err := s.channel.Send(ctx, bluetooth.SendMediaKey(key)); err != nil {
		return s.failure(err, "Media key not delivered")
	}

	return nil
}

// TogglePlayPause pauses a playing source and resumes a paused one. When
// the player cannot report its status the last key sent is inverted; the
// source is streaming when it connects, so that first toggle pauses.
func (s *Session) TogglePlayPause(ctx context.Context) error {
	paused := s.paused

	resp, err := s.channel.Send(ctx, bluetooth.PlayerStatus())
	switch {
	case errors.Is(err, errorkinds.ErrChannelClosed):
		return s.failure(err, "Player status not available")

	case err != nil:
		s.log.Debug().Err(err).Msg("Player status not available, toggling from the last key sent")

	case resp.Playback == bluetooth.PlaybackPlaying:
		paused = false

	case resp.Playback != bluetooth.PlaybackUnknown:
		paused = true
	}

	key := bluetooth.MediaPause
	if paused {
		key = bluetooth.MediaPlay
	}

	if _, err := s.channel.Send(ctx, bluetooth.SendMediaKey(key)); err != nil {
		return s.failure(err, "Media key not delivered")
	}

	s.paused = !paused

	return nil
}

// HandleEvent applies a control channel notification.
func (s *Session) HandleEvent(ctx context.Context, ev bluetooth.ControlEvent) error {
	device := s.record(ev)

	switch {
	case s.state == Scanning && ev.Kind == bluetooth.DeviceFound:
		if !s.matchesTarget(device) {
			return nil
		}

		return s.pair(ctx, device.Address)

	case s.state == Pairing && ev.Kind == bluetooth.PairingComplete && ev.Address().Equal(s.target):
		if !ev.Success {
			s.log.Warn().Str("address", s.target.String()).Msg("Pairing failed")
			s.transition(Idle)

			return nil
		}

		s.store.UpdateDevice(s.target, func(d *bluetooth.DeviceData) {
			d.Paired = true
			d.Trusted = true
		})

		if _, err := s.channel.Send(ctx, bluetooth.Trust(s.target)); err != nil {
			if err := s.failure(err, "Cannot trust device"); err != nil {
				return err
			}
		}

		if _, err := s.channel.Send(ctx, bluetooth.Connect(s.target)); err != nil {
			s.transition(Idle)
			return s.failure(err, "Cannot connect paired device")
		}

		s.transition(Connecting)

	case s.state == Connecting && ev.Kind == bluetooth.DeviceConnected && ev.Address().Equal(s.target):
		return s.startRelay(ctx)

	case s.state == Connecting && ev.Kind == bluetooth.DeviceDisconnected && ev.Address().Equal(s.target):
		s.log.Warn().Str("address", s.target.String()).Msg("Connection failed")
		s.transition(Idle)

	case s.state == Connected && ev.Kind == bluetooth.DeviceDisconnected && ev.Address().Equal(s.target):
		s.log.Info().Str("address", s.target.String()).Msg("Device disconnected")
		s.stopRelay()
		s.transition(Idle)

	case s.state == Disconnecting && ev.Kind == bluetooth.DeviceDisconnected && ev.Address().Equal(s.target):
		s.transition(Idle)

		if next := s.next; !next.IsNil() {
			s.next = bluetooth.NilMacAddress
			return s.connect(ctx, next)
		}

	case s.state == Idle && ev.Kind == bluetooth.DeviceConnected && device.Paired:
		s.log.Info().Str("address", device.Address.String()).Msg("Paired device connected")
		s.target = device.Address

		return s.startRelay(ctx)
	}

	return nil
}

// HandleRelayExit handles a relay that terminated on its own. The source
// is disconnected so that its state matches the session.
func (s *Session) HandleRelayExit(ctx context.Context, exit relay.Exit) error {
	if s.state != Connected || exit.Handle.ID != s.relayHandle.ID {
		return nil
	}

	s.log.Warn().Err(exit.Err).Str("address", s.target.String()).Msg("Audio relay lost")

	s.relayHandle = relay.Handle{}
	s.transition(Idle)

	if _, err := s.channel.Send(ctx, bluetooth.Disconnect(s.target)); err != nil {
		return s.failure(err, "Cannot disconnect device")
	}

	return nil
}

// HandleTimeout ends the current transient state.
func (s *Session) HandleTimeout(ctx context.Context) error {
	if !s.state.Transient() {
		return nil
	}

	s.log.Warn().
		Stringer("state", s.state).
		Str("address", s.target.String()).
		Msg("Timed out")

	state := s.state
	s.next = bluetooth.NilMacAddress
	s.transition(Idle)

	if state == Scanning {
		if _, err := s.channel.Send(ctx, bluetooth.ScanOff()); err != nil {
			return s.failure(err, "Cannot stop discovery")
		}
	}

	return nil
}

// Rebind attaches a new control channel after the previous one died.
// The relay is stopped and the session returns to idle.
func (s *Session) Rebind(channel bluetooth.ControlChannel) {
	s.stopRelay()
	s.next = bluetooth.NilMacAddress
	s.channel = channel

	if s.state != Idle {
		s.transition(Idle)
	}
}

// Shutdown stops the relay and closes the control channel.
func (s *Session) Shutdown() error {
	s.stopRelay()
	s.next = bluetooth.NilMacAddress

	if s.state != Idle {
		s.transition(Idle)
	}

	err := s.channel.Close()
	eventbus.Publish(bluetooth.ShutdownEvent, s.target)

	s.log.Info().Msg("Session shut down")

	return err
}

func (s *Session) pair(ctx context.Context, address bluetooth.MacAddress) error {
	if _, err := s.channel.Send(ctx, bluetooth.ScanOff()); err != nil {
		if err := s.failure(err, "Cannot stop discovery"); err != nil {
			return err
		}
	}

	s.target = address

	if _, err := s.channel.Send(ctx, bluetooth.Pair(address)); err != nil {
		s.transition(Idle)
		return s.failure(err, "Cannot pair device")
	}

	s.transition(Pairing)

	return nil
}

func (s *Session) connect(ctx context.Context, address bluetooth.MacAddress) error {
	if _, err := s.channel.Send(ctx, bluetooth.Connect(address)); err != nil {
		return s.failure(err, "Cannot connect device")
	}

	s.target = address
	s.transition(Connecting)

	return nil
}

// disconnect leaves the connection; next is connected afterwards when set.
func (s *Session) disconnect(ctx context.Context, next bluetooth.MacAddress) error {
	if _, err := s.channel.Send(ctx, bluetooth.Disconnect(s.target)); err != nil {
		return s.failure(err, "Cannot disconnect device")
	}

	s.stopRelay()
	s.next = next
	s.transition(Disconnecting)

	return nil
}

func (s *Session) startRelay(ctx context.Context) error {
	handle, err := s.relay.Start(s.target)
	if err != nil {
		s.log.Error().Err(err).Str("address", s.target.String()).Msg("Cannot start audio relay")

		if s.state != Idle {
			s.transition(Idle)
		}

		if _, err := s.channel.Send(ctx, bluetooth.Disconnect(s.target)); err != nil {
			return s.failure(err, "Cannot disconnect device")
		}

		return nil
	}

	s.relayHandle = handle
	s.previous = s.target
	s.paused = false

	s.store.UpdateDevice(s.target, func(d *bluetooth.DeviceData) {
		d.LastSeen = time.Now()
	})

	s.transition(Connected)

	return nil
}

func (s *Session) stopRelay() {
	if s.relayHandle.IsZero() {
		return
	}

	s.relay.Stop(s.relayHandle)
	s.relayHandle = relay.Handle{}
}

// record merges the event into the device registry and returns the merged entry.
func (s *Session) record(ev bluetooth.ControlEvent) bluetooth.DeviceData {
	now := s.now()

	return s.store.UpdateDevice(ev.Address(), func(d *bluetooth.DeviceData) {
		switch ev.Kind {
		case bluetooth.DeviceFound:
			d.Discovered = true
			d.LastSeen = now

			if ev.Device.Name != "" {
				d.Name = ev.Device.Name
			}
			for _, u := range ev.Device.UUIDs {
				if !slices.Contains(d.UUIDs, u) {
					d.UUIDs = append(d.UUIDs, u)
				}
			}
			if ev.Device.Paired {
				d.Paired = true
			}

		case bluetooth.DeviceConnected:
			d.Connected = true
			d.LastSeen = now

		case bluetooth.DeviceDisconnected:
			d.Connected = false

		case bluetooth.PairingComplete:
			if ev.Success {
				d.Paired = true
			}
		}
	})
}

// matchesTarget reports whether a discovered device may be paired. A device
// that has not reported its services yet is held back for ServiceWait after
// its first sighting, unless it is the configured target.
func (s *Session) matchesTarget(device bluetooth.DeviceData) bool {
	if device.Paired {
		return false
	}

	if !s.cfg.TargetAddress.IsNil() {
		return s.cfg.TargetAddress.Equal(device.Address) && device.IsAudioSource()
	}

	if len(device.UUIDs) > 0 {
		return device.IsAudioSource()
	}

	if s.sightings == nil {
		s.sightings = make(map[bluetooth.MacAddress]time.Time)
	}

	first, ok := s.sightings[device.Address]
	if !ok {
		first = s.now()
		s.sightings[device.Address] = first
	}

	return s.now().Sub(first) >= s.cfg.ServiceWait
}

func (s *Session) preferred() []bluetooth.MacAddress {
	return []bluetooth.MacAddress{s.cfg.TargetAddress, s.previous}
}

func (s *Session) transition(to State) {
	from := s.state
	s.state = to

	if s.timer != nil {
		s.timer.Stop()
		s.timer, s.timeoutC = nil, nil
	}

	if d := to.timeout(s.cfg); d > 0 {
		s.timer = time.NewTimer(d)
		s.timeoutC = s.timer.C
	}

	s.log.Info().
		Stringer("from", from).
		Stringer("to", to).
		Str("address", s.target.String()).
		Msg("State changed")

	eventbus.Publish(bluetooth.StateChangedEvent, bluetooth.StateChange{
		From:    from.String(),
		To:      to.String(),
		Address: s.target,
	})
}

// failure logs err. Only a closed channel is passed back to the caller,
// every other failure is recovered by the session.
func (s *Session) failure(err error, msg string) error {
	if errors.Is(err, errorkinds.ErrChannelClosed) {
		s.log.Error().Err(err).Msg(msg)
		return err
	}

	s.log.Warn().Err(err).Msg(msg)

	return nil
}
