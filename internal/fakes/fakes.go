// Package fakes provides in-memory stand-ins for the control channel and
// the relay, recording every call in order.
package fakes

import (
	"context"
	"sync"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/relay"
)

// Recorder is an ordered call log shared between fakes.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

// Add appends a call.
func (r *Recorder) Add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, call)
}

// Calls returns the calls recorded so far.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = nil
}

// Channel is a control channel whose responses are scripted per command.
type Channel struct {
	Recorder *Recorder

	// Devices is returned for the paired-devices command.
	Devices []bluetooth.DeviceData

	// Playback is returned for the player-status command. When unknown
	// the command fails as if no player were available.
	Playback bluetooth.PlaybackStatus

	mu       sync.Mutex
	failures map[string]error
	closed   bool
	sent     []string

	events chan bluetooth.ControlEvent
	once   sync.Once
}

var _ bluetooth.ControlChannel = (*Channel)(nil)

// NewChannel returns a channel recording into rec.
func NewChannel(rec *Recorder) *Channel {
	return &Channel{
		Recorder: rec,
		failures: make(map[string]error),
		events:   make(chan bluetooth.ControlEvent, 64),
	}
}

// Fail makes every following command with the given text fail with err.
// A nil err clears the failure.
func (c *Channel) Fail(command string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.failures, command)
		return
	}

	c.failures[command] = err
}

// Emit queues a notification on the event stream.
func (c *Channel) Emit(ev bluetooth.ControlEvent) {
	c.events <- ev
}

// Kill closes the event stream and fails every further command, as if the
// Bluetooth service died.
func (c *Channel) Kill() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.once.Do(func() { close(c.events) })
}

// Commands returns the text of the commands sent on this channel, in order.
func (c *Channel) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.sent...)
}

func (c *Channel) Send(_ context.Context, cmd bluetooth.Command) (bluetooth.Response, error) {
	c.Recorder.Add("send " + cmd.String())

	c.mu.Lock()
	c.sent = append(c.sent, cmd.String())
	closed := c.closed
	err := c.failures[cmd.String()]
	c.mu.Unlock()

	if closed {
		return bluetooth.Response{Command: cmd}, errorkinds.ErrChannelClosed
	}
	if err != nil {
		return bluetooth.Response{Command: cmd}, err
	}

	response := bluetooth.Response{Command: cmd}
	switch cmd.Name {
	case bluetooth.CommandPairedDevices:
		response.Devices = c.Devices

	case bluetooth.CommandPlayerStatus:
		if c.Playback == bluetooth.PlaybackUnknown {
			return response, errorkinds.ErrNoDevice
		}

		response.Playback = c.Playback
	}

	return response, nil
}

func (c *Channel) Events() <-chan bluetooth.ControlEvent {
	return c.events
}

func (c *Channel) Close() error {
	c.Recorder.Add("channel close")
	c.Kill()

	return nil
}

// Relay is a relay supervisor without processes.
type Relay struct {
	Recorder *Recorder

	// Err is returned by Start when set.
	Err error

	mu      sync.Mutex
	nextID  int64
	running map[int64]relay.Handle
}

var _ relay.Relay = (*Relay)(nil)

// NewRelay returns a relay recording into rec.
func NewRelay(rec *Recorder) *Relay {
	return &Relay{Recorder: rec, running: make(map[int64]relay.Handle)}
}

func (r *Relay) Start(address bluetooth.MacAddress) (relay.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		r.Recorder.Add("relay start failed " + address.String())
		return relay.Handle{}, r.Err
	}

	for _, h := range r.running {
		if h.Address.Equal(address) {
			return h, nil
		}

		delete(r.running, h.ID)
		r.Recorder.Add("relay stop " + h.Address.String())
	}

	r.nextID++
	h := relay.Handle{ID: r.nextID, Address: address, Pid: 1000 + int(r.nextID)}
	r.running[h.ID] = h
	r.Recorder.Add("relay start " + address.String())

	return h, nil
}

func (r *Relay) Stop(h relay.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[h.ID]; !ok {
		return
	}

	delete(r.running, h.ID)
	r.Recorder.Add("relay stop " + h.Address.String())
}

func (r *Relay) IsAlive(h relay.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.running[h.ID]

	return ok
}

// Running returns the number of live relays.
func (r *Relay) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.running)
}

// Crash ends h as if the process exited on its own.
func (r *Relay) Crash(h relay.Handle) relay.Exit {
	r.mu.Lock()
	delete(r.running, h.ID)
	r.mu.Unlock()

	return relay.Exit{Handle: h, Err: errorkinds.ErrUnexpectedExit}
}
