// Package relay supervises the audio relay process that moves the audio
// stream of a connected source to the local output.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Handle refers to one relay process. A handle is stale once its
// process has exited or was stopped.
type Handle struct {
	ID      int64
	Address bluetooth.MacAddress
	Pid     int
}

// IsZero reports whether the handle refers to no process.
func (h Handle) IsZero() bool {
	return h.ID == 0
}

// Exit reports a relay process that terminated without being stopped.
type Exit struct {
	Handle Handle
	Err    error
}

// Relay is the relay supervision surface used by the session.
type Relay interface {
	Start(address bluetooth.MacAddress) (Handle, error)
	Stop(h Handle)
	IsAlive(h Handle) bool
}

// Supervisor runs at most one relay process at a time.
type Supervisor struct {
	spawner Spawner
	grace   time.Duration
	log     zerolog.Logger

	ids *xsync.Counter

	mu      sync.Mutex
	current *child

	exits  chan Exit
	closed chan struct{}
	once   sync.Once
}

type child struct {
	handle Handle
	proc   Process

	stopping atomic.Bool
	done     chan struct{}
	err      error
}

var _ Relay = (*Supervisor)(nil)

// NewSupervisor returns a supervisor that creates processes with spawner
// and allows them grace to exit after SIGTERM.
func NewSupervisor(spawner Spawner, grace time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		spawner: spawner,
		grace:   grace,
		log:     log,
		ids:     xsync.NewCounter(),
		exits:   make(chan Exit, 4),
		closed:  make(chan struct{}),
	}
}

// Start runs the relay for address. If a relay for the same address is
// alive its handle is returned; a relay for another address is stopped first.
func (s *Supervisor) Start(address bluetooth.MacAddress) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.current; c != nil {
		if c.handle.Address.Equal(address) && c.alive() {
			return c.handle, nil
		}

		s.current = nil
		s.terminate(c)
	}

	proc, err := s.spawner.Spawn(address)
	if err != nil {
		return Handle{}, fault.Wrap(err, fctx.With(context.Background(), "address", address.String()))
	}

	s.ids.Inc()
	c := &child{
		handle: Handle{ID: s.ids.Value(), Address: address, Pid: proc.Pid()},
		proc:   proc,
		done:   make(chan struct{}),
	}
	s.current = c

	go s.wait(c)

	s.log.Info().
		Str("address", address.String()).
		Int("pid", c.handle.Pid).
		Msg("Audio relay started")

	return c.handle, nil
}

// Stop terminates the process behind h. Stale handles are ignored.
func (s *Supervisor) Stop(h Handle) {
	s.mu.Lock()
	c := s.current
	if c == nil || c.handle.ID != h.ID {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	s.terminate(c)
}

// IsAlive reports whether the process behind h is still running.
func (s *Supervisor) IsAlive(h Handle) bool {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()

	if c == nil || c.handle.ID != h.ID || !c.alive() {
		return false
	}

	exists, err := process.PidExists(int32(c.handle.Pid))
	if err != nil {
		s.log.Debug().Err(err).Int("pid", c.handle.Pid).Msg("Cannot probe relay process")
		return true
	}

	return exists
}

// Exits returns the stream of unexpected relay exits.
func (s *Supervisor) Exits() <-chan Exit {
	return s.exits
}

// Close stops any running relay. Exits are no longer reported afterwards.
func (s *Supervisor) Close() {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()

	if c != nil {
		s.terminate(c)
	}

	s.once.Do(func() { close(s.closed) })
}

func (s *Supervisor) terminate(c *child) {
	c.stopping.Store(true)

	if err := c.proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug().Err(err).Int("pid", c.handle.Pid).Msg("Cannot signal relay")
	}

	select {
	case <-c.done:
	case <-time.After(s.grace):
		s.log.Warn().Int("pid", c.handle.Pid).Msg("Audio relay did not exit, killing")

		if err := c.proc.Kill(); err != nil {
			s.log.Debug().Err(err).Int("pid", c.handle.Pid).Msg("Cannot kill relay")
		}

		<-c.done
	}

	s.log.Info().
		Str("address", c.handle.Address.String()).
		Int("pid", c.handle.Pid).
		Msg("Audio relay stopped")
}

func (s *Supervisor) wait(c *child) {
	c.err = c.proc.Wait()
	close(c.done)

	if c.stopping.Load() {
		return
	}

	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()

	reason := "exited"
	if c.err != nil {
		reason = c.err.Error()
	}

	s.log.Warn().
		Str("address", c.handle.Address.String()).
		Int("pid", c.handle.Pid).
		Str("reason", reason).
		Msg("Audio relay exited unexpectedly")

	exit := Exit{
		Handle: c.handle,
		Err: fault.Wrap(errorkinds.ErrUnexpectedExit,
			fctx.With(context.Background(), "address", c.handle.Address.String()),
			fmsg.With("Audio relay "+reason),
		),
	}

	select {
	case s.exits <- exit:
	case <-s.closed:
	}
}

func (c *child) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
