// Package shim implements the control channel on top of a long-lived
// bluetoothctl process.
package shim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/internal/eventqueue"
	"github.com/bluetuith-org/audio-bridge/shim/internal/commands"
	"github.com/bluetuith-org/audio-bridge/shim/internal/events"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// ShimStopTimeout bounds the wait for bluetoothctl to exit after its input is closed.
const ShimStopTimeout = 2 * time.Second

// ShimSession is a control channel backed by a bluetoothctl process.
type ShimSession struct {
	cfg config.Configuration
	log zerolog.Logger

	stdin io.WriteCloser
	stop  func() error

	queue *eventqueue.Queue

	id      *xsync.Counter
	pending atomic.Pointer[request]
	sendMu  sync.Mutex

	sessionClosed atomic.Bool
	listenerDone  chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

// request is the command awaiting its response.
type request struct {
	id  int64
	exp *commands.Expectation

	mu       sync.Mutex
	lines    []string
	activity chan struct{}
	result   chan error
}

var _ bluetooth.ControlChannel = (*ShimSession)(nil)

// Start launches bluetoothctl and prepares the adapter for pairing.
func Start(ctx context.Context, cfg config.Configuration, log zerolog.Logger) (*ShimSession, error) {
	if len(cfg.ControlCommand) == 0 {
		return nil, fault.Wrap(errorkinds.ErrInvalidConfig, fmsg.With("No control command configured"))
	}

	procCtx, cancel := context.WithCancel(context.Background())

	session := exec.CommandContext(procCtx, cfg.ControlCommand[0], cfg.ControlCommand[1:]...)
	session.Stderr = log.With().Str("stream", "stderr").Logger()

	stdin, err := session.StdinPipe()
	if err != nil {
		cancel()
		return nil, startError(err, "stdin-pipe")
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		cancel()
		return nil, startError(err, "stdout-pipe")
	}

	if err := session.Start(); err != nil {
		cancel()
		return nil, startError(err, "start-bluetoothctl")
	}

	stop := func() error {
		stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- session.Wait() }()

		select {
		case err := <-exited:
			cancel()
			return err

		case <-time.After(ShimStopTimeout):
			cancel()
			return <-exited
		}
	}

	s := newShimSession(cfg, log, stdin, stdout, stop)
	if err := s.prepare(ctx); err != nil {
		s.Close()
		return nil, err
	}

	log.Info().Int("pid", session.Process.Pid).Msg("bluetoothctl session started")

	return s, nil
}

func newShimSession(cfg config.Configuration, log zerolog.Logger, stdin io.WriteCloser, stdout io.Reader, stop func() error) *ShimSession {
	s := &ShimSession{
		cfg:          cfg,
		log:          log,
		stdin:        stdin,
		stop:         stop,
		queue:        eventqueue.New(),
		id:           xsync.NewCounter(),
		listenerDone: make(chan struct{}),
	}

	go s.listenForEvents(stdout)

	return s
}

// prepare powers the adapter and registers bluetoothctl's own pairing agent.
// Only a dead channel is fatal here; the other failures are logged.
func (s *ShimSession) prepare(ctx context.Context) error {
	for _, cmd := range []bluetooth.Command{
		bluetooth.SetPowered(true),
		bluetooth.RegisterAgent(),
		bluetooth.RequestDefaultAgent(),
		bluetooth.SetPairable(true),
		bluetooth.SetDiscoverable(true),
	} {
		if _, err := s.Send(ctx, cmd); err != nil {
			if errors.Is(err, errorkinds.ErrChannelClosed) {
				return err
			}

			s.log.Warn().Err(err).Str("command", cmd.String()).Msg("Adapter preparation command failed")
		}
	}

	return nil
}

// Send writes cmd to bluetoothctl and waits for its response.
func (s *ShimSession) Send(ctx context.Context, cmd bluetooth.Command) (bluetooth.Response, error) {
	response := bluetooth.Response{Command: cmd}

	exp, err := commands.For(cmd)
	if err != nil {
		return response, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sessionClosed.Load() {
		return response, closedError(cmd)
	}

	s.id.Inc()
	req := &request{
		id:       s.id.Value(),
		exp:      exp,
		activity: make(chan struct{}, 1),
		result:   make(chan error, 1),
	}
	s.pending.Store(req)
	defer s.pending.Store(nil)

	s.log.Debug().Int64("request_id", req.id).Str("command", exp.Text).Msg("Sending command")

	if _, err := io.WriteString(s.stdin, exp.Text+"\n"); err != nil {
		return response, fault.Wrap(errorkinds.ErrChannelClosed,
			fctx.With(ctx, "command", cmd.String()),
			fmsg.With("Cannot write to bluetoothctl: "+err.Error()),
		)
	}

	timeout := time.NewTimer(s.cfg.CommandTimeout)
	defer timeout.Stop()

	if exp.IsList() {
		settle := time.NewTimer(s.cfg.ListSettle)
		defer settle.Stop()

		for {
			select {
			case <-req.activity:
				if !settle.Stop() {
					<-settle.C
				}
				settle.Reset(s.cfg.ListSettle)

			case <-settle.C:
				response.Lines = req.collected()
				for _, line := range response.Lines {
					if d, ok := commands.ParseDeviceEntry(line); ok {
						d.Paired = cmd.Name == bluetooth.CommandPairedDevices
						response.Devices = append(response.Devices, d)
					}
				}

				return response, nil

			case err := <-req.result:
				response.Lines = req.collected()
				return response, err

			case <-timeout.C:
				return response, timeoutError(ctx, cmd)

			case <-ctx.Done():
				return response, fault.Wrap(ctx.Err(), fctx.With(ctx, "command", cmd.String()))

			case <-s.listenerDone:
				return response, closedError(cmd)
			}
		}
	}

	select {
	case err := <-req.result:
		response.Lines = req.collected()
		if err == nil && cmd.Name == bluetooth.CommandPlayerStatus {
			response.Playback = commands.ParsePlayerStatus(response.Lines)
		}

		return response, err

	case <-timeout.C:
		return response, timeoutError(ctx, cmd)

	case <-ctx.Done():
		return response, fault.Wrap(ctx.Err(), fctx.With(ctx, "command", cmd.String()))

	case <-s.listenerDone:
		return response, closedError(cmd)
	}
}

// Events returns the notification stream.
func (s *ShimSession) Events() <-chan bluetooth.ControlEvent {
	return s.queue.Out()
}

// Close stops bluetoothctl and waits for the listener to finish.
func (s *ShimSession) Close() error {
	s.closeOnce.Do(func() {
		s.sessionClosed.Store(true)
		s.closeErr = s.stop()
		<-s.listenerDone
		s.queue.Shutdown()

		s.log.Info().Msg("bluetoothctl session closed")
	})

	return s.closeErr
}

func (s *ShimSession) listenForEvents(stdout io.Reader) {
	defer func() {
		s.sessionClosed.Store(true)
		close(s.listenerDone)
		s.queue.Close()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanLines)

	for scanner.Scan() {
		line := events.Clean(scanner.Text())
		if line == "" {
			continue
		}

		s.log.Trace().Str("line", line).Msg("bluetoothctl output")

		if events.IsNotification(line) {
			if ev, ok := events.Parse(line); ok {
				s.queue.Push(ev)
			}

			continue
		}

		req := s.pending.Load()
		if req == nil {
			continue
		}

		switch req.exp.Match(line) {
		case commands.OutcomeEntry:
			req.append(line)
			select {
			case req.activity <- struct{}{}:
			default:
			}

		case commands.OutcomeSuccess:
			req.append(line)
			req.complete(nil)

		case commands.OutcomeFailure:
			req.append(line)
			req.complete(fault.Wrap(errorkinds.NewProtocolError(line),
				fctx.With(context.Background(), "command", req.exp.Text),
				ftag.With(ftag.Internal),
			))
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Error().Err(err).Msg("bluetoothctl output read failed")
	}
}

func (r *request) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
}

func (r *request) collected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.lines...)
}

func (r *request) complete(err error) {
	select {
	case r.result <- err:
	default:
	}
}

// scanLines splits on either line terminator; bluetoothctl redraws its
// prompt with bare carriage returns.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}

func startError(err error, at string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.With("Cannot start bluetoothctl session"),
	)
}

func closedError(cmd bluetooth.Command) error {
	return fault.Wrap(errorkinds.ErrChannelClosed,
		fctx.With(context.Background(), "command", cmd.String()),
	)
}

func timeoutError(ctx context.Context, cmd bluetooth.Command) error {
	return fault.Wrap(errorkinds.ErrTimeout,
		fctx.With(ctx, "command", cmd.String()),
	)
}
