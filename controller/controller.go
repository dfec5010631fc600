// Package controller runs the coordination loop of the bridge. It is the
// only caller of the session: button events, control channel notifications,
// relay exits and session timeouts are all consumed here, one at a time.
package controller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/api/eventbus"
	"github.com/bluetuith-org/audio-bridge/relay"
	"github.com/bluetuith-org/audio-bridge/session"
	"github.com/rs/zerolog"
)

// Dialer opens a control channel.
type Dialer func(ctx context.Context) (bluetooth.ControlChannel, error)

// Controller dispatches events to the session.
type Controller struct {
	cfg config.Configuration
	log zerolog.Logger

	session *session.Session
	channel bluetooth.ControlChannel
	dial    Dialer
	power   PowerController

	buttons <-chan bluetooth.ButtonEvent
	exits   <-chan relay.Exit
}

// New returns a controller for s. The control channel is opened by Run.
func New(
	cfg config.Configuration,
	s *session.Session,
	dial Dialer,
	buttons <-chan bluetooth.ButtonEvent,
	exits <-chan relay.Exit,
	power PowerController,
	log zerolog.Logger,
) *Controller {
	return &Controller{
		cfg:     cfg,
		log:     log,
		session: s,
		dial:    dial,
		power:   power,
		buttons: buttons,
		exits:   exits,
	}
}

// Run opens the control channel and dispatches events until the shutdown
// action is taken or ctx is done, which both return nil. An error is
// returned when the control channel cannot be opened or recovered.
func (c *Controller) Run(ctx context.Context) error {
	channel, err := c.dial(ctx)
	if err != nil {
		return c.fail(ctx, fault.Wrap(err, fmsg.With("Cannot open control channel")))
	}

	c.bind(channel)

	if err := c.recover(ctx, c.start(ctx)); err != nil {
		return c.stopped(ctx, err)
	}

	for {
		var err error

		select {
		case <-ctx.Done():
			c.log.Info().Msg("Stopping")
			c.release()

			return nil

		case ev, ok := <-c.buttons:
			if !ok {
				c.log.Warn().Msg("Button source closed")
				c.buttons = nil

				continue
			}

			var shutdown bool
			if shutdown, err = c.handleButton(ctx, ev); shutdown {
				return nil
			}

		case ev, ok := <-c.channel.Events():
			if !ok {
				err = fault.Wrap(errorkinds.ErrChannelClosed, fmsg.With("Control channel event stream ended"))
				break
			}

			c.log.Debug().Stringer("event", ev.Kind).Str("address", ev.Address().String()).Msg("Control event")
			err = c.session.HandleEvent(ctx, ev)

		case exit := <-c.exits:
			err = c.session.HandleRelayExit(ctx, exit)

		case <-c.session.Timeout():
			err = c.session.HandleTimeout(ctx)
		}

		if err := c.recover(ctx, err); err != nil {
			return c.stopped(ctx, err)
		}
	}
}

// stopped hides the error of a recovery interrupted by ctx.
func (c *Controller) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}

	return err
}

// start loads the paired devices and connects to the best known one.
func (c *Controller) start(ctx context.Context) error {
	if err := c.session.LoadPairedDevices(ctx); err != nil {
		return err
	}

	if !c.cfg.Autoconnect {
		return nil
	}

	return c.session.Connect(ctx)
}

func (c *Controller) handleButton(ctx context.Context, ev bluetooth.ButtonEvent) (bool, error) {
	action := ActionFor(ev)

	c.log.Debug().
		Int("button", int(ev.ID)).
		Stringer("kind", ev.Kind).
		Stringer("action", action).
		Msg("Button event")

	switch action {
	case ActionPrevious:
		return false, c.session.MediaKey(ctx, bluetooth.MediaPrevious)

	case ActionNext:
		return false, c.session.MediaKey(ctx, bluetooth.MediaNext)

	case ActionPlayPause:
		return false, c.session.TogglePlayPause(ctx)

	case ActionPair:
		return false, c.session.Pair(ctx)

	case ActionConnect:
		return false, c.session.Connect(ctx)

	case ActionShutdown:
		c.log.Info().Msg("Shutdown requested")
		c.release()

		if err := c.power.PowerOff(ctx); err != nil {
			c.log.Error().Err(err).Msg("Cannot power off")
		}

		return true, nil
	}

	return false, nil
}

// recover redials a dead control channel. Other errors were already
// handled by the session and are only logged. The channel is released
// when recovery fails or ctx is done.
func (c *Controller) recover(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if !errors.Is(err, errorkinds.ErrChannelClosed) {
		c.log.Warn().Err(err).Msg("Event handling failed")
		return nil
	}

	c.log.Error().Err(err).Msg("Control channel lost")

	if err := c.channel.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Closing the lost control channel failed")
	}

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.release()
			return ctx.Err()

		case <-time.After(c.cfg.ReconnectDelay):
		}

		channel, err := c.dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}

		c.log.Info().Int("attempt", attempt).Msg("Control channel reopened")
		c.bind(channel)

		if err := c.start(ctx); errors.Is(err, errorkinds.ErrChannelClosed) {
			channel.Close()
			continue
		}

		return nil
	}

	return c.fail(ctx, fault.Wrap(errorkinds.ErrChannelClosed,
		fctx.With(ctx, "attempts", strconv.Itoa(c.cfg.ReconnectAttempts)),
		fmsg.With("Control channel could not be reopened"),
	))
}

func (c *Controller) bind(channel bluetooth.ControlChannel) {
	c.channel = channel
	c.session.Rebind(channel)
}

// release stops the relay and closes the control channel.
func (c *Controller) release() {
	if err := c.session.Shutdown(); err != nil {
		c.log.Debug().Err(err).Msg("Control channel close failed")
	}
}

// fail gives up on the control channel, rebooting the host when configured.
func (c *Controller) fail(ctx context.Context, err error) error {
	c.log.Error().Err(err).Msg("Unrecoverable control channel failure")
	eventbus.Publish(bluetooth.FatalErrorEvent, err)

	if c.channel != nil {
		c.release()
	}

	if c.cfg.RebootOnFailure {
		if err := c.power.Reboot(ctx); err != nil {
			c.log.Error().Err(err).Msg("Cannot reboot")
		}
	}

	return err
}
