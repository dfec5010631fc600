// Package indicator shows the session state on the status LED.
package indicator

import (
	"context"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/eventbus"
	"github.com/bluetuith-org/audio-bridge/session"
	"github.com/rs/zerolog"
)

// Indicator follows the notifications on the event bus.
type Indicator struct {
	led *LED
	log zerolog.Logger
}

// New returns an indicator driving led.
func New(led *LED, log zerolog.Logger) *Indicator {
	return &Indicator{led: led, log: log}
}

// PatternFor returns the pattern shown while the session is in state.
func PatternFor(state string) Pattern {
	switch state {
	case session.Connected.String():
		return PatternOn

	case session.Scanning.String(),
		session.Pairing.String(),
		session.Connecting.String(),
		session.Disconnecting.String():
		return PatternBusy
	}

	return PatternOff
}

// Run shows notifications until ctx is done. The last pattern stays on
// the LED afterwards.
func (i *Indicator) Run(ctx context.Context) {
	states := eventbus.Subscribe(bluetooth.StateChangedEvent)
	shutdown := eventbus.Subscribe(bluetooth.ShutdownEvent)
	fatal := eventbus.Subscribe(bluetooth.FatalErrorEvent)

	defer func() {
		states.Unsubscribe()
		shutdown.Unsubscribe()
		fatal.Unsubscribe()
	}()

	i.show(PatternOff)

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-states.C:
			if !ok {
				return
			}

			if change, ok := data.(bluetooth.StateChange); ok {
				i.show(PatternFor(change.To))
			}

		case _, ok := <-shutdown.C:
			if !ok {
				return
			}

			i.show(PatternShutdown)

		case _, ok := <-fatal.C:
			if !ok {
				return
			}

			i.show(PatternFailure)
		}
	}
}

func (i *Indicator) show(p Pattern) {
	if err := i.led.Apply(p); err != nil {
		i.log.Warn().Err(err).Msg("Cannot set indicator LED")
	}
}
