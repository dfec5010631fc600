package controller

import (
	"context"
	"os/exec"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/rs/zerolog"
)

// PowerController powers off or reboots the host.
type PowerController interface {
	PowerOff(ctx context.Context) error
	Reboot(ctx context.Context) error
}

// CommandPower runs the configured host commands.
type CommandPower struct {
	PowerOffCommand []string
	RebootCommand   []string
	Log             zerolog.Logger
}

// PowerOff runs the power-off command.
func (p CommandPower) PowerOff(ctx context.Context) error {
	return p.run(ctx, "power-off", p.PowerOffCommand)
}

// Reboot runs the reboot command.
func (p CommandPower) Reboot(ctx context.Context) error {
	return p.run(ctx, "reboot", p.RebootCommand)
}

func (p CommandPower) run(ctx context.Context, action string, command []string) error {
	if len(command) == 0 {
		return fault.Wrap(errorkinds.ErrNotSupported,
			fctx.With(ctx, "action", action),
			fmsg.With("No "+action+" command configured"),
		)
	}

	p.Log.Info().Str("action", action).Strs("command", command).Msg("Running host command")

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = p.Log.With().Str("stream", "stdout").Logger()
	cmd.Stderr = p.Log.With().Str("stream", "stderr").Logger()

	if err := cmd.Run(); err != nil {
		return fault.Wrap(err,
			fctx.With(ctx, "action", action),
			ftag.With(ftag.Internal),
			fmsg.With("Host "+action+" command failed"),
		)
	}

	return nil
}
