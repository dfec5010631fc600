package relay

import (
	"context"
	"os"
	"os/exec"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/rs/zerolog"
)

// Process is a running relay.
type Process interface {
	Pid() int
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner creates relay processes.
type Spawner interface {
	Spawn(address bluetooth.MacAddress) (Process, error)
}

// CommandSpawner runs Command with the device address appended as the last argument.
type CommandSpawner struct {
	Command []string
	Log     zerolog.Logger
}

type commandProcess struct {
	cmd *exec.Cmd
}

// Spawn starts the relay command for address.
func (c CommandSpawner) Spawn(address bluetooth.MacAddress) (Process, error) {
	if len(c.Command) == 0 {
		return nil, fault.Wrap(errorkinds.ErrSpawnFailed, fmsg.With("No relay command configured"))
	}

	args := append(append([]string(nil), c.Command[1:]...), address.String())

	cmd := exec.Command(c.Command[0], args...)
	cmd.Stdout = c.Log.With().Str("stream", "stdout").Logger()
	cmd.Stderr = c.Log.With().Str("stream", "stderr").Logger()

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(errorkinds.ErrSpawnFailed,
			fctx.With(context.Background(), "address", address.String(), "command", c.Command[0]),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot start audio relay: "+err.Error()),
		)
	}

	return &commandProcess{cmd: cmd}, nil
}

func (p *commandProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *commandProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *commandProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *commandProcess) Kill() error {
	return p.cmd.Process.Kill()
}
