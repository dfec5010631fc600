package commands

import (
	"regexp"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
)

var (
	deviceEntryRe  = regexp.MustCompile(`^Device (` + bluetooth.AddressPattern.String() + `)(?: (.*))?$`)
	playerStatusRe = regexp.MustCompile(`^Status: (\S+)`)
)

// For returns the bluetoothctl form of cmd and the markers of its response.
// Malformed commands are rejected before anything is written.
func For(cmd bluetooth.Command) (*Expectation, error) {
	if _, err := bluetooth.ParseCommand(cmd.String()); err != nil {
		return nil, err
	}

	e := &Expectation{Command: cmd, Text: cmd.String()}
	state := bluetooth.StateArgumentValue(cmd.State)

	switch cmd.Name {
	case bluetooth.CommandScan:
		if cmd.State {
			e.Success = []string{"Discovery started"}
			e.Failure = []string{"Failed to start discovery"}
		} else {
			e.Success = []string{"Discovery stopped"}
			e.Failure = []string{"Failed to stop discovery"}
		}

	case bluetooth.CommandPair:
		e.Success = []string{"Pairing successful"}
		e.Failure = []string{"Failed to pair"}

	case bluetooth.CommandTrust:
		e.Success = []string{"trust succeeded"}
		e.Failure = []string{"Failed to set trusted"}

	case bluetooth.CommandConnect:
		e.Success = []string{"Connection successful"}
		e.Failure = []string{"Failed to connect"}

	case bluetooth.CommandDisconnect:
		e.Success = []string{"Successful disconnected"}
		e.Failure = []string{"Failed to disconnect"}

	case bluetooth.CommandMediaKey:
		verb := mediaVerb(cmd.Key)
		e.Text = "player." + string(cmd.Key)
		e.Success = []string{verb + " successful"}
		e.Failure = []string{"Failed to " + string(cmd.Key), "No default player available"}

	case bluetooth.CommandPairedDevices:
		e.Text = "devices Paired"
		e.Entries = deviceEntryRe

	case bluetooth.CommandPlayerStatus:
		e.Text = "player.show"
		e.Success = []string{"Status: "}
		e.Failure = []string{"No default player available"}

	case bluetooth.CommandPower, bluetooth.CommandPairable, bluetooth.CommandDiscoverable:
		e.Success = []string{"Changing " + string(cmd.Name) + " " + state + " succeeded"}
		e.Failure = []string{"Failed to set " + string(cmd.Name)}

	case bluetooth.CommandAgent:
		e.Success = []string{"Agent registered", "Agent is already registered", "Agent unregistered"}
		e.Failure = []string{"Failed to register agent", "Failed to unregister agent"}

	case bluetooth.CommandDefaultAgent:
		e.Success = []string{"Default agent request successful"}
		e.Failure = []string{"No agent is registered", "Failed to request default agent"}

	default:
		return nil, fault.Wrap(errorkinds.ErrNotSupported, fmsg.With("bluetoothctl has no form of '"+cmd.String()+"'"))
	}

	return e, nil
}

// ParseDeviceEntry parses a "Device <address> <name>" list line.
func ParseDeviceEntry(line string) (bluetooth.DeviceData, bool) {
	m := deviceEntryRe.FindStringSubmatch(line)
	if m == nil {
		return bluetooth.DeviceData{}, false
	}

	address, err := bluetooth.ParseMacAddress(m[1])
	if err != nil {
		return bluetooth.DeviceData{}, false
	}

	return bluetooth.DeviceData{Address: address, Name: m[2]}, true
}

// ParsePlayerStatus returns the playback status from "player.show" output.
func ParsePlayerStatus(lines []string) bluetooth.PlaybackStatus {
	for _, line := range lines {
		if m := playerStatusRe.FindStringSubmatch(line); m != nil {
			return bluetooth.ParsePlaybackStatus(m[1])
		}
	}

	return bluetooth.PlaybackUnknown
}

func mediaVerb(key bluetooth.MediaKey) string {
	if key == "" {
		return ""
	}

	return strings.ToUpper(string(key[:1])) + string(key[1:])
}
