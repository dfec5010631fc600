package bluetooth

import (
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
)

// CommandName identifies a control channel command.
type CommandName string

const (
	CommandScan          CommandName = "scan"
	CommandPair          CommandName = "pair"
	CommandTrust         CommandName = "trust"
	CommandConnect       CommandName = "connect"
	CommandDisconnect    CommandName = "disconnect"
	CommandMediaKey      CommandName = "media-key"
	CommandPairedDevices CommandName = "paired-devices"
	CommandPlayerStatus  CommandName = "player-status"

	// Preparation commands, issued by backends when the channel is opened.
	CommandPower        CommandName = "power"
	CommandAgent        CommandName = "agent"
	CommandDefaultAgent CommandName = "default-agent"
	CommandPairable     CommandName = "pairable"
	CommandDiscoverable CommandName = "discoverable"
)

// MediaKey is a playback control forwarded to the connected source.
type MediaKey string

const (
	MediaPlay     MediaKey = "play"
	MediaPause    MediaKey = "pause"
	MediaNext     MediaKey = "next"
	MediaPrevious MediaKey = "previous"
)

// PlaybackStatus is the state reported by the connected source's media player.
type PlaybackStatus string

const (
	PlaybackUnknown PlaybackStatus = ""
	PlaybackPlaying PlaybackStatus = "playing"
	PlaybackPaused  PlaybackStatus = "paused"
	PlaybackStopped PlaybackStatus = "stopped"
)

// ParsePlaybackStatus maps a player's Status value to a PlaybackStatus.
// Seeking and error states are reported as unknown.
func ParsePlaybackStatus(status string) PlaybackStatus {
	switch s := PlaybackStatus(strings.ToLower(strings.TrimSpace(status))); s {
	case PlaybackPlaying, PlaybackPaused, PlaybackStopped:
		return s
	}

	return PlaybackUnknown
}

// Command is a single request on the control channel.
type Command struct {
	Name    CommandName
	Address MacAddress
	Key     MediaKey
	State   bool
}

func ScanOn() Command                    { return Command{Name: CommandScan, State: true} }
func ScanOff() Command                   { return Command{Name: CommandScan} }
func Pair(address MacAddress) Command    { return Command{Name: CommandPair, Address: address} }
func Trust(address MacAddress) Command   { return Command{Name: CommandTrust, Address: address} }
func Connect(address MacAddress) Command { return Command{Name: CommandConnect, Address: address} }
func Disconnect(address MacAddress) Command {
	return Command{Name: CommandDisconnect, Address: address}
}
func SendMediaKey(key MediaKey) Command  { return Command{Name: CommandMediaKey, Key: key} }
func PairedDevices() Command             { return Command{Name: CommandPairedDevices} }
func PlayerStatus() Command              { return Command{Name: CommandPlayerStatus} }
func SetPowered(state bool) Command      { return Command{Name: CommandPower, State: state} }
func SetPairable(state bool) Command     { return Command{Name: CommandPairable, State: state} }
func SetDiscoverable(state bool) Command { return Command{Name: CommandDiscoverable, State: state} }
func RegisterAgent() Command             { return Command{Name: CommandAgent, State: true} }
func RequestDefaultAgent() Command       { return Command{Name: CommandDefaultAgent} }

// String renders the command in its textual form, for example "pair AA:BB:CC:DD:EE:FF".
func (c Command) String() string {
	sb := strings.Builder{}
	sb.WriteString(string(c.Name))

	switch c.Name {
	case CommandScan, CommandPower, CommandPairable, CommandDiscoverable, CommandAgent:
		sb.WriteString(" ")
		sb.WriteString(StateArgumentValue(c.State))

	case CommandPair, CommandTrust, CommandConnect, CommandDisconnect:
		sb.WriteString(" ")
		sb.WriteString(c.Address.String())

	case CommandMediaKey:
		sb.WriteString(" ")
		sb.WriteString(string(c.Key))
	}

	return sb.String()
}

// ParseCommand parses the textual form produced by Command.String. Every
// malformed command is reported as errorkinds.ErrProtocol.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, fault.Wrap(errorkinds.ErrProtocol, fmsg.With("empty command"))
	}

	cmd := Command{Name: CommandName(fields[0])}
	argument := func() (string, error) {
		if len(fields) != 2 {
			return "", fault.Wrap(errorkinds.ErrProtocol, fmsg.With("command '"+text+"' takes one argument"))
		}

		return fields[1], nil
	}

	switch cmd.Name {
	case CommandScan, CommandPower, CommandPairable, CommandDiscoverable, CommandAgent:
		arg, err := argument()
		if err != nil {
			return cmd, err
		}
		if arg != "on" && arg != "off" {
			return cmd, fault.Wrap(errorkinds.ErrProtocol, fmsg.With("invalid state '"+arg+"'"))
		}
		cmd.State = arg == "on"

	case CommandPair, CommandTrust, CommandConnect, CommandDisconnect:
		arg, err := argument()
		if err != nil {
			return cmd, err
		}
		if cmd.Address, err = ParseMacAddress(arg); err != nil {
			return cmd, fault.Wrap(errorkinds.ErrProtocol, fmsg.With("invalid address '"+arg+"'"))
		}

	case CommandMediaKey:
		arg, err := argument()
		if err != nil {
			return cmd, err
		}
		switch key := MediaKey(arg); key {
		case MediaPlay, MediaPause, MediaNext, MediaPrevious:
			cmd.Key = key
		default:
			return cmd, fault.Wrap(errorkinds.ErrProtocol, fmsg.With("invalid media key '"+arg+"'"))
		}

	case CommandPairedDevices, CommandPlayerStatus, CommandDefaultAgent:
		if len(fields) != 1 {
			return cmd, fault.Wrap(errorkinds.ErrProtocol, fmsg.With("command '"+text+"' takes no arguments"))
		}

	default:
		return cmd, fault.Wrap(errorkinds.ErrProtocol, fmsg.With("unknown command '"+text+"'"))
	}

	return cmd, nil
}

// StateArgumentValue converts a boolean to its "on"/"off" argument.
func StateArgumentValue(enable bool) string {
	if !enable {
		return "off"
	}

	return "on"
}
