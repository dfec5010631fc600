package bluetooth

import "context"

// ControlChannel describes a command/response channel to the system's
// Bluetooth service, with asynchronous notifications.
type ControlChannel interface {
	// Send issues a command and blocks until its response arrives or the
	// command timeout elapses. Notifications received while waiting are
	// delivered through Events, never as the response.
	Send(ctx context.Context, cmd Command) (Response, error)

	// Events returns the notification stream. It is closed when the
	// channel dies; a new channel has to be opened to resume.
	Events() <-chan ControlEvent

	// Close terminates the channel. It is safe to call more than once.
	Close() error
}

// Response is the reply to a command.
type Response struct {
	Command Command

	// Lines holds the raw response text.
	Lines []string

	// Devices is filled by list commands.
	Devices []DeviceData

	// Playback is filled by the player-status command.
	Playback PlaybackStatus
}
