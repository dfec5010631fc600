// Package errorkinds holds the error kinds shared by the bridge components.
// Callers match on them with errors.Is; the concrete errors returned by the
// components wrap one of these with context.
package errorkinds

import "errors"

// Control channel errors.
var (
	// ErrTimeout is returned when a command receives no response within the command timeout.
	ErrTimeout = errors.New("control channel: command timed out")

	// ErrProtocol is returned when a response is malformed or reports a failure.
	ErrProtocol = errors.New("control channel: protocol error")

	// ErrChannelClosed is returned when the control service is gone.
	ErrChannelClosed = errors.New("control channel: channel closed")
)

// Relay errors.
var (
	ErrSpawnFailed    = errors.New("relay: spawn failed")
	ErrUnexpectedExit = errors.New("relay: unexpected exit")
)

// General errors.
var (
	ErrInvalidAddress = errors.New("invalid device address")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrNotSupported   = errors.New("operation not supported")
	ErrNoDevice       = errors.New("no suitable device")
)

// ProtocolError carries the raw text of an unexpected or failed response.
type ProtocolError struct {
	Raw string
}

// Error returns the error string.
func (p *ProtocolError) Error() string {
	if p.Raw == "" {
		return ErrProtocol.Error()
	}

	return ErrProtocol.Error() + ": " + p.Raw
}

// Is reports ErrProtocol as the kind of this error.
func (p *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// NewProtocolError returns a ProtocolError holding the raw response text.
func NewProtocolError(raw string) error {
	return &ProtocolError{Raw: raw}
}
