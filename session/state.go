package session

import (
	"strconv"
	"time"

	"github.com/bluetuith-org/audio-bridge/api/config"
)

// State is the connection state of the session.
type State uint8

const (
	Idle State = iota
	Scanning
	Pairing
	Connecting
	Connected
	Disconnecting
)

// String converts a State to a string.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Pairing:
		return "pairing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}

	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Transient reports whether the state waits on the Bluetooth service and
// is bounded by a timeout.
func (s State) Transient() bool {
	switch s {
	case Scanning, Pairing, Connecting, Disconnecting:
		return true
	}

	return false
}

func (s State) timeout(cfg config.Configuration) time.Duration {
	switch s {
	case Scanning:
		return cfg.ScanTimeout
	case Pairing:
		return cfg.PairTimeout
	case Connecting:
		return cfg.ConnectTimeout
	case Disconnecting:
		return cfg.DisconnectTimeout
	}

	return 0
}
