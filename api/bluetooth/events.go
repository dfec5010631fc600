package bluetooth

import "strconv"

// ControlEventKind identifies an asynchronous control channel notification.
type ControlEventKind uint8

const (
	DeviceFound ControlEventKind = iota + 1
	DeviceConnected
	DeviceDisconnected
	PairingComplete
)

// String converts a ControlEventKind to a string.
func (k ControlEventKind) String() string {
	switch k {
	case DeviceFound:
		return "device-found"
	case DeviceConnected:
		return "connected"
	case DeviceDisconnected:
		return "disconnected"
	case PairingComplete:
		return "pairing-complete"
	}

	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// ControlEvent is a notification from the control channel.
// Device.Address is always set; the other fields of Device are only
// meaningful for DeviceFound. Success is only meaningful for PairingComplete.
type ControlEvent struct {
	Kind    ControlEventKind
	Device  DeviceData
	Success bool
}

// Address returns the address the event refers to.
func (c ControlEvent) Address() MacAddress {
	return c.Device.Address
}

func NewDeviceFoundEvent(device DeviceData) ControlEvent {
	return ControlEvent{Kind: DeviceFound, Device: device}
}

func NewConnectedEvent(address MacAddress) ControlEvent {
	return ControlEvent{Kind: DeviceConnected, Device: DeviceData{Address: address}}
}

func NewDisconnectedEvent(address MacAddress) ControlEvent {
	return ControlEvent{Kind: DeviceDisconnected, Device: DeviceData{Address: address}}
}

func NewPairingCompleteEvent(address MacAddress, success bool) ControlEvent {
	return ControlEvent{Kind: PairingComplete, Device: DeviceData{Address: address}, Success: success}
}

// ButtonID identifies one of the three physical buttons.
type ButtonID uint8

const (
	ButtonPrevious  ButtonID = 1
	ButtonPlayPause ButtonID = 2
	ButtonNext      ButtonID = 3
)

// Valid reports whether the id names a known button.
func (b ButtonID) Valid() bool {
	return b >= ButtonPrevious && b <= ButtonNext
}

// PressKind is the interaction recognised on a button.
type PressKind uint8

const (
	Press PressKind = iota + 1
	Hold
)

// String converts a PressKind to a string.
func (p PressKind) String() string {
	switch p {
	case Press:
		return "press"
	case Hold:
		return "hold"
	}

	return "unknown"
}

// ParsePressKind parses "press" or "hold".
func ParsePressKind(s string) (PressKind, bool) {
	switch s {
	case "press":
		return Press, true
	case "hold":
		return Hold, true
	}

	return 0, false
}

// ButtonEvent is a single discrete button interaction.
type ButtonEvent struct {
	ID   ButtonID
	Kind PressKind
}

// EventID identifies a notification published on the event bus.
type EventID uint

const (
	StateChangedEvent EventID = iota + 1
	ShutdownEvent
	FatalErrorEvent
)

// Value returns the numeric topic of the event.
func (e EventID) Value() uint {
	return uint(e)
}

// String converts an EventID to a string.
func (e EventID) String() string {
	switch e {
	case StateChangedEvent:
		return "state-changed"
	case ShutdownEvent:
		return "shutdown"
	case FatalErrorEvent:
		return "fatal-error"
	}

	return "event-" + strconv.Itoa(int(e))
}

// StateChange is published with StateChangedEvent.
type StateChange struct {
	From    string
	To      string
	Address MacAddress
}
