package config

import (
	"time"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/internal/logger"
)

const (
	// The default timeout duration for authentication requests.
	DefaultAuthTimeout = 10 * time.Second

	// The fixed time a control channel command may wait for its response.
	DefaultCommandTimeout = 10 * time.Second
)

// Backend selects the control channel implementation.
type Backend string

const (
	BackendBluetoothctl Backend = "bluetoothctl"
	BackendDBus         Backend = "dbus"
)

// ButtonLine maps a physical input line to a button.
type ButtonLine struct {
	ID   bluetooth.ButtonID
	GPIO int

	// Path is the stream the GPIO helper writes "press"/"hold" tokens to.
	Path string
}

// Configuration describes the bridge configuration.
type Configuration struct {
	// Backend selects how the Bluetooth service is reached.
	Backend Backend

	// Adapter is the local adapter name, used by the D-Bus backend.
	Adapter string

	// ControlCommand is the bluetoothctl invocation.
	ControlCommand []string

	// CommandTimeout bounds every control channel command.
	CommandTimeout time.Duration

	// ListSettle is how long a list command waits for further entries.
	ListSettle time.Duration

	// AuthTimeout holds the timeout for authentication requests.
	AuthTimeout time.Duration

	ScanTimeout       time.Duration
	PairTimeout       time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	// TargetAddress restricts pairing to one device when set.
	TargetAddress bluetooth.MacAddress

	// ServiceWait is how long a discovered device that has not reported its
	// services is held back before it may be paired.
	ServiceWait time.Duration

	// Autoconnect connects to the best known paired device at startup.
	Autoconnect bool

	// RelayCommand is the audio relay invocation; the device
	// address is appended as the last argument.
	RelayCommand   []string
	RelayStopGrace time.Duration

	Buttons []ButtonLine

	// LED is the sysfs LED class name of the indicator. Empty disables it.
	LED     string
	LEDRoot string

	PowerOffCommand []string
	RebootCommand   []string

	// RebootOnFailure reboots the host when the control channel cannot be recovered.
	RebootOnFailure bool

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Log logger.Config
}

// New returns a new configuration with the default values.
func New() Configuration {
	return Configuration{
		Backend:           BackendBluetoothctl,
		Adapter:           "hci0",
		ControlCommand:    []string{"bluetoothctl"},
		CommandTimeout:    DefaultCommandTimeout,
		ListSettle:        500 * time.Millisecond,
		AuthTimeout:       DefaultAuthTimeout,
		ScanTimeout:       30 * time.Second,
		PairTimeout:       30 * time.Second,
		ConnectTimeout:    20 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		ServiceWait:       3 * time.Second,
		Autoconnect:       true,
		RelayCommand:      []string{"bluealsa-aplay"},
		RelayStopGrace:    2 * time.Second,
		Buttons: []ButtonLine{
			{ID: bluetooth.ButtonPrevious, GPIO: 5, Path: "/run/audio-bridge/gpio5"},
			{ID: bluetooth.ButtonPlayPause, GPIO: 6, Path: "/run/audio-bridge/gpio6"},
			{ID: bluetooth.ButtonNext, GPIO: 13, Path: "/run/audio-bridge/gpio13"},
		},
		LEDRoot:           "/sys/class/leds",
		PowerOffCommand:   []string{"sudo", "shutdown", "now"},
		RebootCommand:     []string{"sudo", "shutdown", "-r", "now"},
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
		Log:               logger.DefaultConfig(),
	}
}
