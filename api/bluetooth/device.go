package bluetooth

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AudioSourceUUID is the A2DP Audio Source service class.
var AudioSourceUUID = uuid.MustParse("0000110a-0000-1000-8000-00805f9b34fb")

// DeviceData holds the known state of a remote device.
type DeviceData struct {
	Address MacAddress `json:"address"`
	Name    string     `json:"name,omitempty"`

	Discovered bool `json:"discovered,omitempty"`
	Paired     bool `json:"paired,omitempty"`
	Trusted    bool `json:"trusted,omitempty"`
	Connected  bool `json:"connected,omitempty"`

	LastSeen time.Time `json:"last_seen,omitempty"`

	// UUIDs is empty when the backend does not report service classes.
	UUIDs []uuid.UUID `json:"uuids,omitempty"`
}

// IsAudioSource reports whether the device advertises the A2DP source
// service. Devices without reported services are assumed to be sources.
func (d DeviceData) IsAudioSource() bool {
	if len(d.UUIDs) == 0 {
		return true
	}

	return slices.Contains(d.UUIDs, AudioSourceUUID)
}
