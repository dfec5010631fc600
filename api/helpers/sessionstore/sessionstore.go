// Package sessionstore holds the device registry shared by the session and the controller.
package sessionstore

import (
	"slices"
	"strings"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/puzpuzpuz/xsync/v3"
)

// SessionStore is the registry of known devices, keyed by address.
// Entries are never removed.
type SessionStore struct {
	devices *xsync.MapOf[bluetooth.MacAddress, bluetooth.DeviceData]
}

// NewSessionStore returns an empty store.
func NewSessionStore() SessionStore {
	return SessionStore{
		devices: xsync.NewMapOf[bluetooth.MacAddress, bluetooth.DeviceData](),
	}
}

// Device returns the entry for address.
func (s *SessionStore) Device(address bluetooth.MacAddress) (bluetooth.DeviceData, bool) {
	return s.devices.Load(address)
}

// UpdateDevice applies fn to the entry for address, creating it if absent.
func (s *SessionStore) UpdateDevice(address bluetooth.MacAddress, fn func(d *bluetooth.DeviceData)) bluetooth.DeviceData {
	device, _ := s.devices.Compute(address, func(d bluetooth.DeviceData, _ bool) (bluetooth.DeviceData, bool) {
		d.Address = address
		fn(&d)

		return d, false
	})

	return device
}

// Devices returns a snapshot of all entries ordered by address.
func (s *SessionStore) Devices() []bluetooth.DeviceData {
	devices := make([]bluetooth.DeviceData, 0, s.devices.Size())
	s.devices.Range(func(_ bluetooth.MacAddress, d bluetooth.DeviceData) bool {
		devices = append(devices, d)
		return true
	})

	slices.SortFunc(devices, func(a, b bluetooth.DeviceData) int {
		return strings.Compare(a.Address.String(), b.Address.String())
	})

	return devices
}

// PairedDevices returns the paired entries, most recently seen first.
func (s *SessionStore) PairedDevices() []bluetooth.DeviceData {
	var paired []bluetooth.DeviceData
	for _, d := range s.Devices() {
		if d.Paired {
			paired = append(paired, d)
		}
	}

	slices.SortStableFunc(paired, func(a, b bluetooth.DeviceData) int {
		return b.LastSeen.Compare(a.LastSeen)
	})

	return paired
}

// BestPairedDevice picks the device to connect to. The preferred
// addresses are tried in order; otherwise the most recently seen
// paired device is chosen. Devices listed in exclude are skipped.
func (s *SessionStore) BestPairedDevice(preferred []bluetooth.MacAddress, exclude ...bluetooth.MacAddress) (bluetooth.DeviceData, bool) {
	for _, address := range preferred {
		if address.IsNil() || slices.Contains(exclude, address) {
			continue
		}

		if d, ok := s.Device(address); ok && d.Paired {
			return d, true
		}
	}

	for _, d := range s.PairedDevices() {
		if !slices.Contains(exclude, d.Address) {
			return d, true
		}
	}

	return bluetooth.DeviceData{}, false
}
