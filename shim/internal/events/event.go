// Package events parses bluetoothctl notification lines.
package events

import (
	"regexp"
	"strings"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/google/uuid"
)

var (
	ansiRe   = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]|[\x01\x02]")
	promptRe = regexp.MustCompile(`^\[[^\]]*\][#>]\s*`)
	noticeRe = regexp.MustCompile(`^\[(NEW|CHG|DEL)\] `)
	deviceRe = regexp.MustCompile(`^\[(NEW|CHG|DEL)\] Device (` + bluetooth.AddressPattern.String() + `)(?: (.*))?$`)
	uuidRe   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// Clean strips colour codes, readline markers and prompts from a raw output line.
func Clean(line string) string {
	line = ansiRe.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)

	for {
		stripped := promptRe.ReplaceAllString(line, "")
		if stripped == line {
			break
		}

		line = strings.TrimSpace(stripped)
	}

	return line
}

// IsNotification reports whether a cleaned line is an asynchronous notification.
func IsNotification(line string) bool {
	return noticeRe.MatchString(line)
}

// Parse converts a cleaned notification line to a ControlEvent. Notifications
// that carry no session-relevant change are reported as not ok.
func Parse(line string) (bluetooth.ControlEvent, bool) {
	m := deviceRe.FindStringSubmatch(line)
	if m == nil {
		return bluetooth.ControlEvent{}, false
	}

	address, err := bluetooth.ParseMacAddress(m[2])
	if err != nil {
		return bluetooth.ControlEvent{}, false
	}

	kind, rest := m[1], m[3]

	switch kind {
	case "NEW":
		return bluetooth.NewDeviceFoundEvent(bluetooth.DeviceData{
			Address:    address,
			Name:       rest,
			Discovered: true,
		}), true

	case "CHG":
		property, value, _ := strings.Cut(rest, ": ")

		switch property {
		case "Connected":
			if value == "yes" {
				return bluetooth.NewConnectedEvent(address), true
			}

			return bluetooth.NewDisconnectedEvent(address), true

		case "Paired":
			if value == "yes" {
				return bluetooth.NewPairingCompleteEvent(address, true), true
			}

		case "RSSI", "Name", "Alias":
			device := bluetooth.DeviceData{Address: address, Discovered: true}
			if property != "RSSI" {
				device.Name = value
			}

			return bluetooth.NewDeviceFoundEvent(device), true

		case "UUIDs":
			device := bluetooth.DeviceData{Address: address, Discovered: true}
			if u, err := uuid.Parse(uuidRe.FindString(value)); err == nil {
				device.UUIDs = []uuid.UUID{u}
			}

			return bluetooth.NewDeviceFoundEvent(device), true
		}
	}

	return bluetooth.ControlEvent{}, false
}
