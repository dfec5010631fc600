// Package platform selects the control channel backend for the host.
package platform

import (
	"context"
	"runtime"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
)

type BluetoothStack string

const (
	BluezStack        BluetoothStack = "BlueZ (DBus)"
	BluetoothctlStack BluetoothStack = "BlueZ (bluetoothctl)"
)

// Dialer opens a new control channel.
type Dialer = func(ctx context.Context) (bluetooth.ControlChannel, error)

// PlatformInfo describes platform-specific information.
type PlatformInfo struct {
	OS      string         `json:"os,omitempty"`
	Stack   BluetoothStack `json:"bluetooth_stack,omitempty"`
	Adapter string         `json:"adapter,omitempty"`
}

// NewPlatformInfo returns a new PlatformInfo.
func NewPlatformInfo(stack BluetoothStack, cfg config.Configuration) PlatformInfo {
	info := PlatformInfo{
		OS:    runtime.GOOS + " (" + runtime.GOARCH + ")",
		Stack: stack,
	}

	if stack == BluezStack {
		info.Adapter = cfg.Adapter
	}

	return info
}

// String converts a BluetoothStack to a string.
func (b BluetoothStack) String() string {
	return string(b)
}
