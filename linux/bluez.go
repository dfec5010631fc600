package linux

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezBusName = "org.bluez"
	bluezRoot    = "/org/bluez"

	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	mediaPlayerIface  = "org.bluez.MediaPlayer1"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"

	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	busIface        = "org.freedesktop.DBus"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, address bluetooth.MacAddress) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(address.String()), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// addressFromPath extracts the device address from a device object path
// or from the path of an object below a device, such as a media player.
func addressFromPath(adapter dbus.ObjectPath, path dbus.ObjectPath) (bluetooth.MacAddress, bool) {
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/dev_")
	if !ok {
		return bluetooth.NilMacAddress, false
	}

	rest, _, _ = strings.Cut(rest, "/")

	address, err := bluetooth.ParseMacAddress(strings.ReplaceAll(rest, "_", ":"))
	if err != nil {
		return bluetooth.NilMacAddress, false
	}

	return address, true
}

// isDevicePath reports whether path is a device object, not an object below it.
func isDevicePath(adapter dbus.ObjectPath, path dbus.ObjectPath) bool {
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/dev_")

	return ok && !strings.Contains(rest, "/")
}

// deviceFromProperties builds the device data from a set of Device1 properties.
// Properties absent from props are left at their zero value.
func deviceFromProperties(address bluetooth.MacAddress, props map[string]dbus.Variant) bluetooth.DeviceData {
	device := bluetooth.DeviceData{Address: address}

	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			if parsed, err := bluetooth.ParseMacAddress(s); err == nil {
				device.Address = parsed
			}
		}
	}

	device.Name = stringProperty(props, "Alias")
	if name := stringProperty(props, "Name"); name != "" {
		device.Name = name
	}

	device.Paired = boolProperty(props, "Paired")
	device.Trusted = boolProperty(props, "Trusted")
	device.Connected = boolProperty(props, "Connected")

	if v, ok := props["UUIDs"]; ok {
		if list, ok := v.Value().([]string); ok {
			for _, s := range list {
				if id, err := uuid.Parse(s); err == nil && !slices.Contains(device.UUIDs, id) {
					device.UUIDs = append(device.UUIDs, id)
				}
			}
		}
	}

	if _, ok := props["RSSI"]; ok {
		device.Discovered = true
		device.LastSeen = time.Now()
	}

	return device
}

func stringProperty(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}

	s, _ := v.Value().(string)

	return s
}

func boolProperty(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}

	b, _ := v.Value().(bool)

	return b
}

func (b *BluezSession) object(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(bluezBusName, path)
}

func (b *BluezSession) setProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string, value any) error {
	return b.object(path).CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(value)).Err
}

func (b *BluezSession) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects

	err := b.object("/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0).Store(&objects)

	return objects, err
}

// bluezPresent checks that the Bluetooth daemon owns its bus name.
func bluezPresent(ctx context.Context, conn *dbus.Conn) (bool, error) {
	var names []string
	if err := conn.BusObject().CallWithContext(ctx, busIface+".ListNames", 0).Store(&names); err != nil {
		return false, err
	}

	return slices.Contains(names, bluezBusName), nil
}
