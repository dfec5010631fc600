package linux

import (
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/godbus/dbus/v5"
)

// translateSignal converts a BlueZ signal into control events.
func translateSignal(adapter dbus.ObjectPath, signal *dbus.Signal) []bluetooth.ControlEvent {
	if signal == nil {
		return nil
	}

	switch signal.Name {
	case propsIface + ".PropertiesChanged":
		return propertiesChanged(adapter, signal)

	case objManagerIface + ".InterfacesAdded":
		return interfacesAdded(adapter, signal)
	}

	return nil
}

func propertiesChanged(adapter dbus.ObjectPath, signal *dbus.Signal) []bluetooth.ControlEvent {
	if len(signal.Body) < 2 || !isDevicePath(adapter, signal.Path) {
		return nil
	}

	iface, _ := signal.Body[0].(string)
	changed, _ := signal.Body[1].(map[string]dbus.Variant)
	if iface != deviceIface || changed == nil {
		return nil
	}

	address, ok := addressFromPath(adapter, signal.Path)
	if !ok {
		return nil
	}

	var events []bluetooth.ControlEvent

	if v, ok := changed["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok {
			if connected {
				events = append(events, bluetooth.NewConnectedEvent(address))
			} else {
				events = append(events, bluetooth.NewDisconnectedEvent(address))
			}
		}
	}

	if v, ok := changed["Paired"]; ok {
		if paired, ok := v.Value().(bool); ok && paired {
			events = append(events, bluetooth.NewPairingCompleteEvent(address, true))
		}
	}

	for _, prop := range []string{"RSSI", "Name", "Alias", "UUIDs"} {
		if _, ok := changed[prop]; ok {
			events = append(events, bluetooth.NewDeviceFoundEvent(deviceFromProperties(address, changed)))
			break
		}
	}

	return events
}

func interfacesAdded(adapter dbus.ObjectPath, signal *dbus.Signal) []bluetooth.ControlEvent {
	if len(signal.Body) < 2 {
		return nil
	}

	path, _ := signal.Body[0].(dbus.ObjectPath)
	ifaces, _ := signal.Body[1].(map[string]map[string]dbus.Variant)
	if ifaces == nil || !isDevicePath(adapter, path) {
		return nil
	}

	props, ok := ifaces[deviceIface]
	if !ok {
		return nil
	}

	address, ok := addressFromPath(adapter, path)
	if !ok {
		return nil
	}

	device := deviceFromProperties(address, props)
	device.Discovered = true

	return []bluetooth.ControlEvent{bluetooth.NewDeviceFoundEvent(device)}
}

// bluezVanished reports whether signal announces that the Bluetooth daemon
// released its bus name.
func bluezVanished(signal *dbus.Signal) bool {
	if signal == nil || signal.Name != busIface+".NameOwnerChanged" || len(signal.Body) < 3 {
		return false
	}

	name, _ := signal.Body[0].(string)
	newOwner, _ := signal.Body[2].(string)

	return name == bluezBusName && newOwner == ""
}
