// Package bluez implements the connmgr transport on RFCOMM sockets obtained
// from BlueZ over the system D-Bus.
//
// Server and client sides register an org.bluez.Profile1 object with
// ProfileManager1. BlueZ hands each new RFCOMM connection to the profile via
// NewConnection as a Unix FD. FDs are switched to non-blocking mode before
// they are wrapped so that closing them from another goroutine unblocks a
// pending Read.
package bluez

import (
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

const (
	// SPPUUID is the Serial Port Profile UUID.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint16 = 22
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// Device is a discovered Bluetooth device.
//
// Path is always set. The other fields depend on what BlueZ knows.
type Device struct {
	Path  string // D-Bus object path (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string
	Name  string
	Alias string
}

// Peer converts d to a connmgr.Peer addressed by object path.
func (d Device) Peer() connmgr.Peer {
	name := d.Alias
	if name == "" {
		name = d.Name
	}
	return connmgr.Peer{Address: d.Path, Name: name}
}

// deviceFromIfaces extracts a Device from an ObjectManager entry. Only devices
// advertising uuid are returned.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, uuid string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, uuid) {
		return Device{}, false
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
	}, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// matchesAddress reports whether a device at path with the given MAC is the
// one addressed by addr, which is either an object path or a MAC.
func matchesAddress(path dbus.ObjectPath, mac, addr string) bool {
	if strings.HasPrefix(addr, "/") {
		return string(path) == addr
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	return strings.EqualFold(mac, addr)
}
