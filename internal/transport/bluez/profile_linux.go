//go:build linux

package bluez

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

type newConn struct {
	fd  int
	dev dbus.ObjectPath
}

// profile implements org.bluez.Profile1 and forwards NewConnection FDs to the
// current receiver. Connections arriving without a receiver are closed and
// rejected.
type profile struct {
	mu sync.Mutex
	ch chan newConn
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; disconnection shows up as a read error.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD without blocking the bus.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		closeFD(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	select {
	case p.ch <- newConn{fd: int(fd), dev: dev}:
		return nil
	default:
		closeFD(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"busy"}}
	}
}

// claim installs ch as the receiver. It fails if another receiver is set.
func (p *profile) claim(ch chan newConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return false
	}
	p.ch = ch
	return true
}

// release removes ch and closes any FD still queued on it.
func (p *profile) release(ch chan newConn) {
	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()
	for {
		select {
		case c := <-ch:
			closeFD(c.fd)
		default:
			return
		}
	}
}
