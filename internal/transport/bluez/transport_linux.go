//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

var (
	errClosed         = errors.New("bluez: closed")
	errEndpointClosed = errors.New("bluez: endpoint closed")
	errOutboundClosed = errors.New("bluez: outbound closed")
)

var pathCounter uint64

// Options controls profile registration.
type Options struct {
	// ServiceName is advertised in the SDP record of the server profile.
	ServiceName string
	// UUID identifies the service on both sides. Defaults to SPPUUID.
	UUID string
	// Channel is the server RFCOMM channel. Defaults to DefaultRFCOMMChannel.
	Channel uint16
}

// Transport is a connmgr.Transport over BlueZ.
//
// The system bus is connected lazily. Close unregisters every profile and
// closes the bus; it is safe to call more than once.
type Transport struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	bus     *dbus.Conn
	cliProf *profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ connmgr.Transport = (*Transport)(nil)

// New creates a transport. log may be nil.
func New(opts Options, log *zap.Logger) *Transport {
	if opts.UUID == "" {
		opts.UUID = SPPUUID
	}
	if opts.Channel == 0 {
		opts.Channel = DefaultRFCOMMChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{opts: opts, log: log}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
	if t.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t.bus = c
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, func() { _ = c.Close() })
	return nil
}

func (t *Transport) conn() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}
	return t.bus, nil
}

func nextProfilePath(role string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/bluetooth_chat/connmgr/" + role + "/p" + strconv.FormatUint(id, 10))
}

// Listen registers a server profile on the configured RFCOMM channel.
func (t *Transport) Listen() (connmgr.Endpoint, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	if t.opts.ServiceName == "" {
		return nil, errors.New("bluez: ServiceName required")
	}

	conns := make(chan newConn, 1)
	prof := &profile{ch: conns}
	path := nextProfilePath("server")
	if err := bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(t.opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(t.opts.Channel),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.UUID, optsMap); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}
	t.log.Debug("bluez: server profile registered",
		zap.String("path", string(path)),
		zap.String("name", t.opts.ServiceName),
		zap.Uint16("channel", t.opts.Channel))

	return &endpoint{
		t:     t,
		bus:   bus,
		pm:    pm,
		path:  path,
		prof:  prof,
		conns: conns,
		done:  make(chan struct{}),
	}, nil
}

type endpoint struct {
	t     *Transport
	bus   *dbus.Conn
	pm    dbus.BusObject
	path  dbus.ObjectPath
	prof  *profile
	conns chan newConn
	done  chan struct{}

	once     sync.Once
	closeErr error
}

// Accept waits for the next NewConnection on the server profile.
func (e *endpoint) Accept() (connmgr.Socket, error) {
	for {
		select {
		case <-e.done:
			return nil, errEndpointClosed
		case c := <-e.conns:
			sock, err := newSocket(c.fd, e.t.peerFor(e.bus, c.dev))
			if err != nil {
				e.t.log.Warn("bluez: drop inbound connection", zap.String("device", string(c.dev)), zap.Error(err))
				continue
			}
			return sock, nil
		}
	}
}

// Close unregisters the server profile and unblocks Accept.
func (e *endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.prof.release(e.conns)
		e.closeErr = e.pm.Call(profileManagerIface+".UnregisterProfile", 0, e.path).Err
		// Unexport the object path (best-effort).
		_ = e.bus.Export(nil, e.path, profileInterfaceName)
	})
	return e.closeErr
}

// Outbound prepares a connection to peer. peer.Address is a BlueZ device
// object path or a MAC address.
func (t *Transport) Outbound(peer connmgr.Peer) (connmgr.Outbound, error) {
	if peer.Address == "" {
		return nil, errors.New("bluez: device address required")
	}
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &outbound{t: t, bus: bus, peer: peer, ctx: ctx, cancel: cancel}, nil
}

// clientProfile exports and registers the client profile once per transport.
func (t *Transport) clientProfile() (*profile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if t.cliProf != nil {
		return t.cliProf, nil
	}
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}
	prof := &profile{}
	path := nextProfilePath("client")
	if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.UUID, optsMap); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	bus := t.bus
	// Unregister client profile on close.
	t.cleanup = append(t.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	t.cliProf = prof
	return prof, nil
}

type outbound struct {
	t      *Transport
	bus    *dbus.Conn
	peer   connmgr.Peer
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	sock   *socket
}

// Connect pairs if necessary, asks BlueZ to connect the profile and waits for
// the client profile to receive the FD.
func (o *outbound) Connect() (connmgr.Socket, error) {
	devPath, err := o.t.resolve(o.ctx, o.bus, o.peer.Address)
	if err != nil {
		return nil, err
	}
	prof, err := o.t.clientProfile()
	if err != nil {
		return nil, err
	}
	ch := make(chan newConn, 1)
	if !prof.claim(ch) {
		return nil, errors.New("bluez: another outbound connection is in progress")
	}
	defer prof.release(ch)

	devObj := o.bus.Object(bluezService, devPath)
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(o.ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				// A pre-registered Agent (external to this package) handles pairing.
				if err := devObj.CallWithContext(o.ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(o.ctx, deviceIface+".ConnectProfile", 0, o.t.opts.UUID); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	var c newConn
	select {
	case <-o.ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", o.ctx.Err())
	case c = <-ch:
	}

	peer := o.peer
	if peer.Name == "" {
		peer.Name = o.t.peerFor(o.bus, c.dev).Name
	}
	sock, err := newSocket(c.fd, peer)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		_ = sock.Close()
		return nil, errOutboundClosed
	}
	o.sock = sock
	return sock, nil
}

// Close cancels a pending Connect, or closes the socket it returned.
func (o *outbound) Close() error {
	o.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if o.sock != nil {
		return o.sock.Close()
	}
	return nil
}

// CancelDiscovery stops discovery on every adapter.
func (t *Transport) CancelDiscovery() error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	adapters, err := listAdapters(bus)
	if err != nil {
		return err
	}
	var errs error
	for _, ap := range adapters {
		errs = multierr.Append(errs, bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err)
	}
	return errs
}

// Close is safe for concurrent and redundant calls (idempotent).
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	// Clear to allow GC of captured resources.
	t.cleanup = nil
	t.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// resolve maps a MAC or object path to a Device1 object path.
func (t *Transport) resolve(ctx context.Context, bus *dbus.Conn, addr string) (dbus.ObjectPath, error) {
	if len(addr) > 0 && addr[0] == '/' {
		return dbus.ObjectPath(addr), nil
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return "", err
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		var mac string
		if v, ok := props["Address"]; ok {
			mac, _ = v.Value().(string)
		}
		if matchesAddress(path, mac, addr) {
			return path, nil
		}
	}
	return "", fmt.Errorf("bluez: unknown device %s", addr)
}

// peerFor builds a Peer for dev. The alias lookup is best-effort.
func (t *Transport) peerFor(bus *dbus.Conn, dev dbus.ObjectPath) connmgr.Peer {
	peer := connmgr.Peer{Address: macFromPath(dev)}
	if peer.Address == "" {
		peer.Address = string(dev)
	}
	var alias dbus.Variant
	call := bus.Object(bluezService, dev).Call(propsIface+".Get", 0, deviceIface, "Alias")
	if call.Err == nil && call.Store(&alias) == nil {
		peer.Name, _ = alias.Value().(string)
	}
	return peer
}

// Helpers

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(context.Background(), bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}
