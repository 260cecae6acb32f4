// Package tcp implements the connmgr transport over TCP. It stands in for
// RFCOMM on machines without a Bluetooth adapter and in integration tests.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

var errOutboundClosed = errors.New("tcp: outbound closed")

// Transport listens on a fixed address and dials peers by host:port.
type Transport struct {
	addr   string
	dialer net.Dialer

	mu    sync.Mutex
	bound net.Addr
}

var _ connmgr.Transport = (*Transport)(nil)

// New creates a transport that listens on addr (e.g. ":7777", "127.0.0.1:0").
func New(addr string) *Transport {
	return &Transport{addr: addr}
}

// Addr returns the address of the most recent listening endpoint, or nil.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

func (t *Transport) Listen() (connmgr.Endpoint, error) {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.bound = ln.Addr()
	t.mu.Unlock()
	return &endpoint{ln: ln}, nil
}

func (t *Transport) Outbound(peer connmgr.Peer) (connmgr.Outbound, error) {
	if peer.Address == "" {
		return nil, errors.New("tcp: peer address required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &outbound{dialer: &t.dialer, peer: peer, ctx: ctx, cancel: cancel}, nil
}

// CancelDiscovery is a no-op; TCP has no discovery.
func (t *Transport) CancelDiscovery() error { return nil }

type endpoint struct {
	ln net.Listener
}

func (e *endpoint) Accept() (connmgr.Socket, error) {
	conn, err := e.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newSocket(conn, connmgr.Peer{Address: conn.RemoteAddr().String()}), nil
}

// Close closes the listener; a blocked Accept returns net.ErrClosed.
func (e *endpoint) Close() error {
	err := e.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type outbound struct {
	dialer *net.Dialer
	peer   connmgr.Peer
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	sock   *socket
}

// Connect dials the peer. There is no timeout; Close cancels the dial.
func (o *outbound) Connect() (connmgr.Socket, error) {
	conn, err := o.dialer.DialContext(o.ctx, "tcp", o.peer.Address)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", o.peer.Address, err)
	}
	sock := newSocket(conn, o.peer)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		_ = sock.Close()
		return nil, errOutboundClosed
	}
	o.sock = sock
	return sock, nil
}

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

type socket struct {
	net.Conn
	peer connmgr.Peer

	once     sync.Once
	closeErr error
}

func newSocket(conn net.Conn, peer connmgr.Peer) *socket {
	return &socket{Conn: conn, peer: peer}
}

func (s *socket) RemotePeer() connmgr.Peer { return s.peer }

func (s *socket) Close() error {
	s.once.Do(func() {
		s.closeErr = s.Conn.Close()
	})
	return s.closeErr
}
