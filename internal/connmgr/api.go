// Package connmgr maintains a single RFCOMM-style stream connection to one peer
// and exposes it to the application as a duplex byte channel.
//
// A Manager races an inbound Listener against an outbound Initiator and
// promotes whichever socket arrives first into the Transfer worker. Blocking
// calls (accept, connect, read) run on their own goroutines and are cancelled
// only by closing the endpoint or socket they are blocked on.
//
// Thread-safety: all Manager methods are safe for concurrent use. Observer
// callbacks are delivered on a single goroutine per Manager.
package connmgr

import (
	"io"
)

// State is the connection lifecycle state of a Manager.
//
// Transitions:
//
//	Idle       -> Listening             (StartListening)
//	Listening  -> Connecting            (ConnectTo; the listener keeps running)
//	Connecting -> Connecting            (ConnectTo; previous attempt cancelled)
//	Listening|Connecting -> Connected   (inbound accepted or outbound dialed)
//	Connected  -> Listening             (read failure or peer closed)
//	any        -> Idle                  (Stop)
type State int

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "idle"
	}
}

// Peer identifies the remote endpoint.
//
// Address is required. Its format belongs to the transport (a Bluetooth MAC or
// BlueZ device path for RFCOMM, host:port for TCP). Name is optional.
type Peer struct {
	Address string
	Name    string
}

func (p Peer) String() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name + " (" + p.Address + ")"
}

// Origin tells which worker produced an established socket.
type Origin int

const (
	OriginListener Origin = iota
	OriginInitiator
)

func (o Origin) String() string {
	if o == OriginInitiator {
		return "initiator"
	}
	return "listener"
}

// Transport is the connection-oriented stream transport the Manager drives.
type Transport interface {
	// Listen binds a discoverable service endpoint.
	Listen() (Endpoint, error)

	// Outbound prepares an unconnected socket towards peer.
	Outbound(peer Peer) (Outbound, error)

	// CancelDiscovery stops any device discovery in progress. Discovery and
	// connection establishment are mutually exclusive on RFCOMM.
	CancelDiscovery() error
}

// Endpoint is a bound listening endpoint.
//
// Close must be safe to call concurrently with a blocked Accept and must make
// that Accept return an error promptly.
type Endpoint interface {
	Accept() (Socket, error)
	Close() error
}

// Outbound is a pending outbound connection.
//
// Close must unblock a concurrent Connect with an error. Closing after a
// successful Connect closes the returned Socket.
type Outbound interface {
	Connect() (Socket, error)
	Close() error
}

// Socket is an established duplex stream. Close is idempotent and unblocks a
// concurrent Read with an error.
type Socket interface {
	io.Reader
	io.Writer
	io.Closer

	RemotePeer() Peer
}

// Observer receives notifications from a Manager.
//
// peer is the connected peer when state is StateConnected and the zero value
// otherwise.
type Observer interface {
	OnStateChanged(state State, peer Peer)
	OnPayloadReceived(payload []byte)
	OnConnectFailed()
	OnConnectionLost()
}

// ObserverFuncs adapts optional functions to an Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChanged    func(State, Peer)
	PayloadReceived func([]byte)
	ConnectFailed   func()
	ConnectionLost  func()
}

func (f ObserverFuncs) OnStateChanged(state State, peer Peer) {
	if f.StateChanged != nil {
		f.StateChanged(state, peer)
	}
}

func (f ObserverFuncs) OnPayloadReceived(payload []byte) {
	if f.PayloadReceived != nil {
		f.PayloadReceived(payload)
	}
}

func (f ObserverFuncs) OnConnectFailed() {
	if f.ConnectFailed != nil {
		f.ConnectFailed()
	}
}

func (f ObserverFuncs) OnConnectionLost() {
	if f.ConnectionLost != nil {
		f.ConnectionLost()
	}
}
