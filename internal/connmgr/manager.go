package connmgr

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns the connection state and at most one worker per role.
//
// All state and worker-slot mutations happen under mu. The lock is never held
// across a transport call: cancelling a worker empties its slot under mu and
// closes the endpoint or socket it blocks on after mu is released.
//
// A Manager owns a delivery goroutine until Close; Stop alone does not end it.
type Manager struct {
	tr     Transport
	log    *zap.Logger
	events *dispatcher
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	peer      Peer
	closed    bool
	listener  *listener
	initiator *initiator
	transfer  *transfer

	// bindFailed is set when the current listener could not bind and cleared
	// by StartListening. While set, failures do not spawn a new listener.
	bindFailed bool

	// closers are cancellations queued under mu, run by unlock.
	closers []func() error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// New creates an idle Manager over tr. obs may be nil. Callers must Close the
// Manager to release its observer goroutine.
func New(tr Transport, obs Observer, opts ...Option) *Manager {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	m := &Manager{
		tr:  tr,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = newDispatcher(obs)
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the connected peer, or the zero Peer when not connected.
func (m *Manager) Peer() Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// StartListening cancels any outbound attempt and any active connection, moves
// to StateListening and starts a Listener unless one is running. Bind failures
// are logged by the Listener and are not reported here. They are not retried,
// not even by the fallback to listening after a failed dial or a lost
// connection; call StartListening again to retry.
func (m *Manager) StartListening() error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed {
		return ErrClosed
	}
	m.log.Debug("connmgr: start listening")

	m.cancelInitiatorLocked()
	m.cancelTransferLocked()
	m.setStateLocked(StateListening, Peer{})
	m.bindFailed = false
	m.ensureListenerLocked()
	return nil
}

// ConnectTo starts an outbound attempt to peer, replacing any attempt in
// flight and tearing down an active connection. A running Listener is kept,
// so inbound and outbound establishment race.
func (m *Manager) ConnectTo(peer Peer) error {
	if peer.Address == "" {
		return ErrInvalidPeer
	}
	m.mu.Lock()
	defer m.unlock()
	if m.closed {
		return ErrClosed
	}
	m.log.Debug("connmgr: connect", zap.Stringer("peer", peer))

	m.cancelInitiatorLocked()
	m.cancelTransferLocked()

	in := &initiator{m: m, peer: peer}
	m.initiator = in
	m.goLocked(in.run)
	m.setStateLocked(StateConnecting, Peer{})
	return nil
}

// Send writes p to the connected peer. It returns ErrNotConnected without any
// I/O unless the state is StateConnected. The write itself runs outside the
// manager lock. Write failures are returned wrapping ErrWriteFailed and do not
// change the state; the read loop detects disconnection.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	state, t := m.state, m.transfer
	m.mu.Unlock()

	if state != StateConnected || t == nil {
		return ErrNotConnected
	}
	return t.write(p)
}

// Stop cancels every worker and moves to StateIdle. Redundant calls are allowed.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.unlock()
	m.stopLocked()
}

// Close stops the manager, waits for its workers to exit and for pending
// observer notifications to be delivered. Afterwards every command returns
// ErrClosed. Close must not be called from an Observer callback.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked()
	m.closed = true
	m.unlock()

	m.wg.Wait()
	m.events.close()
	return nil
}

func (m *Manager) stopLocked() {
	if m.state != StateIdle {
		m.log.Debug("connmgr: stop")
	}
	m.cancelInitiatorLocked()
	m.cancelTransferLocked()
	m.cancelListenerLocked()
	m.setStateLocked(StateIdle, Peer{})
}

// unlock releases mu, then runs the cancellations queued while it was held.
// Transport Close calls may block, so they never run under mu.
func (m *Manager) unlock() {
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var err error
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	if err != nil {
		m.log.Debug("connmgr: close workers", zap.Error(err))
	}
}

// promote turns sock into the live connection. It reports false when the
// calling worker w is no longer the one the manager holds for its role, or the
// state does not admit a new connection. On false the caller still owns sock.
func (m *Manager) promote(sock Socket, origin Origin, w any) bool {
	m.mu.Lock()
	defer m.unlock()
	if m.closed {
		return false
	}
	switch origin {
	case OriginListener:
		if l, _ := w.(*listener); l == nil || m.listener != l {
			return false
		}
	case OriginInitiator:
		if in, _ := w.(*initiator); in == nil || m.initiator != in {
			return false
		}
	}
	if m.state != StateListening && m.state != StateConnecting {
		return false
	}
	if origin == OriginInitiator {
		// Released without cancel, which would close the socket being promoted.
		m.initiator = nil
	}

	peer := sock.RemotePeer()
	m.log.Info("connmgr: connected", zap.Stringer("peer", peer), zap.Stringer("origin", origin))

	m.cancelInitiatorLocked()
	m.cancelTransferLocked()
	// Only one peer connection is wanted, so stop accepting more.
	m.cancelListenerLocked()

	t := &transfer{m: m, sock: sock, peer: peer}
	m.transfer = t
	m.setStateLocked(StateConnected, peer)
	m.goLocked(t.run)
	return true
}

func (m *Manager) connectFailed(in *initiator, err error) {
	m.mu.Lock()
	defer m.unlock()
	if m.initiator != in {
		m.log.Debug("connmgr: cancelled dial exited", zap.Stringer("peer", in.peer), zap.Error(err))
		return
	}
	m.initiator = nil
	m.log.Info("connmgr: connect failed", zap.Stringer("peer", in.peer),
		zap.Error(fmt.Errorf("%w: %w", ErrDialFailed, err)))

	m.setStateLocked(StateListening, Peer{})
	m.events.post(event{kind: eventConnectFailed})
	m.relistenLocked()
}

func (m *Manager) connectionLost(t *transfer, err error) {
	m.mu.Lock()
	defer m.unlock()
	if m.transfer != t {
		m.log.Debug("connmgr: cancelled transfer exited", zap.Stringer("peer", t.peer), zap.Error(err))
		return
	}
	m.cancelTransferLocked()
	m.log.Info("connmgr: connection lost", zap.Stringer("peer", t.peer),
		zap.Error(fmt.Errorf("%w: %w", ErrReadFailed, err)))

	m.setStateLocked(StateListening, Peer{})
	m.events.post(event{kind: eventConnectionLost})
	m.relistenLocked()
}

// received forwards a payload read by t if t is still the live transfer.
func (m *Manager) received(t *transfer, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transfer != t || m.state != StateConnected {
		return
	}
	m.events.post(event{kind: eventPayload, payload: payload})
}

// connectedTo reports whether t is the live transfer.
func (m *Manager) connectedTo(t *transfer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfer == t && m.state == StateConnected
}

// listenFailed records that l could not bind, if l is still the live listener.
func (m *Manager) listenFailed(l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == l {
		m.bindFailed = true
	}
}

// listenerExited clears the listener slot if l still occupies it.
func (m *Manager) listenerExited(l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == l {
		m.listener = nil
	}
}

func (m *Manager) setStateLocked(s State, peer Peer) {
	if m.state == s && m.peer == peer {
		return
	}
	m.log.Debug("connmgr: state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.peer = peer
	m.events.post(event{kind: eventState, state: s, peer: peer})
}

func (m *Manager) ensureListenerLocked() {
	if m.listener != nil {
		return
	}
	l := &listener{m: m}
	m.listener = l
	m.goLocked(l.run)
}

// relistenLocked falls back to accepting inbound connections unless the last
// bind failed.
func (m *Manager) relistenLocked() {
	if m.bindFailed {
		m.log.Debug("connmgr: not listening again after bind failure")
		return
	}
	m.ensureListenerLocked()
}

// goLocked starts a worker goroutine tracked by Close.
func (m *Manager) goLocked(run func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()
	}()
}

func (m *Manager) cancelListenerLocked() {
	if m.listener != nil {
		m.closers = append(m.closers, m.listener.cancel)
		m.listener = nil
	}
}

func (m *Manager) cancelInitiatorLocked() {
	if m.initiator != nil {
		m.closers = append(m.closers, m.initiator.cancel)
		m.initiator = nil
	}
}

func (m *Manager) cancelTransferLocked() {
	if m.transfer != nil {
		m.closers = append(m.closers, m.transfer.cancel)
		m.transfer = nil
	}
}
