package connmgr

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errFakeClosed = errors.New("fake: closed")

const waitFor = 2 * time.Second

// fakeTransport hands out endpoints and outbound sockets that block until the
// test feeds them and unblock with an error on Close.
type fakeTransport struct {
	mu              sync.Mutex
	listenErr       error
	preload         []*fakeSocket
	listens         int
	discoveryCancel int
	stubborn        bool
	// closeDelay makes endpoint Close block, like an unregistration round-trip.
	closeDelay time.Duration

	endpoints chan *fakeEndpoint
	outbounds chan *fakeOutbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		endpoints: make(chan *fakeEndpoint, 16),
		outbounds: make(chan *fakeOutbound, 16),
	}
}

func (tr *fakeTransport) Listen() (Endpoint, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.listens++
	if tr.listenErr != nil {
		return nil, tr.listenErr
	}
	ep := &fakeEndpoint{
		conns:   make(chan *fakeSocket, 16),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		delay:   tr.closeDelay,
	}
	for _, s := range tr.preload {
		ep.conns <- s
	}
	tr.preload = nil
	tr.endpoints <- ep
	return ep, nil
}

func (tr *fakeTransport) Outbound(peer Peer) (Outbound, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := &fakeOutbound{
		peer:     peer,
		result:   make(chan dialResult, 1),
		done:     make(chan struct{}),
		stubborn: tr.stubborn,
	}
	tr.outbounds <- o
	return o, nil
}

func (tr *fakeTransport) CancelDiscovery() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.discoveryCancel++
	return nil
}

func (tr *fakeTransport) listenCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.listens
}

func (tr *fakeTransport) nextEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()
	select {
	case ep := <-tr.endpoints:
		return ep
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for Listen")
		return nil
	}
}

func (tr *fakeTransport) nextOutbound(t *testing.T) *fakeOutbound {
	t.Helper()
	select {
	case o := <-tr.outbounds:
		return o
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for Outbound")
		return nil
	}
}

type fakeEndpoint struct {
	conns   chan *fakeSocket
	done    chan struct{}
	closing chan struct{}
	delay   time.Duration
	once    sync.Once
}

func (e *fakeEndpoint) Accept() (Socket, error) {
	// Queued connections win over close so tests can inject an accept that
	// completes right after promotion.
	select {
	case s := <-e.conns:
		return s, nil
	default:
	}
	select {
	case s := <-e.conns:
		return s, nil
	case <-e.done:
		return nil, errFakeClosed
	}
}

func (e *fakeEndpoint) Close() error {
	e.once.Do(func() {
		close(e.closing)
		time.Sleep(e.delay)
		close(e.done)
	})
	return nil
}

func (e *fakeEndpoint) closeStarted() bool {
	select {
	case <-e.closing:
		return true
	default:
		return false
	}
}

func (e *fakeEndpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

type dialResult struct {
	sock *fakeSocket
	err  error
}

type fakeOutbound struct {
	peer   Peer
	result chan dialResult
	done   chan struct{}
	once   sync.Once
	// stubborn outbounds ignore Close while connecting, modelling a connect
	// that completed just before it was cancelled.
	stubborn bool

	mu   sync.Mutex
	sock *fakeSocket
}

func (o *fakeOutbound) Connect() (Socket, error) {
	var r dialResult
	if o.stubborn {
		r = <-o.result
	} else {
		select {
		case r = <-o.result:
		case <-o.done:
			return nil, errFakeClosed
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.stubborn && o.isClosed() {
		_ = r.sock.Close()
		return nil, errFakeClosed
	}
	o.sock = r.sock
	return r.sock, nil
}

func (o *fakeOutbound) Close() error {
	o.once.Do(func() { close(o.done) })
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sock != nil && !o.stubborn {
		return o.sock.Close()
	}
	return nil
}

func (o *fakeOutbound) isClosed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

type readResult struct {
	data []byte
	err  error
}

type fakeSocket struct {
	peer  Peer
	reads chan readResult
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	pending  []byte
	written  []byte
	writeErr error
}

func newFakeSocket(addr string) *fakeSocket {
	return &fakeSocket{
		peer:  Peer{Address: addr},
		reads: make(chan readResult, 16),
		done:  make(chan struct{}),
	}
}

// Read returns one fed chunk per call, split when it exceeds p.
func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case r := <-s.reads:
		n := copy(p, r.data)
		s.mu.Lock()
		s.pending = append(s.pending, r.data[n:]...)
		s.mu.Unlock()
		return n, r.err
	case <-s.done:
		return 0, errFakeClosed
	}
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.closed() {
		return 0, errFakeClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) RemotePeer() Peer { return s.peer }

func (s *fakeSocket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) feed(data string) { s.reads <- readResult{data: []byte(data)} }

func (s *fakeSocket) fail(err error) { s.reads <- readResult{err: err} }

func (s *fakeSocket) setWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *fakeSocket) writtenString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.written)
}

// recorder is an Observer that logs events as strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnStateChanged(state State, peer Peer) {
	if peer.Address != "" {
		r.add(fmt.Sprintf("state:%s:%s", state, peer.Address))
		return
	}
	r.add("state:" + state.String())
}

func (r *recorder) OnPayloadReceived(payload []byte) { r.add("payload:" + string(payload)) }
func (r *recorder) OnConnectFailed()                 { r.add("connect-failed") }
func (r *recorder) OnConnectionLost()                { r.add("connection-lost") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(e string) bool {
	return r.count(e) > 0
}

func (r *recorder) count(e string) int {
	n := 0
	for _, got := range r.snapshot() {
		if got == e {
			n++
		}
	}
	return n
}
