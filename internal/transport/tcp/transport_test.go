package tcp

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func TestEndpointCloseUnblocksAccept(t *testing.T) {
	tr := New("127.0.0.1:0")
	ep, err := tr.Listen()
	require.NoError(t, err)
	require.NotNil(t, tr.Addr())

	errc := make(chan error, 1)
	go func() {
		_, err := ep.Accept()
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("Accept did not return after Close")
	}
}

func TestOutboundClosedBeforeConnect(t *testing.T) {
	tr := New("127.0.0.1:0")
	ep, err := tr.Listen()
	require.NoError(t, err)
	defer ep.Close()

	out, err := tr.Outbound(connmgr.Peer{Address: tr.Addr().String()})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	_, err = out.Connect()
	assert.Error(t, err)
}

func TestOutboundCloseUnblocksConnect(t *testing.T) {
	tr := New("127.0.0.1:0")
	// Hold the dial in flight until its context ends.
	dialing := make(chan struct{})
	tr.dialer.ControlContext = func(ctx context.Context, _, _ string, _ syscall.RawConn) error {
		close(dialing)
		<-ctx.Done()
		return ctx.Err()
	}

	out, err := tr.Outbound(connmgr.Peer{Address: "127.0.0.1:9"})
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := out.Connect()
		errc <- err
	}()

	select {
	case <-dialing:
	case <-time.After(waitFor):
		t.Fatal("dial never started")
	}
	require.NoError(t, out.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return after Close")
	}
}

func TestOutboundCloseClosesConnectedSocket(t *testing.T) {
	tr := New("127.0.0.1:0")
	ep, err := tr.Listen()
	require.NoError(t, err)
	defer ep.Close()

	out, err := tr.Outbound(connmgr.Peer{Address: tr.Addr().String()})
	require.NoError(t, err)
	sock, err := out.Connect()
	require.NoError(t, err)

	accepted, err := ep.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	require.NoError(t, out.Close())
	_, err = sock.Write([]byte("x"))
	assert.Error(t, err)
	assert.NoError(t, sock.Close(), "close is idempotent")
}

func TestOutboundRequiresAddress(t *testing.T) {
	_, err := New(":0").Outbound(connmgr.Peer{})
	assert.Error(t, err)
}

// events collects observer notifications for one manager.
type events struct {
	mu       sync.Mutex
	states   []connmgr.State
	peers    []connmgr.Peer
	payloads []byte
	lost     int
}

func (e *events) observer() connmgr.Observer {
	return connmgr.ObserverFuncs{
		StateChanged: func(s connmgr.State, p connmgr.Peer) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.states = append(e.states, s)
			e.peers = append(e.peers, p)
		},
		PayloadReceived: func(b []byte) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.payloads = append(e.payloads, b...)
		},
		ConnectionLost: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.lost++
		},
	}
}

func (e *events) received() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.payloads)
}

func (e *events) lostCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

func TestManagersOverTCP(t *testing.T) {
	trA := New("127.0.0.1:0")
	evA := &events{}
	a := connmgr.New(trA, evA.observer(), connmgr.WithLogger(zaptest.NewLogger(t).Named("a")))
	defer a.Close()

	trB := New("127.0.0.1:0")
	evB := &events{}
	b := connmgr.New(trB, evB.observer(), connmgr.WithLogger(zaptest.NewLogger(t).Named("b")))
	defer b.Close()

	require.NoError(t, a.StartListening())
	require.Eventually(t, func() bool { return trA.Addr() != nil }, waitFor, tick)
	require.NoError(t, b.StartListening())

	require.NoError(t, b.ConnectTo(connmgr.Peer{Address: trA.Addr().String(), Name: "a"}))
	require.Eventually(t, func() bool {
		return a.State() == connmgr.StateConnected && b.State() == connmgr.StateConnected
	}, waitFor, tick)
	assert.Equal(t, "a", b.Peer().Name)

	require.NoError(t, b.Send([]byte("hello")))
	require.Eventually(t, func() bool { return evA.received() == "hello" }, waitFor, tick)

	require.NoError(t, a.Send([]byte("hi back")))
	require.Eventually(t, func() bool { return evB.received() == "hi back" }, waitFor, tick)

	// B going away is a lost connection for A, which falls back to listening.
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return evA.lostCount() == 1 }, waitFor, tick)
	assert.Equal(t, connmgr.StateListening, a.State())
	assert.ErrorIs(t, a.Send([]byte("x")), connmgr.ErrNotConnected)
	assert.Zero(t, evB.lostCount(), "a local stop is not a lost connection")
}
