package connmgr

import "sync"

type eventKind int

const (
	eventState eventKind = iota
	eventPayload
	eventConnectFailed
	eventConnectionLost
)

type event struct {
	kind    eventKind
	state   State
	peer    Peer
	payload []byte
}

// dispatcher delivers events to an Observer on one goroutine, in post order.
// post never blocks, so it may be called with the manager lock held.
type dispatcher struct {
	obs Observer

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool
	done   chan struct{}
}

func newDispatcher(obs Observer) *dispatcher {
	d := &dispatcher{obs: obs, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) post(e event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, e := range batch {
			d.deliver(e)
		}
	}
}

func (d *dispatcher) deliver(e event) {
	switch e.kind {
	case eventState:
		d.obs.OnStateChanged(e.state, e.peer)
	case eventPayload:
		d.obs.OnPayloadReceived(e.payload)
	case eventConnectFailed:
		d.obs.OnConnectFailed()
	case eventConnectionLost:
		d.obs.OnConnectionLost()
	}
}

// close stops accepting events and waits until queued ones are delivered.
// It must not be called from an Observer callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
