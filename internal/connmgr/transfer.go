package connmgr

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// readBufferSize is the capacity of a single read. Reads are not framed: one
// read may hold part of a message or several messages.
const readBufferSize = 1024

// transfer owns an established socket. It streams inbound bytes to the
// observer and serves synchronous writes.
type transfer struct {
	m    *Manager
	sock Socket
	peer Peer

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *transfer) run() {
	log := t.m.log.With(zap.Stringer("peer", t.peer))
	log.Debug("connmgr: transfer started")

	buf := make([]byte, readBufferSize)
	// The state check cannot interrupt a blocked Read; cancel closes the
	// socket for that.
	for t.m.connectedTo(t) {
		n, err := t.sock.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			t.m.received(t, payload)
		}
		if err != nil {
			t.m.connectionLost(t, err)
			return
		}
	}
	log.Debug("connmgr: transfer finished")
}

func (t *transfer) write(p []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.sock.Write(p); err != nil {
		t.m.log.Warn("connmgr: write", zap.Stringer("peer", t.peer), zap.Int("bytes", len(p)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// cancel closes the socket. A pending Read returns an error and later writes fail.
func (t *transfer) cancel() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.sock.Close()
	})
	return t.closeErr
}
