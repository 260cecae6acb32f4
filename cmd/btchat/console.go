package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

const timeLayout = "15:04:05"

// console prints chat traffic and connection events to a terminal.
type console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func newConsole(out io.Writer) *console {
	return &console{out: out, now: time.Now}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] "+format+"\n", append([]any{c.now().Format(timeLayout)}, args...)...)
}

func (c *console) OnStateChanged(state connmgr.State, peer connmgr.Peer) {
	if state == connmgr.StateConnected {
		c.printf("* connected to %s", peer)
		return
	}
	c.printf("* %s", state)
}

func (c *console) OnPayloadReceived(payload []byte) {
	c.printf("< %s", payload)
}

func (c *console) OnConnectFailed() {
	c.printf("* connect failed")
}

func (c *console) OnConnectionLost() {
	c.printf("* connection lost")
}

func (c *console) sent(line string) {
	c.printf("> %s", line)
}

func (c *console) notConnected() {
	c.printf("! not connected")
}
