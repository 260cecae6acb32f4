//go:build linux

package bluez

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

// socket is an RFCOMM stream backed by an FD received from BlueZ.
type socket struct {
	f    *os.File
	peer connmgr.Peer

	once     sync.Once
	closeErr error
}

// newSocket takes ownership of fd. The FD is made non-blocking so os.NewFile
// registers it with the runtime poller; only then does Close from another
// goroutine interrupt a blocked Read.
func newSocket(fd int, peer connmgr.Peer) (*socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	return &socket{f: os.NewFile(uintptr(fd), "rfcomm"), peer: peer}, nil
}

func (s *socket) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *socket) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *socket) RemotePeer() connmgr.Peer    { return s.peer }

func (s *socket) Close() error {
	s.once.Do(func() {
		s.closeErr = s.f.Close()
	})
	return s.closeErr
}

// closeFD releases an FD that was never wrapped.
func closeFD(fd int) {
	_ = unix.Close(fd)
}
