package connmgr

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errWorkerCancelled = errors.New("connmgr: worker cancelled")

// listener binds a service endpoint and accepts inbound connections until the
// endpoint is closed.
type listener struct {
	m *Manager

	mu        sync.Mutex
	ep        Endpoint
	cancelled bool
}

func (l *listener) run() {
	log := l.m.log
	defer l.m.listenerExited(l)

	ep, err := l.m.tr.Listen()
	if err != nil {
		log.Warn("connmgr: listen", zap.Error(errors.Join(ErrBindFailed, err)))
		l.m.listenFailed(l)
		return
	}
	if !l.attach(ep) {
		_ = ep.Close()
		return
	}
	log.Debug("connmgr: listener started")

	for {
		sock, err := ep.Accept()
		if err != nil {
			if !l.isCancelled() {
				log.Warn("connmgr: accept", zap.Error(errors.Join(ErrAcceptFailed, err)))
			}
			log.Debug("connmgr: listener finished")
			return
		}
		if l.m.promote(sock, OriginListener, l) {
			continue
		}
		// Already connected, stopped or cancelled: drop the inbound connection
		// without telling the peer anything.
		log.Info("connmgr: rejected inbound connection", zap.Stringer("peer", sock.RemotePeer()))
		if err := sock.Close(); err != nil {
			log.Debug("connmgr: close unwanted socket", zap.Error(err))
		}
	}
}

// attach records ep unless the listener was cancelled during bind.
func (l *listener) attach(ep Endpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return false
	}
	l.ep = ep
	return true
}

func (l *listener) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// cancel closes the endpoint, which unblocks a pending Accept.
func (l *listener) cancel() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return nil
	}
	l.cancelled = true
	if l.ep == nil {
		return nil
	}
	return l.ep.Close()
}

// initiator dials one peer once.
type initiator struct {
	m    *Manager
	peer Peer

	mu        sync.Mutex
	out       Outbound
	cancelled bool
}

func (in *initiator) run() {
	log := in.m.log.With(zap.Stringer("peer", in.peer))

	if err := in.m.tr.CancelDiscovery(); err != nil {
		log.Debug("connmgr: cancel discovery", zap.Error(err))
	}

	out, err := in.m.tr.Outbound(in.peer)
	if err != nil {
		in.m.connectFailed(in, err)
		return
	}
	if !in.attach(out) {
		_ = out.Close()
		in.m.connectFailed(in, errWorkerCancelled)
		return
	}

	sock, err := out.Connect()
	if err != nil {
		if cerr := out.Close(); cerr != nil {
			log.Debug("connmgr: close failed outbound socket", zap.Error(cerr))
		}
		in.m.connectFailed(in, err)
		return
	}
	if !in.m.promote(sock, OriginInitiator, in) {
		log.Debug("connmgr: dial won after cancel, closing socket")
		_ = sock.Close()
		_ = out.Close()
	}
}

func (in *initiator) attach(out Outbound) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancelled {
		return false
	}
	in.out = out
	return true
}

// cancel closes the outbound socket, which unblocks a pending Connect.
func (in *initiator) cancel() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancelled {
		return nil
	}
	in.cancelled = true
	if in.out == nil {
		return nil
	}
	return in.out.Close()
}
