package connmgr

import "errors"

var (
	// ErrNotConnected is returned by Send when the state is not StateConnected.
	ErrNotConnected = errors.New("connmgr: not connected")

	// ErrClosed is returned by every command after Close.
	ErrClosed = errors.New("connmgr: closed")

	// ErrInvalidPeer is returned by ConnectTo for a peer without an address.
	ErrInvalidPeer = errors.New("connmgr: peer address required")

	// ErrWriteFailed wraps transport errors returned from Send.
	ErrWriteFailed = errors.New("connmgr: write failed")

	// The remaining kinds never reach callers of the Manager. They classify
	// worker failures in logs.
	ErrBindFailed   = errors.New("connmgr: bind failed")
	ErrAcceptFailed = errors.New("connmgr: accept failed")
	ErrDialFailed   = errors.New("connmgr: dial failed")
	ErrReadFailed   = errors.New("connmgr: read failed")
)
