package tcp

import "errors"

var (
	ErrMalformed       = errors.New("tcp: malformed segment")
	ErrAddrInUse       = errors.New("tcp: address already in use")
	ErrNoFreePort      = errors.New("tcp: no ephemeral port available")
	ErrNotListening    = errors.New("tcp: socket is not in Listen state")
	ErrBacklogFull     = errors.New("tcp: listen backlog full")
	ErrConnectionReset = errors.New("tcp: connection reset")
	ErrNotConnected    = errors.New("tcp: socket is not connected")
	ErrClosed          = errors.New("tcp: socket closed")
	ErrWouldBlock      = errors.New("tcp: operation would block")
)
