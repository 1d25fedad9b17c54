package udp

import "errors"

var (
	ErrAddrInUse       = errors.New("udp: address already in use")
	ErrNoFreePort      = errors.New("udp: no ephemeral port available")
	ErrPayloadTooLarge = errors.New("udp: payload exceeds 65507 bytes")
	ErrNotBound        = errors.New("udp: socket has no remote address")
	ErrClosed          = errors.New("udp: socket closed")
	ErrMalformed       = errors.New("udp: malformed header")
)
