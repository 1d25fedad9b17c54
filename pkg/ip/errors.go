package ip

import "errors"

var (
	ErrNoRoute            = errors.New("ip: no route to destination")
	ErrMalformed          = errors.New("ip: malformed header")
	ErrUnsupportedVersion = errors.New("ip: unsupported header version")
	ErrTooLarge           = errors.New("ip: payload exceeds maximum datagram size")
	ErrNoSourceAddr       = errors.New("ip: no source address available for route")
)
