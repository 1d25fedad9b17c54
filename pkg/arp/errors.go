package arp

import "errors"

var (
	ErrNotIPv4       = errors.New("arp: address is not IPv4")
	ErrMalformed     = errors.New("arp: malformed packet")
	ErrUnsupportedHW = errors.New("arp: unsupported hardware/protocol type")
)
