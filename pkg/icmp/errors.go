package icmp

import "errors"

var (
	ErrMalformed      = errors.New("icmp: malformed message")
	ErrNoSlot         = errors.New("icmp: outstanding ping table full")
	ErrNotOutstanding = errors.New("icmp: reply does not match an outstanding request")
)
