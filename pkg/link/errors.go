package link

import "errors"

var (
	ErrFrameTooShort = errors.New("link: frame shorter than 14-byte header")
	ErrNoHeadroom    = errors.New("link: insufficient headroom for ethernet header")
	ErrInvalidAddr   = errors.New("link: invalid hardware address")
	ErrProtocolTaken = errors.New("link: ethertype handler already registered")
)
