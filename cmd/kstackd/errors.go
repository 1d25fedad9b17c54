package main

import "errors"

// Config errors
var (
	ErrInvalidHWAddr  = errors.New("invalid hardware address")
	ErrInvalidAddress = errors.New("invalid interface address")
	ErrInvalidRoute   = errors.New("invalid route specification")
	ErrInvalidPeer    = errors.New("invalid tunnel peer address")
)

// Run errors
var (
	ErrOpenLogFile  = errors.New("open log file")
	ErrBuildStack   = errors.New("build network stack")
	ErrListenTunnel = errors.New("listen on tunnel socket")
)
