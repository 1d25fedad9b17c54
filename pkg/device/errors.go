package device

import "errors"

var (
	ErrNameTooLong    = errors.New("device: name exceeds 15 characters")
	ErrNameTaken      = errors.New("device: name already registered")
	ErrDeviceNotFound = errors.New("device: not found")
	ErrDeviceDown     = errors.New("device: not up")
	ErrNoDriver       = errors.New("device: no driver attached")
)
