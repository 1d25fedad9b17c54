package netstack

import "errors"

var (
	ErrInterfaceSetup   = errors.New("interface setup failed")
	ErrUnknownInterface = errors.New("route references unknown interface")
)
