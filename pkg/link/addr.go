package link

import (
	"fmt"

	"github.com/kaihe/kstack/internal/errx"
	"github.com/kaihe/kstack/pkg/device"
)

// Addr is a 6-byte Ethernet MAC address.
type Addr [6]byte

var (
	Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	Zero      = Addr{}
)

func (a Addr) Equal(b Addr) bool { return a == b }

func (a Addr) IsZero() bool { return a == Zero }

func (a Addr) IsBroadcast() bool { return a == Broadcast }

// IsMulticast reports whether the I/G bit (LSB of the first octet) is set.
func (a Addr) IsMulticast() bool { return a[0]&0x01 != 0 }

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a Addr) Bytes() []byte { return a[:] }

func FromHardwareAddr(h device.HardwareAddr) Addr {
	var a Addr
	copy(a[:], h)
	return a
}

func (a Addr) HardwareAddr() device.HardwareAddr {
	return device.HardwareAddr(append([]byte(nil), a[:]...))
}

// ParseAddr parses the colon-hex string form ("aa:bb:cc:dd:ee:ff").
func ParseAddr(s string) (Addr, error) {
	var a Addr
	if len(s) != 17 {
		return a, errx.With(ErrInvalidAddr, ": %q", s)
	}
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return a, errx.With(ErrInvalidAddr, ": %q", s)
	}
	return a, nil
}
