// Package device implements the uniform link-driver interface of spec.md
// section 4.2: enumeration, up/down state, TX/RX hand-off, and a built-in
// loopback device. It has no notion of Ethernet or any other framing; that
// is layered on top by pkg/link, which registers itself as the RX
// dispatcher.
package device

import (
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/pbuf"
)

const MaxNameLength = 15

// HardwareAddr is a generic link-layer address (length + bytes); pkg/link
// interprets it as a 6-byte Ethernet MAC.
type HardwareAddr []byte

func (a HardwareAddr) String() string {
	const hex = "0123456789abcdef"
	if len(a) == 0 {
		return ""
	}
	out := make([]byte, 0, len(a)*3-1)
	for i, b := range a {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hex[b>>4], hex[b&0xf])
	}
	return string(out)
}

// Feature bits, per spec.md 3.
type Feature uint32

const (
	FeatureChecksumOffload Feature = 1 << iota
	FeatureSegmentation
	FeatureGRO
)

// State is the device's administrative up/down state.
type State uint32

const (
	Down State = iota
	Up
)

// Verdict is the outcome of a transmit attempt.
type Verdict int

const (
	Ok Verdict = iota
	Busy
	Dropped
)

// Stats holds the rx/tx packet, byte, error, and drop counters from
// spec.md 3. Fields are updated with atomic operations so a driver's RX
// callback and a reader of GetStats never race.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	RxErrors  atomic.Uint64
	RxDropped atomic.Uint64

	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxErrors  atomic.Uint64
	TxDropped atomic.Uint64
}

// Snapshot is a read-only point-in-time copy of Stats, safe to hand to an
// external diagnostics surface (spec.md 6).
type Snapshot struct {
	RxPackets, RxBytes, RxErrors, RxDropped uint64
	TxPackets, TxBytes, TxErrors, TxDropped uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RxPackets: s.RxPackets.Load(),
		RxBytes:   s.RxBytes.Load(),
		RxErrors:  s.RxErrors.Load(),
		RxDropped: s.RxDropped.Load(),
		TxPackets: s.TxPackets.Load(),
		TxBytes:   s.TxBytes.Load(),
		TxErrors:  s.TxErrors.Load(),
		TxDropped: s.TxDropped.Load(),
	}
}

// Driver is the vtable each link driver implements (spec.md 6 "Driver
// vtable"). Loopback's implementation lives in loopback.go.
type Driver interface {
	Open(dev *Device) error
	Stop(dev *Device) error
	StartXmit(pb *pbuf.Buffer, dev *Device) (Verdict, error)
	SetRxMode(dev *Device)
	GetStats(dev *Device) Snapshot
}

// Device is one network interface, owned by the Registry that registered
// it: attributes plus its driver vtable and counters, per spec.md 3.
type Device struct {
	Name      string
	Index     int
	HWType    uint16
	MTU       int
	Addr      HardwareAddr
	Broadcast HardwareAddr
	Features  Feature

	state atomic.Uint32
	Stats Stats

	Driver Driver
}

func (d *Device) State() State     { return State(d.state.Load()) }
func (d *Device) setState(s State) { d.state.Store(uint32(s)) }
func (d *Device) IsUp() bool       { return d.State() == Up }
