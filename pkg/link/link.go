// Package link implements Ethernet framing over pkg/device: frame
// encode/decode, broadcast/multicast/unicast classification, and dispatch
// by EtherType to registered upper-layer protocols (spec.md 4.3).
package link

import (
	"sync"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// ProtocolHandler processes an inbound PDU already stripped of its Ethernet
// header (pb.Bytes() starts at the upper-layer payload). It returns true if
// it consumed pb (including freeing it), matching device.Dispatcher's
// "claimed" convention.
type ProtocolHandler func(pb *pbuf.Buffer, dev *device.Device) bool

// Stats are link-layer counters not owned by any single device (spec.md 7:
// "Unknown protocols... counted").
type Stats struct {
	RxShort            atomic.Uint64
	RxFiltered         atomic.Uint64
	RxUnknownEtherType atomic.Uint64
}

// Link wires Ethernet framing onto a device.Registry: it installs itself as
// the registry's RX dispatcher and fans inbound frames out to whichever
// protocol (IP, ARP, ...) registered for the frame's EtherType.
type Link struct {
	registry *device.Registry

	mu       sync.Mutex
	handlers map[uint16]ProtocolHandler

	Stats Stats
}

func New(registry *device.Registry) *Link {
	l := &Link{registry: registry, handlers: make(map[uint16]ProtocolHandler)}
	registry.SetDispatcher(l.rx)
	return l
}

// RegisterProtocol installs handler for ethertype. It returns
// ErrProtocolTaken if a handler is already registered for that ethertype.
func (l *Link) RegisterProtocol(ethertype uint16, handler ProtocolHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.handlers[ethertype]; taken {
		return ErrProtocolTaken
	}
	l.handlers[ethertype] = handler
	return nil
}

// Send pushes a 14-byte Ethernet header into pb's headroom and hands it to
// the device. The caller must have reserved at least HeaderLen bytes of
// headroom (e.g. via pbuf.Alloc(size, HeaderLen+upperHeadroom, ...)).
func (l *Link) Send(dev *device.Device, dst Addr, ethertype uint16, pb *pbuf.Buffer) (device.Verdict, error) {
	if pb.Headroom() < HeaderLen {
		pb.Free()
		return device.Dropped, ErrNoHeadroom
	}
	src := FromHardwareAddr(dev.Addr)
	hdr := pb.PushHead(HeaderLen)
	if len(hdr) != HeaderLen {
		pb.Free()
		return device.Dropped, ErrNoHeadroom
	}
	encodeHeader(hdr, dst, src, ethertype)
	pb.ResetMACHeader()
	return l.registry.Xmit(pb, dev)
}

// rx is installed as the device registry's Dispatcher.
func (l *Link) rx(pb *pbuf.Buffer, dev *device.Device) bool {
	if pb.Len() < HeaderLen {
		l.Stats.RxShort.Add(1)
		return false
	}

	hdr := pb.Bytes()[:HeaderLen]
	dst, _, ethertype := decodeHeader(hdr)

	devAddr := FromHardwareAddr(dev.Addr)
	switch {
	case dst.IsBroadcast():
		pb.PktType = pbuf.Broadcast
	case dst.IsMulticast():
		pb.PktType = pbuf.Multicast
	case dst.Equal(devAddr):
		pb.PktType = pbuf.Unicast
	default:
		l.Stats.RxFiltered.Add(1)
		return false
	}

	pb.ResetMACHeader()
	pb.PullHead(HeaderLen)
	pb.LinkProto = ethertype

	l.mu.Lock()
	handler := l.handlers[ethertype]
	l.mu.Unlock()

	if handler == nil {
		l.Stats.RxUnknownEtherType.Add(1)
		pb.Free()
		return true
	}
	return handler(pb, dev)
}
