// Package ip implements IPv4 header parsing/construction, routing,
// fragmentation/reassembly, and RX/TX dispatch (spec.md 4.5).
package ip

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/arp"
	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// ProtocolHandler processes a reassembled, header-stripped IP payload.
// pb.Bytes() is the transport-layer payload; src/dst are the datagram's
// addresses.
type ProtocolHandler func(pb *pbuf.Buffer, src, dst netip.Addr)

// Stats are IP-layer counters (spec.md 7).
type Stats struct {
	RxMalformed    atomic.Uint64
	RxNotLocal     atomic.Uint64
	RxUnknownProto atomic.Uint64
	TxNoRoute      atomic.Uint64
}

// FragmentedFunc observes an outbound datagram that needed fragmentation,
// for diagnostics surfaces the host wires in.
type FragmentedFunc func(dest netip.Addr, fragments int)

// ReassemblyFailedFunc observes an incomplete fragment bucket that was
// discarded after sitting past ReassemblyTimeoutTicks.
type ReassemblyFailedFunc func(src, dst netip.Addr, id uint16, gotBytes, totalBytes int)

// IP is the network-layer orchestrator: per-device address assignment,
// routing, reassembly, and protocol dispatch, wired onto a link.Link.
type IP struct {
	link     *link.Link
	arp      *arp.ARP
	registry *device.Registry
	routes   *RouteTable
	reasm    *Reassembler

	mu    sync.Mutex
	addrs map[int]netip.Prefix // dev.Index -> assigned address/mask
	proto map[uint8]ProtocolHandler

	id  atomic.Uint32
	now atomic.Uint64

	Stats Stats

	// OnUnknownProtocol, if set, is invoked for a datagram whose protocol
	// number has no registered handler, before it is freed (spec.md 4.5
	// RX step 4: "Unknown protocols: ICMP protocol unreachable reply,
	// then drop"). pkg/icmp wires this in to avoid an import cycle.
	OnUnknownProtocol func(h Header, payload []byte)

	onFragmented       FragmentedFunc
	onReassemblyFailed ReassemblyFailedFunc
}

// OnFragmented installs fn as the outbound-fragmentation observer.
func (ip *IP) OnFragmented(fn FragmentedFunc) { ip.onFragmented = fn }

// OnReassemblyFailed installs fn as the expired-fragment-bucket observer.
func (ip *IP) OnReassemblyFailed(fn ReassemblyFailedFunc) { ip.onReassemblyFailed = fn }

// New constructs an IP layer and registers it as the link layer's handler
// for EtherTypeIP. arp resolves next-hop MACs; it must have been
// constructed with a LocalAddr callback that reads back from this IP's
// AddrOf.
func New(l *link.Link, a *arp.ARP, registry *device.Registry) *IP {
	ip := &IP{
		link:     l,
		arp:      a,
		registry: registry,
		routes:   NewRouteTable(),
		reasm:    NewReassembler(),
		addrs:    make(map[int]netip.Prefix),
		proto:    make(map[uint8]ProtocolHandler),
	}
	l.RegisterProtocol(link.EtherTypeIP, ip.rx)
	return ip
}

// RegisterProtocol installs handler for an IP protocol number (ICMP=1,
// TCP=6, UDP=17).
func (ip *IP) RegisterProtocol(protocol uint8, handler ProtocolHandler) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.proto[protocol] = handler
}

// SetAddr assigns dev the address and mask in prefix and installs a
// directly connected route for its subnet.
func (ip *IP) SetAddr(dev *device.Device, prefix netip.Prefix) {
	ip.mu.Lock()
	ip.addrs[dev.Index] = prefix
	ip.mu.Unlock()

	ip.routes.Add(Route{
		Dest: prefix.Masked(),
		Dev:  dev,
	})
}

// AddrOf returns the address assigned to dev, for use as arp.LocalAddr.
func (ip *IP) AddrOf(dev *device.Device) (netip.Addr, bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	p, ok := ip.addrs[dev.Index]
	if !ok {
		return netip.Addr{}, false
	}
	return p.Addr(), true
}

// Routes exposes the routing table for add/delete/dump by the host
// harness (spec.md 4.5: "add/delete/lookup/dump").
func (ip *IP) Routes() *RouteTable { return ip.routes }

// Reassembler exposes the fragment-reassembly table for diagnostics and
// tests.
func (ip *IP) Reassembler() *Reassembler { return ip.reasm }

// isLocal reports whether dst matches one of this stack's own addresses.
func (ip *IP) isLocal(dst netip.Addr) bool {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	for _, p := range ip.addrs {
		if p.Addr() == dst {
			return true
		}
	}
	return false
}

// IsBroadcastOrMulticast reports whether dst is the limited broadcast
// address or in the multicast range, exposed so transport layers can
// decide whether a no-listener datagram deserves an ICMP unreachable
// reply (spec.md 4.7: no reply for broadcast/multicast destinations).
func IsBroadcastOrMulticast(dst netip.Addr) bool {
	if !dst.Is4() {
		return false
	}
	b := dst.As4()
	if b == [4]byte{255, 255, 255, 255} {
		return true
	}
	return b[0] >= 224 && b[0] <= 239
}

// Send builds and transmits an IP datagram carrying payload (already
// written into pb) to dst, per spec.md 4.5 TX steps 1-5. src, if the zero
// value, is selected from the outgoing route's device address.
func (ip *IP) Send(dst netip.Addr, src netip.Addr, protocol uint8, pb *pbuf.Buffer) error {
	route, ok := ip.routes.Lookup(dst)
	if !ok {
		ip.Stats.TxNoRoute.Add(1)
		pb.Free()
		return ErrNoRoute
	}

	if !src.IsValid() {
		var ok bool
		src, ok = ip.AddrOf(route.Dev)
		if !ok {
			pb.Free()
			return ErrNoSourceAddr
		}
	}

	h := Header{
		TOS:      0,
		ID:       uint16(ip.id.Add(1)),
		TTL:      DefaultTTL,
		Protocol: protocol,
		Src:      src,
		Dst:      dst,
	}

	nextHop := dst
	if route.HasGateway {
		nextHop = route.Gateway
	}

	mtu := route.Dev.MTU
	total := MinHeaderLen + pb.Len()
	if total <= mtu {
		h.TotalLen = total
		hdr := pb.PushHead(MinHeaderLen)
		h.Encode(hdr)
		pb.ResetNetworkHeader()
		return ip.output(pb, route.Dev, nextHop)
	}
	return ip.fragmentAndSend(h, pb, route.Dev, nextHop, mtu)
}

// fragmentAndSend splits payload into MTU-sized, 8-byte-aligned chunks and
// transmits each as its own IP datagram, per spec.md 4.5 "Fragmentation".
func (ip *IP) fragmentAndSend(h Header, pb *pbuf.Buffer, dev *device.Device, nextHop netip.Addr, mtu int) error {
	payload := append([]byte(nil), pb.Bytes()...)
	pb.Free()

	chunkSize := ((mtu - MinHeaderLen) / 8) * 8
	if chunkSize <= 0 {
		return ErrTooLarge
	}

	if ip.onFragmented != nil {
		fragments := (len(payload) + chunkSize - 1) / chunkSize
		ip.onFragmented(h.Dst, fragments)
	}

	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		chunk := payload[off:end]

		frag, err := pbuf.Alloc(len(chunk), link.HeaderLen+MinHeaderLen, pbuf.PriorityNormal)
		if err != nil {
			return err
		}
		copy(frag.PutTail(len(chunk)), chunk)

		fh := h
		fh.FragOffset = off / 8
		fh.MoreFragments = more
		fh.TotalLen = MinHeaderLen + len(chunk)

		hdr := frag.PushHead(MinHeaderLen)
		fh.Encode(hdr)
		frag.ResetNetworkHeader()

		if err := ip.output(frag, dev, nextHop); err != nil {
			return err
		}
	}
	return nil
}

// output ARP-resolves nextHop and, once resolved, hands pb to the link
// layer (spec.md 4.5 step 5). A Pending resolution is not an error: ARP
// has taken ownership of pb and will transmit it once the MAC is learned.
func (ip *IP) output(pb *pbuf.Buffer, dev *device.Device, nextHop netip.Addr) error {
	mac, ok := ip.arp.Resolve(nextHop, dev, pb)
	if !ok {
		return nil
	}
	_, err := ip.link.Send(dev, mac, link.EtherTypeIP, pb)
	return err
}

// rx is installed as the link layer's EtherTypeIP handler.
func (ip *IP) rx(pb *pbuf.Buffer, dev *device.Device) bool {
	if pb.Len() < MinHeaderLen {
		ip.Stats.RxMalformed.Add(1)
		pb.Free()
		return true
	}
	h, err := DecodeHeader(pb.Bytes())
	if err != nil || Checksum(pb.Bytes()[:h.IHL*4]) != 0 {
		ip.Stats.RxMalformed.Add(1)
		pb.Free()
		return true
	}
	if h.TotalLen < h.IHL*4 || h.TotalLen > pb.Len() {
		ip.Stats.RxMalformed.Add(1)
		pb.Free()
		return true
	}

	if !ip.isLocal(h.Dst) && !IsBroadcastOrMulticast(h.Dst) {
		ip.Stats.RxNotLocal.Add(1)
		pb.Free()
		return true
	}

	pb.ResetNetworkHeader()
	pb.PullHead(h.IHL * 4)
	pb.Trim(h.TotalLen - h.IHL*4)

	if h.MoreFragments || h.FragOffset > 0 {
		rh, payload, complete := ip.reasm.Insert(h, pb, ip.now.Load())
		if !complete {
			return true
		}
		reassembled, err := pbuf.Alloc(len(payload), 0, pbuf.PriorityNormal)
		if err != nil {
			return true
		}
		copy(reassembled.PutTail(len(payload)), payload)
		return ip.dispatch(rh, reassembled)
	}

	return ip.dispatch(h, pb)
}

func (ip *IP) dispatch(h Header, pb *pbuf.Buffer) bool {
	ip.mu.Lock()
	handler := ip.proto[h.Protocol]
	ip.mu.Unlock()

	if handler == nil {
		ip.Stats.RxUnknownProto.Add(1)
		if ip.OnUnknownProtocol != nil {
			ip.OnUnknownProtocol(h, pb.Bytes())
		}
		pb.Free()
		return true
	}
	handler(pb, h.Src, h.Dst)
	return true
}

// Tick advances the clock used for reassembly timestamps and expires
// stale reassembly buckets (spec.md 9).
func (ip *IP) Tick(now uint64) {
	ip.now.Store(now)
	expired := ip.reasm.Age(now)
	if ip.onReassemblyFailed != nil {
		for _, e := range expired {
			ip.onReassemblyFailed(e.Src, e.Dst, e.ID, e.GotBytes, e.TotalBytes)
		}
	}
}
