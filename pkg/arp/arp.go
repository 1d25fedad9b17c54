// Package arp implements IPv4 address resolution over Ethernet (spec.md
// 4.4): a fixed-size cache with pending-packet queues, request/reply
// handling, aging, and gratuitous announce.
package arp

import (
	"net/netip"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// LocalAddr resolves the IPv4 address assigned to dev, if any. pkg/ip owns
// the interface address table and supplies this at wiring time; ARP
// itself has no notion of address assignment.
type LocalAddr func(dev *device.Device) (netip.Addr, bool)

// ResolvedFunc observes a completed resolution (cache entry moving into
// Complete), for diagnostics surfaces the host wires in.
type ResolvedFunc func(ip netip.Addr, mac link.Addr)

// TimeoutFunc observes a Pending entry abandoned after MaxRetries.
type TimeoutFunc func(ip netip.Addr, queuedDropped int)

// ARP ties a Cache to a link.Link, sending requests/replies and learning
// from inbound traffic.
type ARP struct {
	Cache    *Cache
	link     *link.Link
	registry *device.Registry
	localIP  LocalAddr

	onResolved ResolvedFunc
	onTimeout  TimeoutFunc

	now   atomic.Uint64
	Stats Stats
}

// OnResolved installs fn as the resolution observer.
func (a *ARP) OnResolved(fn ResolvedFunc) { a.onResolved = fn }

// OnTimeout installs fn as the abandoned-resolution observer.
func (a *ARP) OnTimeout(fn TimeoutFunc) { a.onTimeout = fn }

// Stats are RX-side error counters (spec.md 7).
type Stats struct {
	RxMalformed atomic.Uint64
}

// New constructs an ARP resolver and registers it as the link layer's
// handler for EtherTypeARP.
func New(l *link.Link, registry *device.Registry, localIP LocalAddr) *ARP {
	a := &ARP{
		Cache:    NewCache(),
		link:     l,
		registry: registry,
		localIP:  localIP,
	}
	l.RegisterProtocol(link.EtherTypeARP, a.rx)
	return a
}

// Resolve looks up ip on dev. On a cache hit it returns the MAC
// immediately; on a miss it queues pb (if non-nil) behind a Pending entry,
// broadcasts a request if one is due, and returns ok=false — the caller
// must not transmit pb itself; ARP transmits it once resolution completes.
func (a *ARP) Resolve(ip netip.Addr, dev *device.Device, pb *pbuf.Buffer) (mac link.Addr, ok bool) {
	now := a.now.Load()
	mac, immediate, needRequest := a.Cache.resolve(ip, dev, pb, now)
	if needRequest {
		a.sendRequest(ip, dev)
	}
	return mac, immediate
}

// Announce broadcasts a gratuitous ARP request (sender == target) to
// advertise dev's address, per spec.md 4.4.
func (a *ARP) Announce(dev *device.Device) {
	my, ok := a.localIP(dev)
	if !ok {
		return
	}
	a.sendPacket(dev, link.Broadcast, packet{
		Op:       OpRequest,
		SenderHW: link.FromHardwareAddr(dev.Addr),
		SenderIP: my,
		TargetHW: link.Addr{},
		TargetIP: my,
	})
}

func (a *ARP) sendRequest(ip netip.Addr, dev *device.Device) {
	my, ok := a.localIP(dev)
	if !ok {
		return
	}
	a.sendPacket(dev, link.Broadcast, packet{
		Op:       OpRequest,
		SenderHW: link.FromHardwareAddr(dev.Addr),
		SenderIP: my,
		TargetHW: link.Addr{},
		TargetIP: ip,
	})
}

func (a *ARP) sendReply(dev *device.Device, targetIP netip.Addr, targetMAC link.Addr) {
	my, ok := a.localIP(dev)
	if !ok {
		return
	}
	a.sendPacket(dev, targetMAC, packet{
		Op:       OpReply,
		SenderHW: link.FromHardwareAddr(dev.Addr),
		SenderIP: my,
		TargetHW: targetMAC,
		TargetIP: targetIP,
	})
}

func (a *ARP) sendPacket(dev *device.Device, dst link.Addr, p packet) {
	pb, err := pbuf.Alloc(PacketLen, link.HeaderLen, pbuf.PriorityNormal)
	if err != nil {
		return
	}
	p.encode(pb.PutTail(PacketLen))
	a.link.Send(dev, dst, link.EtherTypeARP, pb)
}

// rx is installed as the link layer's EtherTypeARP handler.
func (a *ARP) rx(pb *pbuf.Buffer, dev *device.Device) bool {
	p, err := decodePacket(pb.Bytes())
	pb.Free()
	if err != nil {
		a.Stats.RxMalformed.Add(1)
		return true
	}

	now := a.now.Load()
	drained := a.Cache.Add(p.SenderIP, p.SenderHW, dev, false, now)
	for _, qp := range drained {
		a.link.Send(dev, p.SenderHW, link.EtherTypeIP, qp)
	}
	if a.onResolved != nil {
		a.onResolved(p.SenderIP, p.SenderHW)
	}

	if p.Op == OpRequest {
		if my, ok := a.localIP(dev); ok && p.TargetIP == my {
			a.sendReply(dev, p.SenderIP, p.SenderHW)
		}
	}
	return true
}

// Tick advances the cache clock, ages out stale entries, and retransmits
// pending requests that are due (spec.md 9: ARP aging driven by the timer
// tick).
func (a *ARP) Tick(now uint64) {
	a.now.Store(now)
	retries, abandoned := a.Cache.age(now)
	for _, r := range retries {
		if dev, ok := a.registry.GetByIndex(r.devIndex); ok {
			a.sendRequest(r.ip, dev)
		}
	}
	if a.onTimeout != nil {
		for _, ab := range abandoned {
			a.onTimeout(ab.ip, ab.queuedDropped)
		}
	}
}
