// Package udp implements UDP sockets: binding, the port hash table, send,
// and the no-listener ICMP port-unreachable path (spec.md 4.7).
package udp

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/icmp"
	"github.com/kaihe/kstack/pkg/ip"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// ephemeralLow/ephemeralHigh bound the auto-bind range for an unbound
// socket's first Send (spec.md 4.7).
const (
	ephemeralLow  = 32768
	ephemeralHigh = 61000
)

// txHeadroom covers the Ethernet (14 B) and IP (20 B) headers prepended
// below pkg/udp by the link and network layers.
const txHeadroom = 14 + ip.MinHeaderLen

// Stats are UDP-layer counters (spec.md 7).
type Stats struct {
	RxMalformed atomic.Uint64
	RxNoSocket  atomic.Uint64
}

// PortUnreachableFunc observes a datagram dropped for lack of a matching
// socket, for diagnostics surfaces the host wires in.
type PortUnreachableFunc func(src, dst netip.Addr, dstPort uint16)

// UDP is the UDP protocol handler, wired onto an ip.IP. icmp, if non-nil,
// originates port-unreachable replies for datagrams with no matching
// socket.
type UDP struct {
	ip   *ip.IP
	icmp *icmp.ICMP

	mu            sync.Mutex
	buckets       map[uint8][]*Socket // local_port mod 256 -> sockets, per spec.md 4.7
	nextEphemeral uint16

	onPortUnreachable PortUnreachableFunc

	Stats Stats
}

// OnPortUnreachable installs fn as the no-socket-match observer.
func (u *UDP) OnPortUnreachable(fn PortUnreachableFunc) { u.onPortUnreachable = fn }

// New constructs a UDP handler and registers it for ip.ProtoUDP.
func New(ipLayer *ip.IP, icmpLayer *icmp.ICMP) *UDP {
	u := &UDP{
		ip:            ipLayer,
		icmp:          icmpLayer,
		buckets:       make(map[uint8][]*Socket),
		nextEphemeral: ephemeralLow,
	}
	ipLayer.RegisterProtocol(ip.ProtoUDP, u.rx)
	return u
}

func hash(port uint16) uint8 { return uint8(port) }

// collides reports whether binding s would conflict with an already-bound
// socket existing on the same local port, per spec.md 4.7's bind rules: a
// collision is avoided if both sockets set ReusePort, if their local
// addresses are both specific and differ, or if one side is the wildcard
// address and the other sets ReuseAddr.
func collides(existing, s *Socket) bool {
	if existing.LocalPort != s.LocalPort {
		return false
	}
	if existing.ReusePort && s.ReusePort {
		return false
	}
	if existing.LocalAddr.IsValid() && s.LocalAddr.IsValid() && existing.LocalAddr != s.LocalAddr {
		return false
	}
	if !existing.LocalAddr.IsValid() && s.ReuseAddr {
		return false
	}
	if !s.LocalAddr.IsValid() && existing.ReuseAddr {
		return false
	}
	return true
}

// Bind attaches s to localAddr:localPort, choosing an ephemeral port in
// [32768, 61000) when localPort is 0 (spec.md 4.7).
func (u *UDP) Bind(s *Socket, localAddr netip.Addr, localPort uint16) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if localPort == 0 {
		port, err := u.allocEphemeralLocked(localAddr)
		if err != nil {
			return err
		}
		localPort = port
	} else {
		probe := &Socket{LocalPort: localPort, LocalAddr: localAddr, ReuseAddr: s.ReuseAddr, ReusePort: s.ReusePort}
		for _, other := range u.buckets[hash(localPort)] {
			if other != s && collides(other, probe) {
				return ErrAddrInUse
			}
		}
	}

	s.LocalAddr = localAddr
	s.LocalPort = localPort
	h := hash(localPort)
	u.buckets[h] = append(u.buckets[h], s)
	return nil
}

func (u *UDP) allocEphemeralLocked(localAddr netip.Addr) (uint16, error) {
	span := uint16(ephemeralHigh - ephemeralLow)
	for i := uint16(0); i < span; i++ {
		port := ephemeralLow + (u.nextEphemeral-ephemeralLow+i)%span
		free := true
		for _, other := range u.buckets[hash(port)] {
			if other.LocalPort == port && (!other.LocalAddr.IsValid() || !localAddr.IsValid() || other.LocalAddr == localAddr) {
				free = false
				break
			}
		}
		if free {
			u.nextEphemeral = port + 1
			if u.nextEphemeral >= ephemeralHigh {
				u.nextEphemeral = ephemeralLow
			}
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// Connect fixes s's remote peer, auto-binding an ephemeral local port first
// if s is not yet bound.
func (u *UDP) Connect(s *Socket, remoteAddr netip.Addr, remotePort uint16) error {
	if s.LocalPort == 0 {
		if err := u.Bind(s, netip.Addr{}, 0); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.RemoteAddr = remoteAddr
	s.RemotePort = remotePort
	s.mu.Unlock()
	return nil
}

// Close removes s from the port hash table.
func (u *UDP) Close(s *Socket) {
	u.mu.Lock()
	h := hash(s.LocalPort)
	bucket := u.buckets[h]
	for i, other := range bucket {
		if other == s {
			u.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	u.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// SendTo transmits payload to dst:dstPort from s, auto-binding an ephemeral
// port first if s is not yet bound.
func (u *UDP) SendTo(s *Socket, dst netip.Addr, dstPort uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	if s.LocalPort == 0 {
		if err := u.Bind(s, netip.Addr{}, 0); err != nil {
			return err
		}
	}

	pb, err := pbuf.Alloc(HeaderLen+len(payload), txHeadroom, pbuf.PriorityNormal)
	if err != nil {
		return err
	}
	buf := pb.PutTail(HeaderLen + len(payload))
	copy(buf[HeaderLen:], payload)
	header{SrcPort: s.LocalPort, DstPort: dstPort, Length: uint16(HeaderLen + len(payload))}.encode(buf)

	return u.ip.Send(dst, s.LocalAddr, ip.ProtoUDP, pb)
}

// Send transmits payload to s's connected remote peer.
func (u *UDP) Send(s *Socket, payload []byte) error {
	if !s.connected() {
		return ErrNotBound
	}
	return u.SendTo(s, s.RemoteAddr, s.RemotePort, payload)
}

// rx is installed as the IP layer's ProtoUDP handler.
func (u *UDP) rx(pb *pbuf.Buffer, src, dst netip.Addr) {
	buf := pb.Bytes()
	h, err := decodeHeader(buf)
	if err != nil || int(h.Length) < HeaderLen || int(h.Length) > len(buf) {
		u.Stats.RxMalformed.Add(1)
		pb.Free()
		return
	}

	u.mu.Lock()
	var best *Socket
	bestScore := -1
	for _, s := range u.buckets[hash(h.DstPort)] {
		if s.LocalPort != h.DstPort {
			continue
		}
		if score, ok := s.specificity(dst, src, h.SrcPort); ok && score > bestScore {
			bestScore = score
			best = s
		}
	}
	u.mu.Unlock()

	if best == nil {
		u.Stats.RxNoSocket.Add(1)
		if !ip.IsBroadcastOrMulticast(dst) {
			if u.icmp != nil {
				u.icmp.SendPortUnreachable(src, dst, buf) // reads buf before pb freed below
			}
			if u.onPortUnreachable != nil {
				u.onPortUnreachable(src, dst, h.DstPort)
			}
		}
		pb.Free()
		return
	}

	payload := append([]byte(nil), buf[HeaderLen:h.Length]...)
	pb.Free()
	best.enqueue(Datagram{Payload: payload, SrcAddr: src, SrcPort: h.SrcPort})
}
