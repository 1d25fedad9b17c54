// Package icmp implements echo request/reply with RTT tracking and the
// error-message subset of ICMP used by this stack (spec.md 4.6).
package icmp

import (
	"net/netip"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/ip"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// DestUnreachable codes this stack originates.
const (
	CodeProtocolUnreachable = 2
	CodePortUnreachable     = 3
)

// txHeadroom covers the Ethernet (14 B) and IP (20 B) headers prepended
// below pkg/icmp by the link and network layers.
const txHeadroom = 14 + ip.MinHeaderLen

// Stats are ICMP-layer counters (spec.md 7).
type Stats struct {
	EchoRequestsRx atomic.Uint64
	EchoRepliesRx  atomic.Uint64
	EchoRequestsTx atomic.Uint64
	ErrorsTx       atomic.Uint64
	RxMalformed    atomic.Uint64
}

// UnreachableFunc observes an originated DestUnreachable message, for
// diagnostics surfaces the host wires in.
type UnreachableFunc func(dest netip.Addr, code uint8)

// ICMP is the ICMP protocol handler, wired onto an ip.IP.
type ICMP struct {
	ip    *ip.IP
	pings *PingTable
	now   atomic.Uint64

	onUnreachable UnreachableFunc

	Stats Stats
}

// OnUnreachable installs fn as the originated-unreachable observer.
func (c *ICMP) OnUnreachable(fn UnreachableFunc) { c.onUnreachable = fn }

// New constructs an ICMP handler, registers it for ip.ProtoICMP, and wires
// itself as the IP layer's unknown-protocol notifier (spec.md 4.5 RX step
// 4).
func New(ipLayer *ip.IP) *ICMP {
	c := &ICMP{ip: ipLayer, pings: NewPingTable()}
	ipLayer.RegisterProtocol(ip.ProtoICMP, c.rx)
	ipLayer.OnUnknownProtocol = func(h ip.Header, payload []byte) {
		c.sendError(h, payload, TypeDestUnreachable, CodeProtocolUnreachable)
	}
	return c
}

// Tick advances the clock used for RTT sampling.
func (c *ICMP) Tick(now uint64) { c.now.Store(now) }

// Ping sends an EchoRequest to dest and registers it in the outstanding
// ping table; cb (optional) fires when the matching EchoReply arrives. It
// returns a trace ID correlating this ping's request and (eventual) reply
// in the event log.
func (c *ICMP) Ping(dest netip.Addr, id, seq uint16, payload []byte, cb Callback) (string, error) {
	now := c.now.Load()
	traceID, err := c.pings.Register(id, seq, dest, now, cb)
	if err != nil {
		return "", err
	}
	c.Stats.EchoRequestsTx.Add(1)
	if err := c.sendEcho(dest, TypeEchoRequest, id, seq, payload); err != nil {
		return "", err
	}
	return traceID, nil
}

func (c *ICMP) sendEcho(dest netip.Addr, typ uint8, id, seq uint16, payload []byte) error {
	pb, err := pbuf.Alloc(HeaderLen+len(payload), txHeadroom, pbuf.PriorityNormal)
	if err != nil {
		return err
	}
	buf := pb.PutTail(HeaderLen + len(payload))
	copy(buf[HeaderLen:], payload)
	encodeHeader(buf, header{Type: typ, Rest: encodeEchoRest(id, seq)}, len(payload))
	return c.ip.Send(dest, netip.Addr{}, ip.ProtoICMP, pb)
}

// sendError builds and transmits an ICMP error message carrying the first
// ErrorPayloadLen bytes of the offending datagram's payload plus its IP
// header, per RFC 792. Suppressed when the offending datagram was itself
// ICMP (spec.md 4.6).
func (c *ICMP) sendError(origHeader ip.Header, origPayload []byte, typ, code uint8) {
	if origHeader.Protocol == ip.ProtoICMP {
		return
	}
	n := len(origPayload)
	if n > ErrorPayloadLen {
		n = ErrorPayloadLen
	}

	origIPHeader := make([]byte, ip.MinHeaderLen)
	origHeader.Encode(origIPHeader)
	body := append(origIPHeader, origPayload[:n]...)

	pb, err := pbuf.Alloc(HeaderLen+len(body), txHeadroom, pbuf.PriorityNormal)
	if err != nil {
		return
	}
	buf := pb.PutTail(HeaderLen + len(body))
	copy(buf[HeaderLen:], body)
	encodeHeader(buf, header{Type: typ, Code: code}, len(body))

	if err := c.ip.Send(origHeader.Src, netip.Addr{}, ip.ProtoICMP, pb); err == nil {
		c.Stats.ErrorsTx.Add(1)
		if c.onUnreachable != nil {
			c.onUnreachable(origHeader.Src, code)
		}
	}
}

// SendPortUnreachable originates a DestUnreachable/PortUnreachable for a UDP
// datagram with no matching socket (spec.md 4.7). The IP layer only hands
// protocol handlers src/dst, not the stripped header, so the embedded
// "offending datagram" carries a reconstructed header rather than the
// original TTL/TotalLen; RFC 792 consumers key off Protocol+addresses, not
// those fields, for this report.
func (c *ICMP) SendPortUnreachable(src, dst netip.Addr, payload []byte) {
	c.sendError(ip.Header{Protocol: ip.ProtoUDP, Src: src, Dst: dst}, payload, TypeDestUnreachable, CodePortUnreachable)
}

// rx is installed as the IP layer's ProtoICMP handler.
func (c *ICMP) rx(pb *pbuf.Buffer, src, dst netip.Addr) {
	h, body, err := decodeHeader(pb.Bytes())
	if err != nil {
		c.Stats.RxMalformed.Add(1)
		pb.Free()
		return
	}

	switch h.Type {
	case TypeEchoRequest:
		c.Stats.EchoRequestsRx.Add(1)
		id, seq := decodeEchoRest(h.Rest)
		c.sendEcho(src, TypeEchoReply, id, seq, body) // reads body before pb is freed below
		pb.Free()

	case TypeEchoReply:
		c.Stats.EchoRepliesRx.Add(1)
		id, seq := decodeEchoRest(h.Rest)
		pb.Free()
		c.pings.Complete(id, seq, src, c.now.Load())

	case TypeDestUnreachable, TypeTimeExceeded, TypeParameterProblem, TypeSourceQuench, TypeRedirect:
		// Accepted and freed with no further action and no counter:
		// SourceQuench and Redirect are no-ops in v1, and none of these
		// error types is passed on to upper-layer sockets.
		pb.Free()

	default:
		c.Stats.RxMalformed.Add(1)
		pb.Free()
	}
}
