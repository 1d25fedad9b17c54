package arp

import (
	"encoding/binary"
	"net/netip"

	"github.com/kaihe/kstack/pkg/link"
)

// Wire format, per spec.md 4.4: 28 bytes total.
const (
	PacketLen = 28

	hwTypeEthernet uint16 = 1
	protoTypeIPv4  uint16 = 0x0800
	hwAddrLen      uint8  = 6
	protoAddrLen   uint8  = 4
)

// Opcode distinguishes ARP request from reply.
type Opcode uint16

const (
	OpRequest Opcode = 1
	OpReply   Opcode = 2
)

// packet is the parsed form of an ARP message.
type packet struct {
	Op       Opcode
	SenderHW link.Addr
	SenderIP netip.Addr
	TargetHW link.Addr
	TargetIP netip.Addr
}

// encode writes p into a 28-byte buffer.
func (p packet) encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], protoTypeIPv4)
	buf[4] = hwAddrLen
	buf[5] = protoAddrLen
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.Op))
	copy(buf[8:14], p.SenderHW.Bytes())
	copy(buf[14:18], p.SenderIP.AsSlice())
	copy(buf[18:24], p.TargetHW.Bytes())
	copy(buf[24:28], p.TargetIP.AsSlice())
}

// decodePacket parses a 28-byte ARP message, validating hardware/protocol
// type and length fields per spec.md 4.4 ("validates hardware/protocol
// types and lengths").
func decodePacket(buf []byte) (packet, error) {
	var p packet
	if len(buf) < PacketLen {
		return p, ErrMalformed
	}
	htype := binary.BigEndian.Uint16(buf[0:2])
	ptype := binary.BigEndian.Uint16(buf[2:4])
	hlen := buf[4]
	plen := buf[5]
	if htype != hwTypeEthernet || ptype != protoTypeIPv4 || hlen != hwAddrLen || plen != protoAddrLen {
		return p, ErrUnsupportedHW
	}
	p.Op = Opcode(binary.BigEndian.Uint16(buf[6:8]))
	copy(p.SenderHW[:], buf[8:14])
	p.SenderIP = netip.AddrFrom4([4]byte(buf[14:18]))
	copy(p.TargetHW[:], buf[18:24])
	p.TargetIP = netip.AddrFrom4([4]byte(buf[24:28]))
	return p, nil
}
