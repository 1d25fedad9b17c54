package ip

import (
	"encoding/binary"
	"net/netip"
)

// MinHeaderLen is the 20-byte minimum IPv4 header (ihl=5), per RFC 791.
const MinHeaderLen = 20

// Protocol numbers dispatched by this stack (spec.md 4.5).
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	flagMF     = 0x1 // more fragments
	flagDF     = 0x2 // don't fragment
	offsetMask = 0x1fff
)

const DefaultTTL = 64

// Header is the parsed form of an IPv4 header.
type Header struct {
	IHL            int
	TOS            uint8
	TotalLen       int
	ID             uint16
	DontFragment   bool
	MoreFragments  bool
	FragOffset     int // in 8-byte units
	TTL            uint8
	Protocol       uint8
	HeaderChecksum uint16
	Src            netip.Addr
	Dst            netip.Addr
}

// DecodeHeader parses an IPv4 header from buf, validating length, version,
// and ihl, per spec.md 4.5 RX step 1 (header checksum is validated
// separately, by the caller, since computing it again here would require
// re-slicing the same bytes).
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < MinHeaderLen {
		return h, ErrMalformed
	}
	version := buf[0] >> 4
	if version != 4 {
		return h, ErrUnsupportedVersion
	}
	ihl := int(buf[0] & 0x0f)
	if ihl < 5 || len(buf) < ihl*4 {
		return h, ErrMalformed
	}
	h.IHL = ihl
	h.TOS = buf[1]
	h.TotalLen = int(binary.BigEndian.Uint16(buf[2:4]))
	h.ID = binary.BigEndian.Uint16(buf[4:6])
	flagsFrag := binary.BigEndian.Uint16(buf[6:8])
	h.DontFragment = flagsFrag&(flagDF<<13) != 0
	h.MoreFragments = flagsFrag&(flagMF<<13) != 0
	h.FragOffset = int(flagsFrag & offsetMask)
	h.TTL = buf[8]
	h.Protocol = buf[9]
	h.HeaderChecksum = binary.BigEndian.Uint16(buf[10:12])
	h.Src = netip.AddrFrom4([4]byte(buf[12:16]))
	h.Dst = netip.AddrFrom4([4]byte(buf[16:20]))
	return h, nil
}

// Encode writes a 20-byte header (no options) into buf, computing the
// header checksum over the result. buf must be at least MinHeaderLen.
func (h Header) Encode(buf []byte) {
	buf[0] = 0x40 | 5 // version=4, ihl=5
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.TotalLen))
	binary.BigEndian.PutUint16(buf[4:6], h.ID)

	var flagsFrag uint16
	if h.DontFragment {
		flagsFrag |= flagDF << 13
	}
	if h.MoreFragments {
		flagsFrag |= flagMF << 13
	}
	flagsFrag |= uint16(h.FragOffset) & offsetMask
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)

	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], h.Src.AsSlice())
	copy(buf[16:20], h.Dst.AsSlice())

	binary.BigEndian.PutUint16(buf[10:12], Checksum(buf[:MinHeaderLen]))
}
