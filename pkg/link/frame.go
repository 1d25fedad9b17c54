package link

import "encoding/binary"

// Ethernet II framing, per spec.md 4.3/6: 14-byte header (dest, src,
// ethertype), no 802.1Q VLAN, no trailers.
const (
	HeaderLen = 14

	EtherTypeIP  uint16 = 0x0800
	EtherTypeARP uint16 = 0x0806
)

// encodeHeader writes a 14-byte Ethernet header into buf (must be >= HeaderLen).
func encodeHeader(buf []byte, dst, src Addr, ethertype uint16) {
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], ethertype)
}

// decodeHeader reads a 14-byte Ethernet header from buf.
func decodeHeader(buf []byte) (dst, src Addr, ethertype uint16) {
	copy(dst[:], buf[0:6])
	copy(src[:], buf[6:12])
	ethertype = binary.BigEndian.Uint16(buf[12:14])
	return
}
