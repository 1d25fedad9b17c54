package tcp

import (
	"encoding/binary"
	"net/netip"

	"github.com/kaihe/kstack/pkg/ip"
)

// HeaderLen is the fixed 20-byte TCP header this stack sends and expects;
// no options are emitted beyond MSS on SYN (spec.md 4.8).
const HeaderLen = 20

// Flag bits, per spec.md §6's wire-format line.
type Flag uint8

const (
	FlagFIN Flag = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

type header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	DataOff  uint8 // header length in 32-bit words
	Flags    Flag
	Window   uint16
	Checksum uint16
	UrgPtr   uint16
	MSS      uint16 // 0 if absent
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderLen {
		return header{}, ErrMalformed
	}
	h := header{
		SrcPort: binary.BigEndian.Uint16(buf[0:2]),
		DstPort: binary.BigEndian.Uint16(buf[2:4]),
		Seq:     binary.BigEndian.Uint32(buf[4:8]),
		Ack:     binary.BigEndian.Uint32(buf[8:12]),
		DataOff: buf[12] >> 4,
		Flags:   Flag(buf[13]),
		Window:  binary.BigEndian.Uint16(buf[14:16]),

		Checksum: binary.BigEndian.Uint16(buf[16:18]),
		UrgPtr:   binary.BigEndian.Uint16(buf[18:20]),
	}
	if h.DataOff < 5 {
		return header{}, ErrMalformed
	}
	optEnd := int(h.DataOff) * 4
	if len(buf) < optEnd {
		return header{}, ErrMalformed
	}
	h.MSS = parseMSSOption(buf[HeaderLen:optEnd])
	return h, nil
}

// parseMSSOption scans TCP options for kind=2 (MSS); this stack emits and
// recognizes no other option.
func parseMSSOption(opts []byte) uint16 {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0: // end of options
			return 0
		case 1: // no-op
			i++
		case 2:
			if i+4 > len(opts) {
				return 0
			}
			return binary.BigEndian.Uint16(opts[i+2 : i+4])
		default:
			if i+1 >= len(opts) || opts[i+1] == 0 {
				return 0
			}
			i += int(opts[i+1])
		}
	}
	return 0
}

// encode writes h plus, if h.MSS != 0, a 4-byte MSS option, into buf, which
// must be at least h.wireLen() bytes.
func (h header) encode(buf []byte) {
	dataOff := 5
	if h.MSS != 0 {
		dataOff = 6
	}
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = uint8(dataOff) << 4
	buf[13] = uint8(h.Flags)
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	buf[16], buf[17] = 0, 0 // checksum filled in by caller once the full segment is known
	binary.BigEndian.PutUint16(buf[18:20], h.UrgPtr)
	if h.MSS != 0 {
		buf[20] = 2
		buf[21] = 4
		binary.BigEndian.PutUint16(buf[22:24], h.MSS)
	}
}

func (h header) wireLen() int {
	if h.MSS != 0 {
		return HeaderLen + 4
	}
	return HeaderLen
}

// checksum computes the TCP checksum over the pseudo-header (RFC 793 §3.1)
// plus the full segment (header + options + data).
func checksum(src, dst netip.Addr, segment []byte) uint16 {
	var pseudo [12]byte
	s, d := src.As4(), dst.As4()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[8] = 0
	pseudo[9] = ip.ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	sum := ip.Partial(0, pseudo[:])
	sum = ip.Partial(sum, segment)
	return ip.Finish(sum)
}
