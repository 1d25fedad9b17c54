package icmp

import (
	"encoding/binary"

	"github.com/kaihe/kstack/pkg/ip"
)

// Message types handled (spec.md 4.6).
const (
	TypeEchoReply        = 0
	TypeDestUnreachable  = 3
	TypeSourceQuench     = 4
	TypeRedirect         = 5
	TypeEchoRequest      = 8
	TypeTimeExceeded     = 11
	TypeParameterProblem = 12
)

// HeaderLen is the 8-byte common ICMP header (type, code, checksum, and a
// 4-byte type-specific field).
const HeaderLen = 8

// ErrorPayloadLen is how many bytes of the offending datagram's payload are
// echoed back in an error message, after its IP header, per RFC 792.
const ErrorPayloadLen = 8

// header is the parsed common ICMP header; the trailing 4 bytes carry
// either (id, seq) for echo messages or are unused/zero for error types.
type header struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     uint32
}

func decodeHeader(buf []byte) (header, []byte, error) {
	if len(buf) < HeaderLen {
		return header{}, nil, ErrMalformed
	}
	h := header{
		Type:     buf[0],
		Code:     buf[1],
		Checksum: binary.BigEndian.Uint16(buf[2:4]),
		Rest:     binary.BigEndian.Uint32(buf[4:8]),
	}
	return h, buf[HeaderLen:], nil
}

// encodeHeader writes the 8-byte common header into buf and fills in the
// checksum over buf[:len] (header + body already placed by the caller).
func encodeHeader(buf []byte, h header, bodyLen int) {
	buf[0] = h.Type
	buf[1] = h.Code
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], h.Rest)
	binary.BigEndian.PutUint16(buf[2:4], ip.Checksum(buf[:HeaderLen+bodyLen]))
}

func encodeEchoRest(id, seq uint16) uint32 {
	return uint32(id)<<16 | uint32(seq)
}

func decodeEchoRest(rest uint32) (id, seq uint16) {
	return uint16(rest >> 16), uint16(rest)
}
