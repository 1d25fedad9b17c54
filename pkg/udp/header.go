package udp

import "encoding/binary"

// HeaderLen is the fixed UDP header size (src port, dst port, length,
// checksum), per spec.md 4.7.
const HeaderLen = 8

type header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderLen {
		return header{}, ErrMalformed
	}
	return header{
		SrcPort:  binary.BigEndian.Uint16(buf[0:2]),
		DstPort:  binary.BigEndian.Uint16(buf[2:4]),
		Length:   binary.BigEndian.Uint16(buf[4:6]),
		Checksum: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

func (h header) encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
}
