package diag

import "github.com/fxamacker/cbor/v2"

// Encode serializes a Snapshot to CBOR, the wire format spec.md 6's
// statistics snapshot contract is delivered in.
func Encode(s Snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

// Decode parses a CBOR-encoded Snapshot, the inverse of Encode.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	err := cbor.Unmarshal(data, &s)
	return s, err
}
