package tcp

// Sequence-number comparisons per RFC 793 §3.3: arithmetic is modulo 2^32,
// so plain < / > would misbehave across a wraparound. Comparing the signed
// difference is the standard idiom.

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
func seqInRange(seq, lo, hi uint32) bool {
	return seqGE(seq, lo) && seqLT(seq, hi)
}
