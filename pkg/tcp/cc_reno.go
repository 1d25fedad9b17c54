package tcp

// newRenoCC implements Reno (partial=false) and NewReno (partial=true), per
// spec.md 4.8: slow start below ssthresh, congestion avoidance above it,
// triple-dup-ack fast retransmit/recovery, and (NewReno only) partial-ACK
// handling that retransmits the next unacked segment until snd_una reaches
// the recovery point.
type newRenoCC struct {
	partial bool
}

const initialCwndSegments = 10

func (newRenoCC) init(cc *ccState, mss float64) {
	cc.Cwnd = initialCwndSegments * mss
	cc.Ssthresh = 64 * 1024
}

func (newRenoCC) onAck(cc *ccState, ackedBytes int, mss float64, now uint64) {
	cc.DupAcks = 0
	if cc.Cwnd < cc.Ssthresh {
		cc.Cwnd += float64(ackedBytes) // slow start
		return
	}
	if cc.Cwnd <= 0 {
		cc.Cwnd = mss
	}
	cc.Cwnd += mss * mss / cc.Cwnd // congestion avoidance
}

func (r newRenoCC) onTripleDupAck(cc *ccState, mss float64, sndNxt uint32, now uint64) {
	cc.Ssthresh = cc.Cwnd / 2
	if floor := 2 * mss; cc.Ssthresh < floor {
		cc.Ssthresh = floor
	}
	cc.Cwnd = cc.Ssthresh + 3*mss
	cc.Recover = sndNxt
}

func (r newRenoCC) onPartialAck(cc *ccState, ackedBytes int, mss float64) {
	if !r.partial {
		return
	}
	// Deflate by the amount ACKed and reinflate by one segment, matching
	// the retransmit-next-unacked behavior described in spec.md 4.8;
	// the caller is responsible for actually resending.
	cc.Cwnd -= float64(ackedBytes)
	if cc.Cwnd < mss {
		cc.Cwnd = mss
	}
}

func (newRenoCC) onRTOTimeout(cc *ccState, mss float64, now uint64) {
	cc.Ssthresh = cc.Cwnd / 2
	if floor := 2 * mss; cc.Ssthresh < floor {
		cc.Ssthresh = floor
	}
	cc.Cwnd = mss
}

func (newRenoCC) onRTTSample(*ccState, float64, uint64, float64) {}
