package tcp

// Timing constants, all expressed in ticks at tick.Rate (100 Hz), per
// spec.md 4.8/4.9/5.
const (
	minRTOTicks        = 20     // 200 ms
	maxRTOTicks        = 12000  // 120 s
	initialRTOTicks    = 100    // 1 s, used before any RTT sample exists
	maxRetransAttempts = 15     // spec.md 4.8 "give up after 15 attempts"
	delackTicks        = 4      // 40 ms
	delackMaxTicks     = 20     // 200 ms
	keepaliveIdleTicks = 720000 // 2 h
	keepaliveProbeTick = 7500   // 75 s
	keepaliveMaxProbes = 9
	timeWaitTicks      = 6000 // 60 s, 2*MSL default
)

// retransSegment is one entry in the retransmit queue: an unacknowledged
// segment awaiting ACK, ordered by Seq (spec.md 4.8).
type retransSegment struct {
	Seq           uint32
	Data          []byte
	Flags         Flag
	FirstSent     uint64
	LastSent      uint64
	Tries         int
	Retransmitted bool
}

func (s *Socket) enqueueRetrans(seq uint32, data []byte, flags Flag, now uint64) {
	s.retransQueue = append(s.retransQueue, &retransSegment{
		Seq: seq, Data: data, Flags: flags, FirstSent: now, LastSent: now,
	})
}

// ackRetransQueue removes every segment whose end sequence is covered by
// ack (spec.md 4.8 "On ACK >= seq+len, entry is freed"), returning the
// total bytes acknowledged and whether any acknowledged segment had never
// been retransmitted (for an RTT sample, per Karn's algorithm).
func (s *Socket) ackRetransQueue(ack uint32, now uint64) (ackedBytes int, sampleRTT float64, haveSample bool) {
	i := 0
	for i < len(s.retransQueue) {
		seg := s.retransQueue[i]
		end := seg.Seq + uint32(len(seg.Data))
		if seg.Flags.has(FlagSYN) || seg.Flags.has(FlagFIN) {
			end++ // SYN/FIN each consume one sequence number
		}
		if !seqGE(ack, end) {
			break
		}
		ackedBytes += len(seg.Data)
		if !seg.Retransmitted {
			sampleRTT = float64(now - seg.FirstSent)
			haveSample = true
		}
		i++
	}
	s.retransQueue = s.retransQueue[i:]
	return ackedBytes, sampleRTT, haveSample
}

// updateRTO folds a fresh RTT sample into the smoothed RTT/variance and
// recomputes the retransmit timeout, per RFC 6298. sampleRTT and all state
// are in ticks.
func (s *Socket) updateRTO(sampleRTT float64) {
	if s.srtt == 0 {
		s.srtt = sampleRTT
		s.rttvar = sampleRTT / 2
	} else {
		s.rttvar = 0.75*s.rttvar + 0.25*abs(s.srtt-sampleRTT)
		s.srtt = 0.875*s.srtt + 0.125*sampleRTT
	}
	rto := s.srtt + 4*s.rttvar
	if rto < minRTOTicks {
		rto = minRTOTicks
	}
	if rto > maxRTOTicks {
		rto = maxRTOTicks
	}
	s.rto = rto
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func (s *Socket) clearRetransTimer() { s.retransDeadline = 0 }

func (s *Socket) armRetransTimer(now uint64) {
	s.retransDeadline = now + uint64(s.rto)
}
