package tcp

import (
	"github.com/kaihe/kstack/pkg/ip"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// transmit builds and sends one segment: a 20-byte header (plus a 4-byte
// MSS option on SYN segments), a pseudo-header checksum, and hands the
// result to the IP layer (spec.md 4.8 "transmit(sk, pb, seq, ack,
// flags)"). Called with sk.mu held.
func (t *Stack) transmit(sk *Socket, seq, ack uint32, flags Flag, payload []byte) error {
	h := header{
		SrcPort: sk.LocalPort,
		DstPort: sk.RemotePort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  sk.rcvWnd,
	}
	if flags.has(FlagSYN) {
		h.MSS = DefaultMSS
	}

	segLen := h.wireLen() + len(payload)
	pb, err := pbuf.Alloc(segLen, txHeadroom, pbuf.PriorityNormal)
	if err != nil {
		return err
	}
	buf := pb.PutTail(segLen)
	h.encode(buf)
	copy(buf[h.wireLen():], payload)

	cs := checksum(sk.LocalAddr, sk.RemoteAddr, buf)
	buf[16], buf[17] = byte(cs>>8), byte(cs)

	sk.Stats.SegsOut.Add(1)
	return t.ip.Send(sk.RemoteAddr, sk.LocalAddr, ip.ProtoTCP, pb)
}

// pushData segments sk's write queue into MSS-sized, cwnd/wnd-bounded
// segments and transmits each, enqueueing it on the retransmit queue
// (spec.md 4.8 "Data transmission respects cwnd ∧ snd_wnd; segments
// larger than mss are split"). BBR sockets additionally gate each segment
// on cc.pacer: once the pacing budget is exhausted, remaining queued data
// waits for a later call rather than bursting out under cwnd alone. Called
// with sk.mu held.
func (t *Stack) pushData(sk *Socket) {
	now := t.now.Load()
	mss := int(sk.mss)
	if mss == 0 {
		mss = DefaultMSS
	}

	for len(sk.writeQueue) > 0 {
		inFlight := uint32(sk.sndNxt - sk.sndUna)
		window := uint32(sk.cc.Cwnd)
		if uint32(sk.sndWnd) < window {
			window = uint32(sk.sndWnd)
		}
		if inFlight >= window {
			break
		}
		budget := int(window - inFlight)
		if budget > mss {
			budget = mss
		}
		if budget <= 0 {
			break
		}

		chunk := sk.writeQueue[0]
		n := budget
		if n > len(chunk) {
			n = len(chunk)
		}
		if sk.cc.pacer != nil && !sk.cc.pacer.allow(n) {
			break
		}
		seg := chunk[:n]
		rest := chunk[n:]
		if len(rest) == 0 {
			sk.writeQueue = sk.writeQueue[1:]
		} else {
			sk.writeQueue[0] = rest
		}

		seq := sk.sndNxt
		sk.sndNxt += uint32(n)
		sk.enqueueRetrans(seq, seg, FlagACK, now)
		if sk.retransDeadline == 0 {
			sk.armRetransTimer(now)
		}
		t.transmit(sk, seq, sk.rcvNxt, FlagACK|FlagPSH, seg)
	}
}

// retransmitHead resends the head-of-queue segment (spec.md 4.8 "when
// retrans_timer fires, retransmit the head-of-queue segment"). Called with
// sk.mu held.
func (t *Stack) retransmitHead(sk *Socket, now uint64) {
	if len(sk.retransQueue) == 0 {
		return
	}
	seg := sk.retransQueue[0]
	seg.Tries++
	seg.LastSent = now
	seg.Retransmitted = true
	sk.Stats.Retransmits.Add(1)
	t.Stats.Retransmits.Add(1)
	t.transmit(sk, seg.Seq, sk.rcvNxt, seg.Flags, seg.Data)
}
