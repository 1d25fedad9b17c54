package tcp

import (
	"net/netip"

	"github.com/kaihe/kstack/pkg/ip"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// rx is installed as the IP layer's ProtoTCP handler. It validates the
// segment, finds the owning socket (or a Listen socket for a fresh SYN),
// and hands off to the state machine (spec.md 4.8).
func (t *Stack) rx(pb *pbuf.Buffer, src, dst netip.Addr) {
	buf := pb.Bytes()
	h, err := decodeHeader(buf)
	if err != nil {
		t.Stats.RxMalformed.Add(1)
		pb.Free()
		return
	}
	if checksum(src, dst, buf) != 0 {
		t.Stats.RxChecksumErr.Add(1)
		pb.Free()
		return
	}
	payload := append([]byte(nil), buf[h.wireLen():]...)
	pb.Free()

	ft := fourTuple{LocalAddr: dst, LocalPort: h.DstPort, RemoteAddr: src, RemotePort: h.SrcPort}

	t.mu.Lock()
	sk := t.findConn(ft)
	var listener *Socket
	if sk == nil {
		listener = t.findListener(dst, h.DstPort)
	}
	t.mu.Unlock()

	if sk == nil {
		if listener != nil && h.Flags.has(FlagSYN) && !h.Flags.has(FlagACK) && !h.Flags.has(FlagRST) {
			t.acceptSyn(listener, ft, h)
			return
		}
		t.Stats.RxNoSocket.Add(1)
		if !h.Flags.has(FlagRST) {
			t.sendReset(dst, src, h, len(payload))
		}
		return
	}

	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return
	}
	sk.Stats.SegsIn.Add(1)
	t.processSegment(sk, h, payload)
}

// acceptSyn admits a fresh SYN on a Listen socket: allocates a SynRecv
// child, queues it on the parent's SYN queue, and replies with SYN+ACK
// (spec.md 4.8 "Listen -> SynRecv on inbound SYN").
func (t *Stack) acceptSyn(listener *Socket, ft fourTuple, h header) {
	listener.mu.Lock()
	if _, queued := listener.synQueue[ft]; queued {
		listener.mu.Unlock()
		return // retransmitted SYN, child already pending
	}
	if len(listener.synQueue)+len(listener.acceptQueue) >= listener.backlogMax {
		listener.mu.Unlock()
		t.Stats.RxNoSocket.Add(1)
		return
	}
	algo := listener.algo
	listener.mu.Unlock()

	child := newSocket()
	child.LocalAddr = ft.LocalAddr
	child.LocalPort = ft.LocalPort
	child.RemoteAddr = ft.RemoteAddr
	child.RemotePort = ft.RemotePort
	child.parent = listener
	child.algo = algo
	child.ccImpl = newCongestionControl(algo)
	child.mss = h.MSS
	if child.mss == 0 {
		child.mss = DefaultMSS
	}
	child.ccImpl.init(&child.cc, float64(child.mss))
	child.rcvWnd = 65535
	child.irs = h.Seq
	child.rcvNxt = h.Seq + 1

	t.mu.Lock()
	iss := t.genISN(ft)
	child.iss = iss
	child.sndUna = iss
	child.sndNxt = iss + 1
	child.state = StateSynRecv
	t.addConn(child)
	t.Stats.PassiveOpens.Add(1)
	t.mu.Unlock()

	listener.mu.Lock()
	listener.synQueue[ft] = child
	listener.mu.Unlock()

	now := t.now.Load()
	child.enqueueRetrans(iss, nil, FlagSYN|FlagACK, now)
	child.armRetransTimer(now)
	t.transmit(child, iss, child.rcvNxt, FlagSYN|FlagACK, nil)
}

// promoteChild moves a SynRecv child that just completed its handshake
// from the parent's SYN queue to its accept queue. Called with sk.mu held,
// parent != sk.
func (t *Stack) promoteChild(sk *Socket) {
	parent := sk.parent
	if parent == nil {
		return
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	delete(parent.synQueue, sk.fourTuple())
	if len(parent.acceptQueue) >= parent.backlogMax {
		return // accept queue full, drop silently
	}
	parent.acceptQueue = append(parent.acceptQueue, sk)
}

// processSegment runs one received segment through the state machine.
// Called with sk.mu held.
func (t *Stack) processSegment(sk *Socket, h header, payload []byte) {
	now := t.now.Load()

	if h.Flags.has(FlagRST) {
		t.Stats.Resets.Add(1)
		from := sk.state
		t.destroy(sk)
		sk.state = StateClosed
		t.notifyState(sk, from, sk.state)
		return
	}

	switch sk.state {
	case StateSynSent:
		t.processSynSent(sk, h, now)
		return
	case StateSynRecv:
		if h.Flags.has(FlagACK) && h.Ack == sk.iss+1 {
			sk.sndUna = h.Ack
			sk.sndWnd = h.Window
			sk.clearRetransTimer()
			from := sk.state
			sk.state = StateEstablished
			t.notifyState(sk, from, sk.state)
			t.promoteChild(sk)
		}
		return
	case StateClosed, StateListen:
		return
	}

	if sk.Flags.Keepalive {
		sk.keepaliveDeadline = 0
		sk.keepaliveProbes = 0
	}

	if h.Flags.has(FlagACK) {
		t.processAck(sk, h, now)
	}
	if len(payload) > 0 {
		t.processData(sk, h, payload, now)
	}
	if h.Flags.has(FlagFIN) {
		t.processFIN(sk, h, payload, now)
	}
}

func (t *Stack) processSynSent(sk *Socket, h header, now uint64) {
	if h.Flags.has(FlagACK) && h.Ack != sk.iss+1 {
		return // unacceptable ACK for our SYN
	}
	if !h.Flags.has(FlagSYN) {
		return
	}

	sk.irs = h.Seq
	sk.rcvNxt = h.Seq + 1
	if h.MSS != 0 {
		sk.mss = h.MSS
	}

	if h.Flags.has(FlagACK) {
		sk.sndUna = h.Ack
		sk.sndWnd = h.Window
		sk.ackRetransQueue(h.Ack, now)
		sk.clearRetransTimer()
		from := sk.state
		sk.state = StateEstablished
		t.notifyState(sk, from, sk.state)
		t.transmit(sk, sk.sndNxt, sk.rcvNxt, FlagACK, nil)
		return
	}
	// Simultaneous open: peer's SYN arrived with no ACK of ours.
	from := sk.state
	sk.state = StateSynRecv
	t.notifyState(sk, from, sk.state)
	t.transmit(sk, sk.iss, sk.rcvNxt, FlagSYN|FlagACK, nil)
}

func (t *Stack) processAck(sk *Socket, h header, now uint64) {
	mss := effectiveMSS(sk)

	if seqGT(h.Ack, sk.sndUna) {
		ackedBytes, sampleRTT, haveSample := sk.ackRetransQueue(h.Ack, now)
		sk.sndUna = h.Ack
		sk.sndWnd = h.Window
		sk.cc.DupAcks = 0

		switch {
		case sk.inRecovery && seqLT(h.Ack, sk.cc.Recover):
			sk.ccImpl.onPartialAck(&sk.cc, ackedBytes, mss)
			t.retransmitHead(sk, now)
		case sk.inRecovery:
			sk.inRecovery = false
		case ackedBytes > 0:
			sk.ccImpl.onAck(&sk.cc, ackedBytes, mss, now)
		}
		if haveSample {
			sk.updateRTO(sampleRTT)
			sk.ccImpl.onRTTSample(&sk.cc, sampleRTT, now, mss)
		}

		if sk.finSent && seqGE(sk.sndUna, sk.finSeq+1) {
			from := sk.state
			switch sk.state {
			case StateFinWait1:
				sk.state = StateFinWait2
			case StateClosing:
				sk.state = StateTimeWait
				sk.timewaitDeadline = now + timeWaitTicks
			case StateLastAck:
				t.destroy(sk)
				sk.state = StateClosed
				t.notifyState(sk, from, sk.state)
				return
			}
			t.notifyState(sk, from, sk.state)
		}

		if len(sk.retransQueue) == 0 {
			sk.clearRetransTimer()
		} else {
			sk.armRetransTimer(now)
		}
		t.pushData(sk)
		return
	}

	if h.Ack == sk.sndUna && len(sk.retransQueue) > 0 {
		sk.cc.DupAcks++
		if sk.cc.DupAcks == 3 && !sk.inRecovery {
			sk.ccImpl.onTripleDupAck(&sk.cc, mss, sk.sndNxt, now)
			sk.inRecovery = true
			t.retransmitHead(sk, now)
		}
	}
}

// processData delivers in-order payload to the receive queue, buffers
// out-of-order payload in ofo, and flushes ofo once the gap closes (spec.md
// 4.8 "out-of-order segments held until the gap closes").
func (t *Stack) processData(sk *Socket, h header, payload []byte, now uint64) {
	switch sk.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	switch {
	case h.Seq == sk.rcvNxt:
		sk.enqueueRecv(payload)
		sk.rcvNxt += uint32(len(payload))
		for {
			next, ok := sk.ofo[sk.rcvNxt]
			if !ok {
				break
			}
			delete(sk.ofo, sk.rcvNxt)
			sk.enqueueRecv(next)
			sk.rcvNxt += uint32(len(next))
		}
		if h.Flags.has(FlagPSH) {
			sk.delackDeadline = 0
			t.transmit(sk, sk.sndNxt, sk.rcvNxt, FlagACK, nil)
		} else {
			sk.scheduleDelack(now)
		}
	case seqGT(h.Seq, sk.rcvNxt):
		if sk.ofo == nil {
			sk.ofo = make(map[uint32][]byte)
		}
		sk.ofo[h.Seq] = payload
		t.transmit(sk, sk.sndNxt, sk.rcvNxt, FlagACK, nil) // duplicate ack, drives peer fast retransmit
	default:
		t.transmit(sk, sk.sndNxt, sk.rcvNxt, FlagACK, nil) // already-received data, re-ack
	}
}

// processFIN advances the closing-state machine once the peer's FIN has
// been received in order (spec.md 4.8's CloseWait/Closing/TimeWait
// transitions).
func (t *Stack) processFIN(sk *Socket, h header, payload []byte, now uint64) {
	finSeq := h.Seq + uint32(len(payload))
	if finSeq != sk.rcvNxt {
		return // FIN beyond the next expected byte; wait for the gap to close
	}
	sk.rcvNxt++
	sk.peerFINReceived = true
	sk.delackDeadline = 0

	from := sk.state
	switch sk.state {
	case StateEstablished:
		sk.state = StateCloseWait
	case StateFinWait1:
		sk.state = StateClosing
	case StateFinWait2:
		sk.state = StateTimeWait
		sk.timewaitDeadline = now + timeWaitTicks
	}
	t.notifyState(sk, from, sk.state)
	t.transmit(sk, sk.sndNxt, sk.rcvNxt, FlagACK, nil)
}

// sendReset replies to a segment with no matching socket, per RFC 793's
// reset-generation rule.
func (t *Stack) sendReset(localAddr, remoteAddr netip.Addr, h header, payloadLen int) {
	t.Stats.Resets.Add(1)
	if h.Flags.has(FlagACK) {
		t.sendRawSegment(localAddr, remoteAddr, h.DstPort, h.SrcPort, h.Ack, 0, FlagRST)
		return
	}
	ack := h.Seq + uint32(payloadLen)
	if h.Flags.has(FlagSYN) || h.Flags.has(FlagFIN) {
		ack++
	}
	t.sendRawSegment(localAddr, remoteAddr, h.DstPort, h.SrcPort, 0, ack, FlagRST|FlagACK)
}

// sendConnReset sends an RST on a connection the stack is giving up on
// (retransmit exhaustion), built from the socket's current sequence state
// rather than a just-received segment. Called with sk.mu held.
func (t *Stack) sendConnReset(sk *Socket) {
	t.Stats.Resets.Add(1)
	t.sendRawSegment(sk.LocalAddr, sk.RemoteAddr, sk.LocalPort, sk.RemotePort, sk.sndNxt, sk.rcvNxt, FlagRST|FlagACK)
}

// sendRawSegment transmits a header-only segment with no owning socket
// (resets and nothing else).
func (t *Stack) sendRawSegment(localAddr, remoteAddr netip.Addr, localPort, remotePort uint16, seq, ack uint32, flags Flag) {
	h := header{SrcPort: localPort, DstPort: remotePort, Seq: seq, Ack: ack, Flags: flags}
	segLen := h.wireLen()
	pb, err := pbuf.Alloc(segLen, txHeadroom, pbuf.PriorityNormal)
	if err != nil {
		return
	}
	buf := pb.PutTail(segLen)
	h.encode(buf)
	cs := checksum(localAddr, remoteAddr, buf)
	buf[16], buf[17] = byte(cs>>8), byte(cs)
	t.ip.Send(remoteAddr, localAddr, ip.ProtoTCP, pb)
}
