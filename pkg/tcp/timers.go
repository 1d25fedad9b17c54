package tcp

// sweepSocket checks and fires every per-socket timer: retransmit,
// delayed ACK, keepalive, and TIME_WAIT expiry (spec.md 4.9).
func (t *Stack) sweepSocket(sk *Socket, now uint64) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return
	}

	t.sweepRetrans(sk, now)
	if sk.closed {
		return
	}
	t.sweepDelack(sk, now)
	t.sweepKeepalive(sk, now)
	t.sweepTimeWait(sk, now)
}

func (t *Stack) sweepRetrans(sk *Socket, now uint64) {
	if sk.retransDeadline == 0 || now < sk.retransDeadline {
		return
	}
	if len(sk.retransQueue) == 0 {
		sk.clearRetransTimer()
		return
	}
	if sk.retransQueue[0].Tries >= maxRetransAttempts {
		from := sk.state
		t.sendConnReset(sk)
		t.destroy(sk)
		sk.state = StateClosed
		t.notifyState(sk, from, sk.state)
		return
	}

	sk.ccImpl.onRTOTimeout(&sk.cc, effectiveMSS(sk), now)
	sk.rto *= 2
	if sk.rto > maxRTOTicks {
		sk.rto = maxRTOTicks
	}
	t.retransmitHead(sk, now)
	sk.armRetransTimer(now)
	if t.onRetransmit != nil {
		t.onRetransmit(sk, sk.retransQueue[0].Seq, sk.retransQueue[0].Tries)
	}
}

func (t *Stack) sweepDelack(sk *Socket, now uint64) {
	if sk.delackDeadline == 0 || now < sk.delackDeadline {
		return
	}
	sk.delackDeadline = 0
	t.transmit(sk, sk.sndNxt, sk.rcvNxt, FlagACK, nil)
}

// sweepKeepalive sends idle-probe keepalives on Established sockets that
// opted in (spec.md 4.8 "keepalive: 2h idle, 75s probes, 9 max").
func (t *Stack) sweepKeepalive(sk *Socket, now uint64) {
	if !sk.Flags.Keepalive || sk.state != StateEstablished {
		return
	}
	if sk.keepaliveDeadline == 0 {
		sk.keepaliveDeadline = now + keepaliveIdleTicks
		return
	}
	if now < sk.keepaliveDeadline {
		return
	}
	if sk.keepaliveProbes >= keepaliveMaxProbes {
		from := sk.state
		t.destroy(sk)
		sk.state = StateClosed
		t.notifyState(sk, from, sk.state)
		return
	}
	sk.keepaliveProbes++
	t.transmit(sk, sk.sndUna-1, sk.rcvNxt, FlagACK, nil)
	sk.keepaliveDeadline = now + keepaliveProbeTick
}

func (t *Stack) sweepTimeWait(sk *Socket, now uint64) {
	if sk.state != StateTimeWait || sk.timewaitDeadline == 0 || now < sk.timewaitDeadline {
		return
	}
	from := sk.state
	t.destroy(sk)
	sk.state = StateClosed
	t.notifyState(sk, from, sk.state)
}
