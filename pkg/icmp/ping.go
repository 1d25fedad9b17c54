package icmp

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// MaxOutstandingPings bounds the fixed-size outstanding ping table
// (spec.md 4.6).
const MaxOutstandingPings = 64

// Callback is invoked once an outstanding echo request resolves, with the
// measured round-trip time in ticks (10 ms resolution at 100 Hz).
type Callback func(rttTicks uint64, ok bool)

type pingSlot struct {
	used     bool
	id, seq  uint16
	dest     netip.Addr
	sentTick uint64
	callback Callback
	traceID  string
}

// PingTable tracks in-flight echo requests, guarded by one coarse lock
// (spec.md 5).
type PingTable struct {
	mu    sync.Mutex
	slots [MaxOutstandingPings]pingSlot
}

func NewPingTable() *PingTable {
	return &PingTable{}
}

// Register records an outstanding request and returns a fresh trace ID
// correlating it across the event log, for a host harness that wants to
// tie a ping's request and reply log lines together. Returns ErrNoSlot if
// the table is full.
func (t *PingTable) Register(id, seq uint16, dest netip.Addr, now uint64, cb Callback) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].used {
			traceID := uuid.NewString()
			t.slots[i] = pingSlot{used: true, id: id, seq: seq, dest: dest, sentTick: now, callback: cb, traceID: traceID}
			return traceID, nil
		}
	}
	return "", ErrNoSlot
}

// Complete matches an inbound EchoReply to an outstanding request by (id,
// seq, dest), clears the slot, computes RTT, and invokes the callback if
// one was registered (spec.md 4.6: "compute RTT, invoke optional
// callback, clear entry").
func (t *PingTable) Complete(id, seq uint16, dest netip.Addr, now uint64) (rttTicks uint64, traceID string, ok bool) {
	t.mu.Lock()
	var cb Callback
	var rtt uint64
	var trace string
	matched := false
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.id == id && s.seq == seq && s.dest == dest {
			rtt = now - s.sentTick
			trace = s.traceID
			cb = s.callback
			*s = pingSlot{}
			matched = true
			break
		}
	}
	t.mu.Unlock()

	if !matched {
		return 0, "", false
	}
	if cb != nil {
		cb(rtt, true)
	}
	return rtt, trace, true
}
