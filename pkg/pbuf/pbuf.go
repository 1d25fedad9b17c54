// Package pbuf implements the owned, refcounted packet buffer described in
// spec.md section 4.1 — the sk_buff analog for this network stack. A Buffer
// is a view (head/data/tail/end offsets, plus header-offset markers) over a
// backing region; the region is refcounted separately so that Clone can
// share bytes cheaply while Copy produces an independently mutable buffer.
package pbuf

import (
	"log/slog"
	"sync/atomic"
)

// Unset marks a header-offset marker (mac/net/xport) that has not been set.
const Unset = -1

// PacketType classifies how a frame reached the stack, per spec.md 4.2/4.3.
type PacketType uint8

const (
	Unicast PacketType = iota
	Broadcast
	Multicast
	LoopbackPacket
)

// Priority is the packet's scheduling class; device TX queue selection may
// use it, but v1 only carries the tag (spec.md 4.2 notes round-robin TX is
// acceptable).
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// region is the shared, refcounted backing byte array. Multiple Buffers can
// point at the same region after Clone; the region is only released back to
// its owning pool (or to the GC, for heap-allocated regions) when the last
// reference drops.
type region struct {
	data  []byte
	refs  atomic.Int32
	class int // size class capacity, or 0 if heap-allocated outside any pool
	pool  *classPool
}

func (r *region) get() { r.refs.Add(1) }

// put decrements the refcount and releases the region when it reaches zero.
// Returns true if this call released the region.
func (r *region) put() bool {
	if r.refs.Add(-1) > 0 {
		return false
	}
	if r.pool != nil {
		r.pool.put(r)
	}
	return true
}

// Buffer is a single packet's view over a region: four monotonic offsets
// (head <= data <= tail <= end) plus optional header markers and metadata.
type Buffer struct {
	region *region

	head, data, tail, end    int
	macOff, netOff, xportOff int

	LinkProto  uint16 // EtherType or equivalent, network byte order value
	PktType    PacketType
	Prio       Priority
	DeviceIdx  int
	SockID     uint64
	HasSockID  bool
	Destructor func(*Buffer)
	Scratch    [48]byte

	refs   atomic.Int32
	cloned bool
}

// Alloc acquires a region of capacity >= round_up(size+headroom, 16) and
// returns a Buffer with data == tail == head+headroom (zero length).
func Alloc(size, headroom int, prio Priority) (*Buffer, error) {
	return Default.Alloc(size, headroom, prio)
}

// Alloc is the Pool-scoped allocator; Default.Alloc == the package-level
// Alloc helper above.
func (p *Pool) Alloc(size, headroom int, prio Priority) (*Buffer, error) {
	if size < 0 || headroom < 0 {
		return nil, ErrOutOfMemory
	}
	need := roundUp16(size + headroom)

	var r *region
	if cp := p.classFor(need); cp != nil {
		r = cp.get()
		if len(r.data) < need {
			// Shouldn't happen (classFor picks a class >= need), but guard
			// against a misconfigured class table.
			r.data = make([]byte, need)
		}
	} else {
		p.heapAllocs.add(1)
		r = &region{data: make([]byte, need)}
	}
	r.refs.Store(1)

	b := &Buffer{
		region:   r,
		head:     0,
		data:     headroom,
		tail:     headroom,
		end:      len(r.data),
		macOff:   Unset,
		netOff:   Unset,
		xportOff: Unset,
		Prio:     prio,
	}
	b.refs.Store(1)
	return b, nil
}

// Free releases the buffer's reference to its region. If this was the last
// reference and a Destructor is set, the destructor runs first (spec.md
// 4.1: "if refcount=1 and a destructor is set, invokes it").
func (b *Buffer) Free() {
	if b.region.refs.Load() == 1 && b.Destructor != nil {
		b.Destructor(b)
	}
	b.region.put()
}

// Get increments the buffer's own refcount (distinct from the region's
// refcount, which tracks clones sharing the same bytes).
func (b *Buffer) Get() { b.refs.Add(1) }

// Put decrements the buffer's refcount; at zero it calls Free.
func (b *Buffer) Put() {
	if b.refs.Add(-1) == 0 {
		b.Free()
	}
}

// Clone returns a new Buffer sharing the same backing region (the region's
// refcount is incremented). The clone's own offsets and metadata are copied
// so it can be mutated independently in ways that do not extend the shared
// data area — see ErrClonedImmutable.
func (b *Buffer) Clone() *Buffer {
	b.region.get()
	clone := &Buffer{
		region:     b.region,
		head:       b.head,
		data:       b.data,
		tail:       b.tail,
		end:        b.end,
		macOff:     b.macOff,
		netOff:     b.netOff,
		xportOff:   b.xportOff,
		LinkProto:  b.LinkProto,
		PktType:    b.PktType,
		Prio:       b.Prio,
		DeviceIdx:  b.DeviceIdx,
		SockID:     b.SockID,
		HasSockID:  b.HasSockID,
		Destructor: b.Destructor,
		Scratch:    b.Scratch,
		cloned:     true,
	}
	clone.refs.Store(1)
	return clone
}

// Copy returns a new Buffer with a freshly allocated region and the same
// contents; mutating the copy never affects b or any of its clones.
func (b *Buffer) Copy() (*Buffer, error) {
	cp, err := Default.Alloc(b.tail-b.head, b.data-b.head, b.Prio)
	if err != nil {
		return nil, err
	}
	copy(cp.region.data[cp.head:cp.end], b.region.data[b.head:b.end])
	cp.tail = cp.data + (b.tail - b.data)
	if b.macOff != Unset {
		cp.macOff = b.macOff
	}
	if b.netOff != Unset {
		cp.netOff = b.netOff
	}
	if b.xportOff != Unset {
		cp.xportOff = b.xportOff
	}
	cp.LinkProto = b.LinkProto
	cp.PktType = b.PktType
	cp.DeviceIdx = b.DeviceIdx
	cp.SockID = b.SockID
	cp.HasSockID = b.HasSockID
	return cp, nil
}

// Len reports the current payload length (tail - data).
func (b *Buffer) Len() int { return b.tail - b.data }

// Headroom reports free space before data (data - head).
func (b *Buffer) Headroom() int { return b.data - b.head }

// Tailroom reports free space after tail (end - tail).
func (b *Buffer) Tailroom() int { return b.end - b.tail }

// Bytes returns the current payload view [data:tail). The slice aliases the
// backing region; callers must not retain it past a Put/Free.
func (b *Buffer) Bytes() []byte { return b.region.data[b.data:b.tail] }

// PutTail grows the buffer by n bytes at the tail, returning the slice of
// newly available bytes. Overflow (n beyond tailroom) is a programming
// error: per spec.md 4.1 it is clamped to the available tailroom and
// logged, never panics.
func (b *Buffer) PutTail(n int) []byte {
	if n < 0 {
		n = 0
	}
	if b.cloned && n > 0 {
		slog.Warn("pbuf: put_tail on cloned buffer refused", "requested", n)
		return nil
	}
	if room := b.end - b.tail; n > room {
		slog.Warn("pbuf: put_tail overflow clamped", "requested", n, "available", room)
		n = room
	}
	start := b.tail
	b.tail += n
	return b.region.data[start:b.tail]
}

// PushHead grows the buffer by n bytes at the head (reserving space for a
// header to be filled in by the caller), returning that slice.
func (b *Buffer) PushHead(n int) []byte {
	if n < 0 {
		n = 0
	}
	if b.cloned && n > 0 {
		slog.Warn("pbuf: push_head on cloned buffer refused", "requested", n)
		return nil
	}
	if room := b.data - b.head; n > room {
		slog.Warn("pbuf: push_head overflow clamped", "requested", n, "available", room)
		n = room
	}
	b.data -= n
	return b.region.data[b.data : b.data+n]
}

// PullHead consumes n bytes from the head of the current data (after the
// caller has parsed/validated a header), returning the consumed slice.
func (b *Buffer) PullHead(n int) []byte {
	if n < 0 {
		n = 0
	}
	if room := b.tail - b.data; n > room {
		slog.Warn("pbuf: pull_head underflow clamped", "requested", n, "available", room)
		n = room
	}
	start := b.data
	b.data += n
	return b.region.data[start:b.data]
}

// Reserve moves data and tail forward by n, for reserving headroom before
// any payload has been written (skb_reserve semantics). Valid only while
// the buffer is still empty (data == tail).
func (b *Buffer) Reserve(n int) {
	if n < 0 || b.data != b.tail {
		slog.Warn("pbuf: reserve ignored", "requested", n, "len", b.Len())
		return
	}
	if room := b.end - b.data; n > room {
		slog.Warn("pbuf: reserve overflow clamped", "requested", n, "available", room)
		n = room
	}
	b.data += n
	b.tail = b.data
}

// Trim shrinks the buffer so Len() == length, discarding trailing bytes.
// A negative or out-of-range length is clamped to [0, current length].
func (b *Buffer) Trim(length int) {
	if length < 0 {
		length = 0
	}
	if length > b.Len() {
		length = b.Len()
	}
	b.tail = b.data + length
}

// --- header offset markers ---

func (b *Buffer) SetMACHeader(off int) { b.macOff = off }
func (b *Buffer) ResetMACHeader()      { b.macOff = b.data }
func (b *Buffer) MACHeaderSet() bool   { return b.macOff != Unset }
func (b *Buffer) MACHeader() []byte    { return b.sliceFrom(b.macOff) }

func (b *Buffer) SetNetworkHeader(off int) { b.netOff = off }
func (b *Buffer) ResetNetworkHeader()      { b.netOff = b.data }
func (b *Buffer) NetworkHeaderSet() bool   { return b.netOff != Unset }
func (b *Buffer) NetworkHeader() []byte    { return b.sliceFrom(b.netOff) }

func (b *Buffer) SetTransportHeader(off int) { b.xportOff = off }
func (b *Buffer) ResetTransportHeader()      { b.xportOff = b.data }
func (b *Buffer) TransportHeaderSet() bool   { return b.xportOff != Unset }
func (b *Buffer) TransportHeader() []byte    { return b.sliceFrom(b.xportOff) }

func (b *Buffer) sliceFrom(off int) []byte {
	if off == Unset {
		return nil
	}
	return b.region.data[off:b.tail]
}

// Invariant is a test/diagnostic helper asserting spec.md 8's universal
// packet-buffer invariant: 0 <= head <= data <= tail <= end.
func (b *Buffer) Invariant() bool {
	return 0 <= b.head && b.head <= b.data && b.data <= b.tail && b.tail <= b.end
}
