package ip

import (
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/pbuf"
)

// ReassemblyTimeoutTicks bounds how long an incomplete fragment bucket is
// held before it is discarded and counted as reasm_fail (spec.md 4.5: "30
// second" hobby-kernel default, expressed in 100 Hz ticks).
const ReassemblyTimeoutTicks = 30 * 100

type bucketKey struct {
	id       uint16
	saddr    netip.Addr
	daddr    netip.Addr
	protocol uint8
}

// fragment is one arriving piece of a fragmented datagram: its byte offset
// and payload. The header used to rebuild the reassembled datagram is kept
// on the bucket.
type fragment struct {
	offset int // byte offset into the reassembled payload
	data   []byte
	pb     *pbuf.Buffer // owns data's backing storage; freed once copied out
}

// bucket accumulates fragments for one (id, saddr, daddr, protocol) tuple.
type bucket struct {
	key       bucketKey
	fragments []fragment
	totalLen  int // -1 until the final fragment (MF=0) arrives
	createdAt uint64
	header    Header // header of the final fragment (of the first to arrive until then), reused for the reassembled datagram
}

// complete reports whether [0, totalLen) is covered with no gaps.
func (b *bucket) complete() bool {
	if b.totalLen < 0 {
		return false
	}
	// Sort a copy so b.fragments keeps arrival order for assemble.
	frags := append([]fragment(nil), b.fragments...)
	sort.Slice(frags, func(i, j int) bool { return frags[i].offset < frags[j].offset })
	covered := 0
	for _, f := range frags {
		if f.offset > covered {
			return false
		}
		if end := f.offset + len(f.data); end > covered {
			covered = end
		}
	}
	return covered >= b.totalLen
}

// assemble concatenates fragments into one contiguous payload, preferring
// the latest-written bytes on overlap (spec.md 4.5: "no anti-overlap
// security policy in v1").
func (b *bucket) assemble() []byte {
	out := make([]byte, b.totalLen)
	for _, f := range b.fragments {
		copy(out[f.offset:], f.data)
	}
	return out
}

func (b *bucket) free() {
	for _, f := range b.fragments {
		if f.pb != nil {
			f.pb.Free()
		}
	}
}

// Reassembler holds in-flight fragment buckets, guarded by one coarse lock
// (spec.md 5).
type Reassembler struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	ReasmFail atomic.Uint64
	ReasmOK   atomic.Uint64
}

func NewReassembler() *Reassembler {
	return &Reassembler{buckets: make(map[bucketKey]*bucket)}
}

// Insert adds one fragment. pb must have its network header already
// stripped (pb.Bytes() is the fragment payload only); ownership of pb
// passes to the Reassembler until the bucket completes or expires. It
// returns the reassembled (header, payload) once complete.
func (r *Reassembler) Insert(h Header, pb *pbuf.Buffer, now uint64) (Header, []byte, bool) {
	k := bucketKey{id: h.ID, saddr: h.Src, daddr: h.Dst, protocol: h.Protocol}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[k]
	if !ok {
		b = &bucket{key: k, totalLen: -1, createdAt: now, header: h}
		r.buckets[k] = b
	}

	offset := h.FragOffset * 8
	data := append([]byte(nil), pb.Bytes()...)
	b.fragments = append(b.fragments, fragment{offset: offset, data: data, pb: pb})
	if !h.MoreFragments {
		b.totalLen = offset + len(data)
		b.header = h
	}

	if !b.complete() {
		return Header{}, nil, false
	}

	payload := b.assemble()
	outHeader := b.header
	outHeader.MoreFragments = false
	outHeader.FragOffset = 0
	outHeader.TotalLen = MinHeaderLen + len(payload)

	delete(r.buckets, k)
	r.ReasmOK.Add(1)
	b.free()
	return outHeader, payload, true
}

// ExpiredBucket describes one fragment bucket discarded by Age, for
// diagnostics surfaces the host wires in.
type ExpiredBucket struct {
	Src, Dst   netip.Addr
	ID         uint16
	GotBytes   int
	TotalBytes int // 0 if the final fragment never arrived
}

// Age discards buckets older than ReassemblyTimeoutTicks, freeing their
// fragments and counting reasm_fail (spec.md 4.5/9). It returns a detail
// record for each bucket it expires.
func (r *Reassembler) Age(now uint64) []ExpiredBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []ExpiredBucket
	for k, b := range r.buckets {
		if now-b.createdAt > ReassemblyTimeoutTicks {
			got := 0
			for _, f := range b.fragments {
				got += len(f.data)
			}
			total := 0
			if b.totalLen > 0 {
				total = b.totalLen
			}
			expired = append(expired, ExpiredBucket{Src: k.saddr, Dst: k.daddr, ID: k.id, GotBytes: got, TotalBytes: total})
			b.free()
			delete(r.buckets, k)
			r.ReasmFail.Add(1)
		}
	}
	return expired
}
