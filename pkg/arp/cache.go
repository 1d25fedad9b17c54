package arp

import (
	"net/netip"
	"sync"

	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// CacheSize is the fixed capacity of the ARP table (spec.md 4.4).
const CacheSize = 256

// MaxPending is the bound on PBs queued behind a single Pending entry;
// overflow drops the newest packet (spec.md 4.4 "bounded queue, overflow
// drops").
const MaxPending = 8

// MaxRetries is the number of ARP requests (the initial one plus its
// retransmissions) sent for a Pending entry before it is abandoned and its
// queue freed (spec.md 4.4/9).
const MaxRetries = 3

// RetryTicks is the tick interval between ARP request retransmissions for
// a Pending entry (1 second at the 100 Hz tick rate, spec.md 9).
const RetryTicks = 100

// AgeoutTicks is the inactivity window after which a non-permanent entry is
// removed (20 minutes at 100 Hz, spec.md 4.4).
const AgeoutTicks = 20 * 60 * 100

// Flag is the ARP entry state machine (spec.md 4.4: Empty -> Pending ->
// Complete; Permanent entries never age out).
type Flag uint8

const (
	Pending Flag = iota
	Complete
	Permanent
)

type key struct {
	ip       netip.Addr
	devIndex int
}

// Entry is one resolved or in-flight (ip, device) -> MAC mapping.
type Entry struct {
	IP       netip.Addr
	MAC      link.Addr
	DevIndex int
	LastUsed uint64
	Flag     Flag

	pending     []*pbuf.Buffer
	retries     int
	lastRequest uint64
}

// Cache is the fixed-size ARP table, guarded by a single coarse lock
// (spec.md 5).
type Cache struct {
	mu      sync.Mutex
	entries map[key]*Entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[key]*Entry, CacheSize)}
}

// Len reports the number of entries currently cached, for diagnostics
// surfaces the host wires in.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the entry for (ip, dev) if present, refreshing last_used
// on hit.
func (c *Cache) Lookup(ip netip.Addr, dev *device.Device, now uint64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key{ip, dev.Index}]
	if !ok {
		return Entry{}, false
	}
	e.LastUsed = now
	return *e, true
}

// add creates or updates an entry and returns the PBs (if any) that were
// queued behind it, now ready for ethernet_send by the caller. Must be
// called with c.mu held.
func (c *Cache) addLocked(ip netip.Addr, mac link.Addr, devIndex int, permanent bool, now uint64) []*pbuf.Buffer {
	k := key{ip, devIndex}
	e, existed := c.entries[k]
	if !existed {
		if len(c.entries) >= CacheSize {
			c.evictLRULocked()
		}
		e = &Entry{IP: ip, DevIndex: devIndex}
		c.entries[k] = e
	}
	e.MAC = mac
	e.LastUsed = now
	if permanent {
		e.Flag = Permanent
	} else {
		e.Flag = Complete
	}
	drained := e.pending
	e.pending = nil
	e.retries = 0
	return drained
}

// Add creates or updates an entry, per spec.md 4.4. Returns the PBs that
// were queued behind a prior Pending entry, for the caller to transmit.
func (c *Cache) Add(ip netip.Addr, mac link.Addr, dev *device.Device, permanent bool, now uint64) []*pbuf.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(ip, mac, dev.Index, permanent, now)
}

// evictLRULocked removes the least-recently-used non-permanent entry to
// make room for a new one (spec.md 4.4). If every entry is Permanent, no
// eviction happens and the cache temporarily exceeds CacheSize.
func (c *Cache) evictLRULocked() {
	var oldestKey key
	var oldest *Entry
	for k, e := range c.entries {
		if e.Flag == Permanent {
			continue
		}
		if oldest == nil || e.LastUsed < oldest.LastUsed {
			oldest = e
			oldestKey = k
		}
	}
	if oldest == nil {
		return
	}
	for _, pb := range oldest.pending {
		pb.Free()
	}
	delete(c.entries, oldestKey)
}

// Delete removes a non-permanent entry for ip across all devices.
func (c *Cache) Delete(ip netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.ip == ip && e.Flag != Permanent {
			for _, pb := range e.pending {
				pb.Free()
			}
			delete(c.entries, k)
		}
	}
}

// enqueuePendingLocked adds pb to e's pending queue, dropping and freeing
// it if the queue is already at MaxPending.
func enqueuePendingLocked(e *Entry, pb *pbuf.Buffer) {
	if pb == nil {
		return
	}
	if len(e.pending) >= MaxPending {
		pb.Free()
		return
	}
	e.pending = append(e.pending, pb)
}

// resolve implements the cache-hit/cache-miss logic of spec.md 4.4
// "resolve". On a hit against a Complete or Permanent entry it returns the
// MAC immediately. On a miss it creates (or reuses) a Pending entry,
// queues pb, and reports whether the caller should (re)transmit an ARP
// request now.
func (c *Cache) resolve(ip netip.Addr, dev *device.Device, pb *pbuf.Buffer, now uint64) (mac link.Addr, immediate bool, needRequest bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{ip, dev.Index}
	e, ok := c.entries[k]
	if ok && e.Flag != Pending {
		e.LastUsed = now
		return e.MAC, true, false
	}

	if !ok {
		if len(c.entries) >= CacheSize {
			c.evictLRULocked()
		}
		e = &Entry{IP: ip, DevIndex: dev.Index, Flag: Pending}
		c.entries[k] = e
	}
	enqueuePendingLocked(e, pb)
	e.LastUsed = now

	needRequest = e.lastRequest == 0 || now-e.lastRequest >= RetryTicks
	if needRequest {
		e.lastRequest = now
		e.retries++
	}
	return link.Addr{}, false, needRequest
}

// retryRequest names a Pending entry whose ARP request is due for
// retransmission.
type retryRequest struct {
	ip       netip.Addr
	devIndex int
}

// abandonedEntry names a Pending entry abandoned after MaxRetries, and how
// many queued PBs were dropped with it.
type abandonedEntry struct {
	ip            netip.Addr
	queuedDropped int
}

// age sweeps the cache once per tick: non-permanent Complete entries idle
// past AgeoutTicks are removed; Pending entries past RetryTicks either
// retransmit (returned to the caller) or, past MaxRetries, are abandoned
// and their queued PBs freed (spec.md 4.4/9).
func (c *Cache) age(now uint64) (retries []retryRequest, abandoned []abandonedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.Flag == Permanent {
			continue
		}
		if e.Flag == Pending {
			if now-e.lastRequest < RetryTicks {
				continue
			}
			if e.retries >= MaxRetries {
				for _, pb := range e.pending {
					pb.Free()
				}
				abandoned = append(abandoned, abandonedEntry{ip: k.ip, queuedDropped: len(e.pending)})
				delete(c.entries, k)
				continue
			}
			e.retries++
			e.lastRequest = now
			retries = append(retries, retryRequest{ip: k.ip, devIndex: k.devIndex})
			continue
		}
		if now-e.LastUsed > AgeoutTicks {
			delete(c.entries, k)
		}
	}
	return retries, abandoned
}
