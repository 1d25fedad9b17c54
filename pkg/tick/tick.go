// Package tick drives the single 100 Hz timer used across the stack for
// ARP aging, IP reassembly expiry, and TCP retransmit/delack/keepalive/
// TIME_WAIT timers (spec.md 4.9).
package tick

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Rate is the tick frequency the rest of the stack's tick-denominated
// constants (ARP ageout, TCP backoff, etc.) are expressed against.
const Rate = 100

// Sweeper is driven once per tick by Driver.Run. Implementations are the
// per-component Tick(now uint64) methods on arp.ARP, ip.IP, icmp.ICMP, and
// tcp.Stack.
type Sweeper interface {
	Tick(now uint64)
}

// Driver owns the monotonic tick counter and the ordered list of
// components swept on each tick.
type Driver struct {
	mu       sync.Mutex
	sweepers []Sweeper
	now      atomic.Uint64
}

// New constructs a Driver with no sweepers registered.
func New() *Driver {
	return &Driver{}
}

// Register adds s to the sweep list; sweeps run in registration order.
func (d *Driver) Register(s Sweeper) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepers = append(d.sweepers, s)
}

// Now returns the current tick count.
func (d *Driver) Now() uint64 { return d.now.Load() }

// Tick advances the clock by one and sweeps every registered component in
// turn, per spec.md 4.9: "each hash bucket is walked once per tick".
func (d *Driver) Tick() {
	now := d.now.Add(1)

	d.mu.Lock()
	sweepers := append([]Sweeper(nil), d.sweepers...)
	d.mu.Unlock()

	for _, s := range sweepers {
		s.Tick(now)
	}
}

// Run ticks at Rate Hz until ctx is cancelled, blocking the calling
// goroutine. The host harness runs this in its own goroutine alongside RX
// polling.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / Rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}
