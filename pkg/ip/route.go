package ip

import (
	"net/netip"
	"sync"

	"github.com/kaihe/kstack/pkg/device"
)

// Route is one routing table entry (spec.md 4.5: "add(dest, mask, gateway,
// dev, metric)").
type Route struct {
	Dest       netip.Prefix
	Gateway    netip.Addr
	HasGateway bool
	Dev        *device.Device
	Metric     int
}

// RouteTable is the longest-prefix-match routing table, guarded by one
// coarse lock (spec.md 5). Reads dominate writes; a plain mutex is
// sufficient per spec.md 6 ("not required for correctness").
type RouteTable struct {
	mu     sync.Mutex
	routes []Route
}

func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Add inserts or replaces the route for dest/mask.
func (t *RouteTable) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.routes {
		if existing.Dest == r.Dest {
			t.routes[i] = r
			return
		}
	}
	t.routes = append(t.routes, r)
}

// Delete removes the route for dest/mask, if present.
func (t *RouteTable) Delete(dest netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.routes {
		if r.Dest == dest {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Lookup returns the longest-prefix-matching route for dst, preferring the
// lower metric on a tie in prefix length.
func (t *RouteTable) Lookup(dst netip.Addr) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best Route
	found := false
	for _, r := range t.routes {
		if !r.Dest.Contains(dst) {
			continue
		}
		if !found ||
			r.Dest.Bits() > best.Dest.Bits() ||
			(r.Dest.Bits() == best.Dest.Bits() && r.Metric < best.Metric) {
			best = r
			found = true
		}
	}
	return best, found
}

// Dump returns a snapshot of every route, for diagnostics.
func (t *RouteTable) Dump() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
