package pbuf

import "sync/atomic"

// counter is a monotonically increasing uint64, used for pool/diagnostic
// statistics that are read far less often than they are incremented.
type counter struct {
	v atomic.Uint64
}

func (c *counter) add(n uint64) { c.v.Add(n) }
func (c *counter) load() uint64 { return c.v.Load() }
