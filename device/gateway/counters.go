package gateway

import "sync/atomic"

// Counters tracks message routing statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	MessagesRecv atomic.Uint64 // Every message delivered by the transport
	DataRecv     atomic.Uint64 // Messages routed to the data handler
	StatusRecv   atomic.Uint64 // Messages routed to the status handler
	AckRecv      atomic.Uint64 // Messages seen on ack channels
	Dropped      atomic.Uint64 // Unroutable topics
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	MessagesRecv uint64
	DataRecv     uint64
	StatusRecv   uint64
	AckRecv      uint64
	Dropped      uint64
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		MessagesRecv: c.MessagesRecv.Load(),
		DataRecv:     c.DataRecv.Load(),
		StatusRecv:   c.StatusRecv.Load(),
		AckRecv:      c.AckRecv.Load(),
		Dropped:      c.Dropped.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.MessagesRecv.Store(0)
	c.DataRecv.Store(0)
	c.StatusRecv.Store(0)
	c.AckRecv.Store(0)
	c.Dropped.Store(0)
}
