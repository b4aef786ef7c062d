package dedup

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultCapacity is the fixed slot count of the flow table.
	DefaultCapacity = 65536
	// DefaultTTL is how long a fingerprint blocks its duplicates.
	DefaultTTL = 5 * time.Second
)

type slot struct {
	fp     uint64
	seenAt time.Time
	used   bool
}

// Table is the first-arrival gate: a fixed-size open-addressed map keyed by
// fingerprint hash modulo capacity. Collision policy under pressure fails
// open — a live incumbent with a different fingerprint is left alone and the
// colliding packet forwards unrecorded; lookups are never corrupted.
type Table struct {
	clock    clockwork.Clock
	ttl      time.Duration
	capacity uint64
	slots    []slot
	active   int
}

func NewTable(clock clockwork.Clock, capacity int, ttl time.Duration) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		clock:    clock,
		ttl:      ttl,
		capacity: uint64(capacity),
		slots:    make([]slot, capacity),
	}
}

// Admit decides one packet: true means first arrival (forward, record the
// fingerprint with first-seen = now), false means duplicate (drop). The
// incumbent's first-seen timestamp is never refreshed by duplicates.
func (t *Table) Admit(fp uint64) bool {
	s := &t.slots[fp%t.capacity]
	now := t.clock.Now()

	if s.used && now.Sub(s.seenAt) < t.ttl {
		if s.fp == fp {
			return false
		}
		// Live incumbent, different flow: table pressure. Forward without
		// recording rather than evicting a live entry.
		return true
	}

	s.fp = fp
	s.seenAt = now
	s.used = true
	return true
}

// Sweep expires entries older than TTL and recounts active flows.
func (t *Table) Sweep() {
	now := t.clock.Now()
	active := 0
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if now.Sub(s.seenAt) >= t.ttl {
			s.used = false
			continue
		}
		active++
	}
	t.active = active
}

// ActiveFlows returns the live entry count as of the last sweep.
func (t *Table) ActiveFlows() int { return t.active }
