package tc

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/pusgate/internal/core"
)

// maxSeq is the largest count; after it the table wraps back to 1.
const maxSeq = core.SeqCountMod - 1

// SequenceTable hands out per-APID telecommand sequence counts. Counts run
// 1..16383 and wrap back to 1; 0 is never issued. It is safe for concurrent
// use.
type SequenceTable struct {
	mu   sync.Mutex
	last map[uint16]*atomic.Uint32 // apid → last issued count, 0 before the first
}

func NewSequenceTable() *SequenceTable {
	return &SequenceTable{last: make(map[uint16]*atomic.Uint32)}
}

func (t *SequenceTable) counter(apid uint16) *atomic.Uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.last[apid]
	if !ok {
		c = &atomic.Uint32{}
		t.last[apid] = c
	}
	return c
}

// Next returns the next sequence count for apid.
func (t *SequenceTable) Next(apid uint16) uint16 {
	c := t.counter(apid)
	for {
		old := c.Load()
		next := old%maxSeq + 1
		if c.CompareAndSwap(old, next) {
			return uint16(next)
		}
	}
}
