package buffer

import "sync/atomic"

// Stats is a point-in-time, advisory snapshot of buffer pool activity.
type Stats struct {
	Capacity      int
	PagesInBuffer int
	HitRatio      float64
	CacheHits     uint64
	CacheMisses   uint64
	Evictions     uint64
	WriteBacks    uint64
}

type counters struct {
	hits       uint64
	misses     uint64
	evictions  uint64
	writeBacks uint64
}

func (c *counters) recordHit()       { atomic.AddUint64(&c.hits, 1) }
func (c *counters) recordMiss()      { atomic.AddUint64(&c.misses, 1) }
func (c *counters) recordEviction()  { atomic.AddUint64(&c.evictions, 1) }
func (c *counters) recordWriteBack() { atomic.AddUint64(&c.writeBacks, 1) }

func (c *counters) snapshot() (hits, misses, evictions, writeBacks uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses),
		atomic.LoadUint64(&c.evictions), atomic.LoadUint64(&c.writeBacks)
}
