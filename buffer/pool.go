// Package buffer implements the fixed-capacity page cache: pin counts,
// dirty tracking, clock eviction, and the WAL-before-page durability rule.
package buffer

import (
	"sync"

	"github.com/lowkeydb/lowkeydb/errs"
	"github.com/lowkeydb/lowkeydb/pager"
)

// WaitDurableFunc blocks until every WAL record with lsn <= target has
// been made durable. The buffer pool calls this before writing a dirty
// page back to disk, enforcing WAL-before-page.
type WaitDurableFunc func(target uint64)

// Pool is a fixed-size cache of page frames keyed by page id.
type Pool struct {
	pager *pager.Pager
	wait  WaitDurableFunc

	mu        sync.Mutex
	index     map[pager.PageID]int
	frames    []*frame
	clockHand int

	counters counters
}

// NewPool creates a pool with room for capacity page frames.
func NewPool(p *pager.Pager, capacity int, wait WaitDurableFunc) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	frames := make([]*frame, capacity)
	for i := range frames {
		frames[i] = &frame{}
	}
	return &Pool{
		pager:  p,
		wait:   wait,
		index:  make(map[pager.PageID]int, capacity),
		frames: frames,
	}
}

// FetchShared acquires a read latch on page id, loading it if necessary.
func (pool *Pool) FetchShared(id pager.PageID) (*Guard, error) {
	f, err := pool.acquireFrame(id)
	if err != nil {
		return nil, err
	}
	f.latch.lockShared()
	f.setReferenced(true)
	return &Guard{pool: pool, frame: f, exclusive: false}, nil
}

// FetchExclusive acquires a write latch on page id, loading it if
// necessary.
func (pool *Pool) FetchExclusive(id pager.PageID) (*Guard, error) {
	f, err := pool.acquireFrame(id)
	if err != nil {
		return nil, err
	}
	f.latch.lockExclusive()
	f.setReferenced(true)
	return &Guard{pool: pool, frame: f, exclusive: true}, nil
}

// NewPage allocates a fresh page via the pager, pins it exclusively, and
// returns it zero-filled with the requested type.
func (pool *Pool) NewPage(t pager.PageType) (pager.PageID, *Guard, error) {
	id, err := pool.pager.AllocatePage()
	if err != nil {
		return 0, nil, err
	}

	pool.mu.Lock()
	idx, err := pool.evictSlotLocked()
	if err != nil {
		pool.mu.Unlock()
		return 0, nil, err
	}
	f := pool.frames[idx]
	f.page = pager.NewPage(t)
	f.pageID = id
	f.setValid(true)
	f.pin()
	pool.index[id] = idx
	pool.mu.Unlock()

	f.latch.lockExclusive()
	f.setReferenced(true)
	f.setDirty(true)
	return id, &Guard{pool: pool, frame: f, exclusive: true}, nil
}

// Unpin releases a guard's latch. If dirty, the frame's page LSN is
// updated to lsn (the WAL record responsible for the mutation) and the
// page is written through to the pager immediately, honoring
// WAL-before-page, so a page id the header points at is readable after a
// crash even if the buffer pool never evicted it. A successful write
// clears the dirty bit; if the write-through fails, the frame is left
// dirty so a later Flush/FlushAll retries it.
func (pool *Pool) Unpin(g *Guard, dirty bool, lsn uint64) {
	if dirty {
		g.frame.page.SetLSN(lsn)
		g.frame.setDirty(true)
		pool.wait(lsn)
		if err := pool.pager.WritePage(g.frame.pageID, g.frame.page); err == nil {
			g.frame.setDirty(false)
			pool.counters.recordWriteBack()
		}
	}
	if g.exclusive {
		g.frame.latch.unlockExclusive()
	} else {
		g.frame.latch.unlockShared()
	}
	g.frame.unpin()
}

// acquireFrame finds or loads id's frame and increments its pin count,
// without taking the content latch (caller does that next).
func (pool *Pool) acquireFrame(id pager.PageID) (*frame, error) {
	pool.mu.Lock()
	if idx, ok := pool.index[id]; ok {
		f := pool.frames[idx]
		f.pin()
		pool.counters.recordHit()
		pool.mu.Unlock()
		return f, nil
	}
	pool.counters.recordMiss()

	idx, err := pool.evictSlotLocked()
	if err != nil {
		pool.mu.Unlock()
		return nil, err
	}
	f := pool.frames[idx]

	page, err := pool.pager.ReadPage(id)
	if err != nil {
		pool.mu.Unlock()
		return nil, err
	}
	f.page = page
	f.pageID = id
	f.setValid(true)
	f.setDirty(false)
	f.pin()
	pool.index[id] = idx
	pool.mu.Unlock()
	return f, nil
}

// evictSlotLocked finds a frame to (re)use via clock/second-chance
// eviction. Caller holds pool.mu.
func (pool *Pool) evictSlotLocked() (int, error) {
	n := len(pool.frames)
	for sweep := 0; sweep < 2*n+1; sweep++ {
		idx := pool.clockHand
		pool.clockHand = (pool.clockHand + 1) % n
		f := pool.frames[idx]

		if !f.isValid() {
			return idx, nil
		}
		if f.isPinned() {
			continue
		}
		if f.isReferenced() {
			f.setReferenced(false)
			continue
		}
		if f.isDirty() {
			pool.wait(f.page.LSN())
			if err := pool.pager.WritePage(f.pageID, f.page); err != nil {
				return 0, err
			}
			f.setDirty(false)
			pool.counters.recordWriteBack()
		}
		delete(pool.index, f.pageID)
		pool.counters.recordEviction()
		return idx, nil
	}
	return 0, errs.ErrNoEvictablePage
}

// FlushAll writes every dirty frame back to disk, honoring
// WAL-before-page, and clears their dirty bits.
func (pool *Pool) FlushAll() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.flushAllLocked()
}

func (pool *Pool) flushAllLocked() error {
	for _, f := range pool.frames {
		if !f.isValid() || !f.isDirty() {
			continue
		}
		pool.wait(f.page.LSN())
		if err := pool.pager.WritePage(f.pageID, f.page); err != nil {
			return err
		}
		f.setDirty(false)
		pool.counters.recordWriteBack()
	}
	return nil
}

// Flush writes a single page back to disk if it is cached and dirty.
func (pool *Pool) Flush(id pager.PageID) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	idx, ok := pool.index[id]
	if !ok {
		return nil
	}
	f := pool.frames[idx]
	if !f.isDirty() {
		return nil
	}
	pool.wait(f.page.LSN())
	if err := pool.pager.WritePage(f.pageID, f.page); err != nil {
		return err
	}
	f.setDirty(false)
	pool.counters.recordWriteBack()
	return nil
}

// DirtyPagesAscendingLSN returns the page ids of every currently dirty
// frame, sorted ascending by page LSN, for the checkpointer.
func (pool *Pool) DirtyPagesAscendingLSN() []pager.PageID {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	type entry struct {
		id  pager.PageID
		lsn uint64
	}
	var dirty []entry
	for _, f := range pool.frames {
		if f.isValid() && f.isDirty() {
			dirty = append(dirty, entry{f.pageID, f.page.LSN()})
		}
	}
	for i := 1; i < len(dirty); i++ {
		for j := i; j > 0 && dirty[j-1].lsn > dirty[j].lsn; j-- {
			dirty[j-1], dirty[j] = dirty[j], dirty[j-1]
		}
	}
	ids := make([]pager.PageID, len(dirty))
	for i, e := range dirty {
		ids[i] = e.id
	}
	return ids
}

// FreePage releases page id back to the pager's free list and drops any
// cached frame for it without writing it back.
func (pool *Pool) FreePage(id pager.PageID) error {
	pool.mu.Lock()
	if idx, ok := pool.index[id]; ok {
		pool.frames[idx].setValid(false)
		pool.frames[idx].setDirty(false)
		delete(pool.index, id)
	}
	pool.mu.Unlock()
	return pool.pager.FreePage(id)
}

// Stats returns an advisory snapshot of pool activity.
func (pool *Pool) Stats() Stats {
	pool.mu.Lock()
	inBuffer := len(pool.index)
	capacity := len(pool.frames)
	pool.mu.Unlock()

	hits, misses, evictions, writeBacks := pool.counters.snapshot()
	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Capacity:      capacity,
		PagesInBuffer: inBuffer,
		HitRatio:      ratio,
		CacheHits:     hits,
		CacheMisses:   misses,
		Evictions:     evictions,
		WriteBacks:    writeBacks,
	}
}
