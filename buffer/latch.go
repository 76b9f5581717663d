package buffer

import "sync"

// latch is the short-duration in-memory lock on a cached page frame,
// distinct from a transaction's key lock. It is a plain RWMutex: the
// teacher's bufmgr.go uses a hand-rolled spinlatch (Latchs/SpinLatch)
// tuned for its mmap-segment embedding use case, but a blocking RWMutex
// gives the same shared/exclusive semantics and is the idiomatic choice
// for a standalone engine with no busy-wait latency budget (see
// DESIGN.md).
type latch struct {
	mu sync.RWMutex
}

func (l *latch) lockShared()    { l.mu.RLock() }
func (l *latch) unlockShared()  { l.mu.RUnlock() }
func (l *latch) lockExclusive() { l.mu.Lock() }
func (l *latch) unlockExclusive() {
	l.mu.Unlock()
}
