// Package lockmgr implements per-key shared/exclusive locking with the
// wait-die deadlock-avoidance policy: an older transaction waits on a
// lock held by a younger one; a younger transaction aborts rather than
// wait on a lock held by an older one. This is deadlock-free by
// construction. There is no wait queue: every waiter on a key is woken on
// release and retries, so grant order among waiters is not FIFO, and a
// waiting exclusive request does not hold back later shared requests.
package lockmgr

import (
	"sync"
	"time"

	"github.com/lowkeydb/lowkeydb/errs"
)

type heldEntry struct {
	key       string
	exclusive bool
	gap       bool
}

// gapTailID identifies the unbounded gap after the largest key currently in
// the tree. It lives in the gaps table, a namespace entirely separate from
// point locks, so it can never collide with an actual stored key.
const gapTailID = "$tail"

type keyLock struct {
	mu              sync.Mutex
	cond            *sync.Cond
	sharedHolders   map[uint64]struct{}
	exclusiveHolder uint64 // 0 means none; transaction ids are assigned starting at 1
}

func newKeyLock() *keyLock {
	lk := &keyLock{sharedHolders: make(map[uint64]struct{})}
	lk.cond = sync.NewCond(&lk.mu)
	return lk
}

// Manager is the engine-wide lock table. Point locks (locks) and next-key
// gap locks (gaps) are kept in separate tables so a gap identifier can
// never be confused with an actual stored key.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	gaps  map[string]*keyLock
	held  map[uint64][]heldEntry

	// DefaultTimeout bounds how long a wait-die "wait" blocks before
	// returning TransactionConflict.
	DefaultTimeout time.Duration
}

// New creates a lock manager with the given default wait timeout.
func New(defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	return &Manager{
		locks:          make(map[string]*keyLock),
		gaps:           make(map[string]*keyLock),
		held:           make(map[uint64][]heldEntry),
		DefaultTimeout: defaultTimeout,
	}
}

func (m *Manager) lockIn(table map[string]*keyLock, id string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := table[id]
	if !ok {
		lk = newKeyLock()
		table[id] = lk
	}
	return lk
}

func (m *Manager) lockFor(key []byte) *keyLock {
	return m.lockIn(m.locks, string(key))
}

func (m *Manager) recordHeld(txnID uint64, id string, exclusive, gap bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[txnID] = append(m.held[txnID], heldEntry{key: id, exclusive: exclusive, gap: gap})
}

// AcquireShared acquires a shared lock on key for txnID, blocking per the
// wait-die policy until granted, the deadline elapses, or the requester
// must abort.
func (m *Manager) AcquireShared(txnID uint64, key []byte) error {
	return m.acquire(m.locks, txnID, string(key), false, false)
}

// AcquireExclusive acquires an exclusive lock on key for txnID. If the
// requester is the sole shared holder, this is an upgrade and always
// succeeds immediately; otherwise it waits or aborts per wait-die.
func (m *Manager) AcquireExclusive(txnID uint64, key []byte) error {
	return m.acquire(m.locks, txnID, string(key), true, false)
}

// AcquireGapShared locks, in shared mode, the gap a serializable read's
// traversal passed through: the span between the read's key and the next
// key that actually exists in the tree (or the unbounded gap past the
// largest key, when upperBound is nil). Holding this until commit blocks a
// concurrent insert into that gap, giving serializable reads the
// next-key/phantom protection read_committed and repeatable_read don't
// need.
func (m *Manager) AcquireGapShared(txnID uint64, upperBound []byte) error {
	id := gapTailID
	if upperBound != nil {
		id = string(upperBound)
	}
	return m.acquire(m.gaps, txnID, id, false, true)
}

// AcquireGapExclusive locks, exclusively, the gap a new key is being
// inserted into (identified the same way AcquireGapShared identifies it:
// by the key that already follows the insertion point, or the unbounded
// tail gap). This is what makes a concurrent serializable reader's
// AcquireGapShared on the same gap actually block the insert instead of
// merely bookkeeping it.
func (m *Manager) AcquireGapExclusive(txnID uint64, upperBound []byte) error {
	id := gapTailID
	if upperBound != nil {
		id = string(upperBound)
	}
	return m.acquire(m.gaps, txnID, id, true, true)
}

func (m *Manager) acquire(table map[string]*keyLock, txnID uint64, id string, exclusive, gap bool) error {
	lk := m.lockIn(table, id)
	deadline := time.Now().Add(m.DefaultTimeout)
	timerArmed := false

	lk.mu.Lock()
	defer lk.mu.Unlock()

	for {
		if granted := tryGrantLocked(lk, txnID, exclusive); granted {
			m.recordHeld(txnID, id, exclusive, gap)
			return nil
		}

		holders := currentHoldersLocked(lk, txnID)
		for _, h := range holders {
			if h < txnID {
				// requester is younger than an older holder: die.
				return errs.ErrTransactionConflict
			}
		}

		if time.Now().After(deadline) {
			return errs.ErrTransactionConflict
		}
		if !timerArmed {
			timerArmed = true
			remaining := time.Until(deadline)
			time.AfterFunc(remaining, func() {
				lk.mu.Lock()
				lk.cond.Broadcast()
				lk.mu.Unlock()
			})
		}
		lk.cond.Wait()
	}
}

// tryGrantLocked grants the request in place if compatible. Caller holds
// lk.mu.
func tryGrantLocked(lk *keyLock, txnID uint64, exclusive bool) bool {
	if exclusive {
		if lk.exclusiveHolder == txnID {
			return true
		}
		if lk.exclusiveHolder != 0 {
			return false
		}
		if len(lk.sharedHolders) == 0 {
			lk.exclusiveHolder = txnID
			return true
		}
		if len(lk.sharedHolders) == 1 {
			if _, sole := lk.sharedHolders[txnID]; sole {
				delete(lk.sharedHolders, txnID)
				lk.exclusiveHolder = txnID
				return true
			}
		}
		return false
	}

	// shared request
	if lk.exclusiveHolder == txnID {
		return true
	}
	if lk.exclusiveHolder != 0 {
		return false
	}
	lk.sharedHolders[txnID] = struct{}{}
	return true
}

// currentHoldersLocked returns the ids currently holding the lock,
// excluding the requester itself. Caller holds lk.mu.
func currentHoldersLocked(lk *keyLock, txnID uint64) []uint64 {
	var holders []uint64
	if lk.exclusiveHolder != 0 && lk.exclusiveHolder != txnID {
		holders = append(holders, lk.exclusiveHolder)
	}
	for id := range lk.sharedHolders {
		if id != txnID {
			holders = append(holders, id)
		}
	}
	return holders
}

// ReleaseKey releases txnID's lock on a single key immediately, used by
// read_committed reads that drop their shared lock right after reading.
func (m *Manager) ReleaseKey(txnID uint64, key []byte) {
	lk := m.lockFor(key)
	lk.mu.Lock()
	if lk.exclusiveHolder == txnID {
		lk.exclusiveHolder = 0
	}
	delete(lk.sharedHolders, txnID)
	lk.cond.Broadcast()
	lk.mu.Unlock()

	m.mu.Lock()
	entries := m.held[txnID]
	for i, e := range entries {
		if !e.gap && e.key == string(key) {
			m.held[txnID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// ReleaseAll releases every lock held by txnID, as happens on commit or
// rollback.
func (m *Manager) ReleaseAll(txnID uint64) {
	m.mu.Lock()
	entries := m.held[txnID]
	delete(m.held, txnID)
	m.mu.Unlock()

	for _, e := range entries {
		table := m.locks
		if e.gap {
			table = m.gaps
		}
		lk := m.lockIn(table, e.key)
		lk.mu.Lock()
		if lk.exclusiveHolder == txnID {
			lk.exclusiveHolder = 0
		}
		delete(lk.sharedHolders, txnID)
		lk.cond.Broadcast()
		lk.mu.Unlock()
	}
}
