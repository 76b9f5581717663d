package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lowkeydb/lowkeydb/btree"
	"github.com/lowkeydb/lowkeydb/errs"
	"github.com/lowkeydb/lowkeydb/lockmgr"
	"github.com/lowkeydb/lowkeydb/wal"
)

// Manager owns every active transaction descriptor; it is the only
// component that mutates the B+tree, funneling every write through the
// WAL first. Writes are applied eagerly (steal/no-force): put_tx and
// delete_tx mutate the tree immediately under the key's exclusive lock,
// recording a pre-image for rollback, rather than buffering writes until
// commit. This keeps the engine's undo-on-rollback and crash-recovery
// contracts (spec.md S4.5/4.7) exact: a reader at any isolation level
// that needs to see a consistent value acquires the key's shared lock
// first. Under wait-die, a reader older than the in-flight writer blocks
// behind its exclusive hold until that writer commits or aborts; a
// younger reader fails at once with ErrTransactionConflict. Either way no
// reader observes an uncommitted write (spec.md S5 "commit happens-before
// any operation that observes T's writes").
type Manager struct {
	tree  *btree.BTree
	wal   *wal.WAL
	locks *lockmgr.Manager

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Descriptor

	activeCount int64 // atomic
}

// New wires a transaction manager on top of an already-open tree/WAL/lock
// manager.
func New(tree *btree.BTree, w *wal.WAL, locks *lockmgr.Manager) *Manager {
	return &Manager{
		tree:   tree,
		wal:    w,
		locks:  locks,
		nextID: 1,
		active: make(map[uint64]*Descriptor),
	}
}

// Begin starts a new transaction at the given isolation level.
func (m *Manager) Begin(isolation Isolation) uint64 {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	startLSN := m.wal.NextLSNPeek()
	d := newDescriptor(id, isolation, startLSN)
	m.active[id] = d
	m.mu.Unlock()

	if _, err := m.wal.Append(&wal.Record{TxnID: id, Type: wal.RecordBegin}); err != nil {
		// Best-effort: a begin record failing to append means the WAL
		// itself is broken; subsequent operations on this txn will
		// surface the same IO failure.
		_ = err
	}
	atomic.AddInt64(&m.activeCount, 1)
	return id
}

func (m *Manager) lookup(id uint64) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.active[id]
	if !ok {
		return nil, errs.ErrInvalidTransaction
	}
	d.mu.Lock()
	state := d.State
	d.mu.Unlock()
	if state != Active {
		return nil, errs.ErrInvalidTransaction
	}
	return d, nil
}

// ActiveCount returns the number of transactions currently in flight.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

// ActiveTxnIDs returns the ids of every transaction currently in flight,
// for the checkpointer's checkpoint_begin record.
func (m *Manager) ActiveTxnIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Put writes key/value under txn id, funneling through the WAL and
// recording the pre-image for rollback.
func (m *Manager) Put(id uint64, key, value []byte) error {
	if len(key) > btree.MaxKeySize {
		return errs.ErrKeyTooLarge
	}
	if len(value) > btree.MaxValueSize {
		return errs.ErrValueTooLarge
	}
	d, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := m.locks.AcquireExclusive(id, key); err != nil {
		return err
	}

	oldValue, hadOld, err := m.tree.Get(key)
	if err != nil {
		return err
	}

	// A brand-new key is a phantom from the point of view of any
	// serializable transaction already holding a shared next-key gap lock
	// over the span it lands in; take that gap exclusively so the insert
	// blocks (or dies, under wait-die) until that reader finishes. An
	// update to an existing key needs no gap lock: it is covered by the
	// point lock above.
	if !hadOld {
		nextKey, err := m.nextExistingKey(key)
		if err != nil {
			return err
		}
		if err := m.locks.AcquireGapExclusive(id, nextKey); err != nil {
			return err
		}
	}

	payload := wal.EncodePut(key, oldValue, hadOld, value)
	lsn, err := m.wal.Append(&wal.Record{TxnID: id, Type: wal.RecordPut, Payload: payload})
	if err != nil {
		m.forceAborting(d)
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	if err := m.tree.Insert(key, value, lsn); err != nil {
		return err
	}
	d.recordWrite(string(key), hadOld, oldValue)
	return nil
}

// nextExistingKey returns the smallest key already in the tree that is
// greater than key, or nil if key falls after everything currently stored
// (the unbounded tail gap).
func (m *Manager) nextExistingKey(key []byte) ([]byte, error) {
	it, err := m.tree.Seek(key)
	if err != nil {
		return nil, err
	}
	nextKey, _, ok := it.Next()
	if ok && string(nextKey) == string(key) {
		nextKey, _, ok = it.Next()
	}
	if !ok {
		return nil, nil
	}
	return nextKey, nil
}

// Delete removes key under txn id, returning whether it was present.
func (m *Manager) Delete(id uint64, key []byte) (bool, error) {
	d, err := m.lookup(id)
	if err != nil {
		return false, err
	}

	if err := m.locks.AcquireExclusive(id, key); err != nil {
		return false, err
	}

	oldValue, hadOld, err := m.tree.Get(key)
	if err != nil {
		return false, err
	}
	if !hadOld {
		return false, nil
	}

	payload := wal.EncodeDelete(key, oldValue)
	lsn, err := m.wal.Append(&wal.Record{TxnID: id, Type: wal.RecordDelete, Payload: payload})
	if err != nil {
		m.forceAborting(d)
		return false, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	found, err := m.tree.Delete(key, lsn)
	if err != nil {
		return false, err
	}
	d.recordWrite(string(key), hadOld, oldValue)
	return found, nil
}

// Get reads key under txn id, honoring the isolation table: read_committed
// releases its shared lock immediately, repeatable_read and serializable
// hold it until commit, read_uncommitted takes no lock at all.
func (m *Manager) Get(id uint64, key []byte) ([]byte, bool, error) {
	d, err := m.lookup(id)
	if err != nil {
		return nil, false, err
	}

	switch d.Isolation {
	case ReadUncommitted:
		// no lock
	case ReadCommitted:
		if err := m.locks.AcquireShared(id, key); err != nil {
			return nil, false, err
		}
		defer m.locks.ReleaseKey(id, key)
	case Serializable:
		if err := m.locks.AcquireShared(id, key); err != nil {
			return nil, false, err
		}
		d.mu.Lock()
		d.heldSharedUntilCommit[string(key)] = struct{}{}
		d.mu.Unlock()
		if err := m.lockNextKeyGap(id, key); err != nil {
			return nil, false, err
		}
	default: // RepeatableRead
		if err := m.locks.AcquireShared(id, key); err != nil {
			return nil, false, err
		}
		d.mu.Lock()
		d.heldSharedUntilCommit[string(key)] = struct{}{}
		d.mu.Unlock()
	}

	return m.tree.Get(key)
}

// lockNextKeyGap locks, until commit, the gap between key and whichever key
// actually follows it in the tree (or the unbounded tail gap, if key falls
// after every stored key). This is what sets serializable apart from
// repeatable_read: a concurrent insert into that gap is blocked until this
// transaction ends, so a read that found nothing stays finding nothing for
// its whole duration.
func (m *Manager) lockNextKeyGap(id uint64, key []byte) error {
	upperBound, err := m.nextExistingKey(key)
	if err != nil {
		return err
	}
	return m.locks.AcquireGapShared(id, upperBound)
}

// Commit flushes the transaction's commit record and releases its locks.
// If the WAL flush fails, the transaction is rolled back instead.
func (m *Manager) Commit(id uint64) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.State = Committing
	d.mu.Unlock()

	lsn, err := m.wal.Append(&wal.Record{TxnID: id, Type: wal.RecordCommit})
	if err != nil {
		_ = m.Rollback(id)
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if err := m.wal.FlushTo(lsn); err != nil {
		_ = m.Rollback(id)
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	m.locks.ReleaseAll(id)
	d.mu.Lock()
	d.State = Committed
	d.writeSet = nil
	d.undoOrder = nil
	d.mu.Unlock()

	m.finish(id)
	return nil
}

// Rollback undoes every write the transaction made, in reverse order,
// and releases its locks.
func (m *Manager) Rollback(id uint64) error {
	m.mu.Lock()
	d, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return errs.ErrInvalidTransaction
	}

	d.mu.Lock()
	if d.State != Active && d.State != Committing && d.State != Aborting {
		d.mu.Unlock()
		return errs.ErrInvalidTransaction
	}
	d.State = Aborting
	d.mu.Unlock()

	ablsn, err := m.wal.Append(&wal.Record{TxnID: id, Type: wal.RecordAbort})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	for _, e := range d.reverseUndoList() {
		if e.hadOld {
			if err := m.tree.Insert(e.key, e.oldValue, ablsn); err != nil {
				return err
			}
		} else {
			if _, err := m.tree.Delete(e.key, ablsn); err != nil {
				return err
			}
		}
	}

	m.locks.ReleaseAll(id)
	d.mu.Lock()
	d.State = Aborted
	d.writeSet = nil
	d.undoOrder = nil
	d.mu.Unlock()

	m.finish(id)
	return nil
}

// forceAborting marks a transaction Aborting after a WAL append failure,
// without undoing its writes or releasing its locks itself: the caller is
// still required to call Rollback, which accepts Aborting (as well as
// Active/Committing) precisely so this handoff completes the undo and
// lock release instead of leaving the transaction's exclusive locks held
// forever.
func (m *Manager) forceAborting(d *Descriptor) {
	d.mu.Lock()
	d.State = Aborting
	d.mu.Unlock()
}

func (m *Manager) finish(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	atomic.AddInt64(&m.activeCount, -1)
}
