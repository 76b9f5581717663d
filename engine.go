// Package lowkeydb implements an embedded, single-file, ordered
// key-value store with ACID transactions, crash recovery via
// write-ahead logging, and concurrent access through latch-coupled
// B+tree traversal and wait-die locking.
package lowkeydb

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lowkeydb/lowkeydb/btree"
	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/checkpoint"
	"github.com/lowkeydb/lowkeydb/errs"
	"github.com/lowkeydb/lowkeydb/lockmgr"
	"github.com/lowkeydb/lowkeydb/pager"
	"github.com/lowkeydb/lowkeydb/recovery"
	"github.com/lowkeydb/lowkeydb/txn"
	"github.com/lowkeydb/lowkeydb/wal"
)

// Isolation identifies the isolation level a transaction runs at.
type Isolation = txn.Isolation

const (
	ReadUncommitted = txn.ReadUncommitted
	ReadCommitted   = txn.ReadCommitted
	RepeatableRead  = txn.RepeatableRead
	Serializable    = txn.Serializable
)

// Engine is the single owning handle for an open database: every
// subsystem below it is constructed once, here, and threaded through
// explicitly rather than reached via a package-level global.
type Engine struct {
	path string
	opts Options

	pager *pager.Pager
	pool  *buffer.Pool
	wal   *wal.WAL
	locks *lockmgr.Manager
	tree  *btree.BTree
	txns  *txn.Manager
	ckpt  *checkpoint.Checkpointer

	closed int32 // atomic
}

// Create initializes a brand-new database file at path and opens it.
func Create(path string, options ...Option) (*Engine, error) {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}

	f, err := openDataFile(path, opts.inMemory)
	if err != nil {
		return nil, err
	}
	p, err := pager.Create(f)
	if err != nil {
		return nil, err
	}
	return newEngine(path, p, opts)
}

// Open opens an existing database file at path, running crash recovery
// first if its WAL is non-empty.
func Open(path string, options ...Option) (*Engine, error) {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}

	f, err := openDataFile(path, opts.inMemory)
	if err != nil {
		return nil, err
	}
	p, err := pager.Open(f)
	if err != nil {
		return nil, err
	}
	return newEngine(path, p, opts)
}

func openDataFile(path string, inMemory bool) (pager.File, error) {
	if inMemory {
		return pager.OpenMemFile(), nil
	}
	return pager.OpenOSFile(path, true)
}

func newEngine(path string, p *pager.Pager, opts Options) (*Engine, error) {
	w, err := wal.Open(path, wal.Config{MaxWALBytes: opts.maxWALBytes, MaxArchives: opts.maxArchives}, opts.inMemory)
	if err != nil {
		return nil, err
	}

	pool := buffer.NewPool(p, opts.pageCacheSize, w.WaitDurable)
	tree := btree.New(p, pool)
	locks := lockmgr.New(opts.lockWaitTimeout)
	txns := txn.New(tree, w, locks)
	ckpt := checkpoint.New(pool, p, w, txns)

	e := &Engine{
		path:  path,
		opts:  opts,
		pager: p,
		pool:  pool,
		wal:   w,
		locks: locks,
		tree:  tree,
		txns:  txns,
		ckpt:  ckpt,
	}

	if w.Size() > 0 {
		opts.logger.Infof("lowkeydb: recovering %s from %d bytes of WAL", path, w.Size())
		if err := recovery.Recover(tree, w, p, pool); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrCorruptDatabase, err)
		}
	}

	return e, nil
}

func (e *Engine) checkOpen() error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return errs.ErrInvalidState
	}
	return nil
}

// Close stops any running auto-checkpoint worker, flushes every dirty
// page and the WAL, and closes the underlying file handles. Subsequent
// calls on a closed Engine return ErrInvalidState.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return errs.ErrInvalidState
	}
	e.ckpt.StopAuto()
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.pager.Close()
}

// Put stores key/value as a single implicit read_committed transaction.
func (e *Engine) Put(key, value []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	id := e.txns.Begin(ReadCommitted)
	if err := e.txns.Put(id, key, value); err != nil {
		_ = e.txns.Rollback(id)
		return err
	}
	return e.txns.Commit(id)
}

// Get reads key as a single implicit read_committed transaction.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	id := e.txns.Begin(ReadCommitted)
	value, found, err := e.txns.Get(id, key)
	if err != nil {
		_ = e.txns.Rollback(id)
		return nil, false, err
	}
	if err := e.txns.Commit(id); err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Delete removes key as a single implicit read_committed transaction.
func (e *Engine) Delete(key []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	id := e.txns.Begin(ReadCommitted)
	found, err := e.txns.Delete(id, key)
	if err != nil {
		_ = e.txns.Rollback(id)
		return false, err
	}
	if err := e.txns.Commit(id); err != nil {
		return false, err
	}
	return found, nil
}

// Begin starts an explicit transaction at the given isolation level and
// returns its id.
func (e *Engine) Begin(isolation Isolation) (uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.txns.Begin(isolation), nil
}

// PutTx writes key/value under an explicit transaction.
func (e *Engine) PutTx(id uint64, key, value []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.Put(id, key, value)
}

// GetTx reads key under an explicit transaction.
func (e *Engine) GetTx(id uint64, key []byte) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	return e.txns.Get(id, key)
}

// DeleteTx removes key under an explicit transaction.
func (e *Engine) DeleteTx(id uint64, key []byte) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	return e.txns.Delete(id, key)
}

// Commit commits an explicit transaction.
func (e *Engine) Commit(id uint64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.Commit(id)
}

// Rollback aborts an explicit transaction, undoing its writes.
func (e *Engine) Rollback(id uint64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.Rollback(id)
}

// KeyCount returns the number of live keys in the store.
func (e *Engine) KeyCount() uint64 { return e.pager.KeyCount() }

// ActiveTransactionCount returns the number of in-flight transactions.
func (e *Engine) ActiveTransactionCount() int { return e.txns.ActiveCount() }

// BufferStats returns an advisory snapshot of buffer pool activity.
func (e *Engine) BufferStats() buffer.Stats { return e.pool.Stats() }

// CheckpointStats returns an advisory snapshot of checkpoint activity.
func (e *Engine) CheckpointStats() checkpoint.Stats { return e.ckpt.Stats() }

// Checkpoint runs one synchronous checkpoint.
func (e *Engine) Checkpoint() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.ckpt.Checkpoint()
}

// FlushWAL forces every WAL record appended so far to stable storage.
func (e *Engine) FlushWAL() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	target := e.wal.NextLSNPeek()
	if target == 0 {
		return nil
	}
	return e.wal.FlushTo(target - 1)
}

// ConfigureCheckpointing updates the checkpoint interval and WAL
// rotation policy in place.
func (e *Engine) ConfigureCheckpointing(interval time.Duration, maxWALBytes int64, maxArchives int) {
	e.opts.checkpointInterval = interval
	e.wal.SetConfig(wal.Config{MaxWALBytes: maxWALBytes, MaxArchives: maxArchives})
}

// StartAutoCheckpoint launches the background checkpoint worker using
// the configured interval.
func (e *Engine) StartAutoCheckpoint() {
	e.ckpt.StartAuto(e.opts.checkpointInterval)
}

// StopAutoCheckpoint stops the background checkpoint worker, if running.
func (e *Engine) StopAutoCheckpoint() {
	e.ckpt.StopAuto()
}

// Validate walks the whole B+tree checking structural invariants: sorted
// keys, separator bracketing, and valid checksums on every visited page.
func (e *Engine) Validate() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.tree.Validate()
}
