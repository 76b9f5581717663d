package recovery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lowkeydb/lowkeydb/btree"
	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/checkpoint"
	"github.com/lowkeydb/lowkeydb/lockmgr"
	"github.com/lowkeydb/lowkeydb/pager"
	"github.com/lowkeydb/lowkeydb/txn"
	"github.com/lowkeydb/lowkeydb/wal"
)

type harness struct {
	pager *pager.Pager
	pool  *buffer.Pool
	tree  *btree.BTree
	wal   *wal.WAL
	txns  *txn.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p, err := pager.Create(pager.OpenMemFile())
	if err != nil {
		t.Fatalf("pager.Create() error = %v", err)
	}
	w, err := wal.Open("testdb", wal.Config{}, true)
	if err != nil {
		t.Fatalf("wal.Open() error = %v", err)
	}
	pool := buffer.NewPool(p, 64, w.WaitDurable)
	tree := btree.New(p, pool)
	locks := lockmgr.New(200 * time.Millisecond)
	return &harness{pager: p, pool: pool, tree: tree, wal: w, txns: txn.New(tree, w, locks)}
}

// reopenFreshTreeSameWAL builds a fresh, empty btree/pager pair sharing the same
// WAL, simulating a process restart where only the log survived.
func (h *harness) reopenFreshTreeSameWAL(t *testing.T) *harness {
	t.Helper()
	p, err := pager.Create(pager.OpenMemFile())
	if err != nil {
		t.Fatalf("pager.Create() error = %v", err)
	}
	pool := buffer.NewPool(p, 64, h.wal.WaitDurable)
	tree := btree.New(p, pool)
	return &harness{pager: p, pool: pool, tree: tree, wal: h.wal}
}

func TestRecover_ReplaysCommittedWrites(t *testing.T) {
	h := newHarness(t)
	id := h.txns.Begin(txn.ReadCommitted)
	if err := h.txns.Put(id, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := h.txns.Commit(id); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	fresh := h.reopenFreshTreeSameWAL(t)
	if err := Recover(fresh.tree, fresh.wal, fresh.pager, fresh.pool); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	got, found, err := fresh.tree.Get([]byte("a"))
	if err != nil || !found {
		t.Fatalf("Get() = %q, %v, %v", got, found, err)
	}
	if string(got) != "1" {
		t.Errorf("Get() = %q, want %q", got, "1")
	}
}

func TestRecover_UndoesUncommittedTransaction(t *testing.T) {
	h := newHarness(t)

	setup := h.txns.Begin(txn.ReadCommitted)
	if err := h.txns.Put(setup, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put(setup) error = %v", err)
	}
	if err := h.txns.Commit(setup); err != nil {
		t.Fatalf("Commit(setup) error = %v", err)
	}

	// Simulate a crash mid-transaction: append begin+put records directly
	// to the WAL without a matching commit or abort record.
	beginLSN, err := h.wal.Append(&wal.Record{TxnID: 99, Type: wal.RecordBegin})
	if err != nil {
		t.Fatalf("Append(begin) error = %v", err)
	}
	_ = beginLSN
	payload := wal.EncodePut([]byte("a"), []byte("1"), true, []byte("2"))
	if _, err := h.wal.Append(&wal.Record{TxnID: 99, Type: wal.RecordPut, Payload: payload}); err != nil {
		t.Fatalf("Append(put) error = %v", err)
	}

	fresh := h.reopenFreshTreeSameWAL(t)
	if err := Recover(fresh.tree, fresh.wal, fresh.pager, fresh.pool); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	got, found, err := fresh.tree.Get([]byte("a"))
	if err != nil || !found {
		t.Fatalf("Get() = %q, %v, %v", got, found, err)
	}
	if string(got) != "1" {
		t.Errorf("Get() = %q, want %q (uncommitted write undone)", got, "1")
	}
}

// TestRecover_UndoesTransactionStillActiveAcrossCheckpoint covers the gap
// fixed by seeding recovery's analysis phase from the last
// checkpoint_begin record: a transaction already active when a checkpoint
// runs has its begin record rotated into an archive, so only its
// continuing writes appear in the active segment recovery scans.
func TestRecover_UndoesTransactionStillActiveAcrossCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ckptdb")

	f, err := pager.OpenOSFile(path+".db", true)
	if err != nil {
		t.Fatalf("pager.OpenOSFile() error = %v", err)
	}
	p, err := pager.Create(f)
	if err != nil {
		t.Fatalf("pager.Create() error = %v", err)
	}
	w, err := wal.Open(path, wal.Config{}, false)
	if err != nil {
		t.Fatalf("wal.Open() error = %v", err)
	}
	pool := buffer.NewPool(p, 64, w.WaitDurable)
	tree := btree.New(p, pool)
	locks := lockmgr.New(200 * time.Millisecond)
	txns := txn.New(tree, w, locks)
	ckpt := checkpoint.New(pool, p, w, txns)

	setup := txns.Begin(txn.ReadCommitted)
	if err := txns.Put(setup, []byte("a"), []byte("0")); err != nil {
		t.Fatalf("Put(setup) error = %v", err)
	}
	if err := txns.Commit(setup); err != nil {
		t.Fatalf("Commit(setup) error = %v", err)
	}

	id := txns.Begin(txn.ReadCommitted)
	if err := txns.Put(id, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put(id) error = %v", err)
	}

	// id is still active when the checkpoint runs: its begin record is
	// about to be rotated into an archive.
	if err := ckpt.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// id keeps writing after the checkpoint, in the new active segment,
	// then "crashes" without ever committing or aborting.
	if err := txns.Put(id, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put(id) error = %v", err)
	}

	freshFile, err := pager.OpenOSFile(path+".db", true)
	if err != nil {
		t.Fatalf("pager.OpenOSFile() (reopen) error = %v", err)
	}
	freshPager, err := pager.Create(freshFile)
	if err != nil {
		t.Fatalf("pager.Create() (reopen) error = %v", err)
	}
	freshWAL, err := wal.Open(path, wal.Config{}, false)
	if err != nil {
		t.Fatalf("wal.Open() (reopen) error = %v", err)
	}
	freshPool := buffer.NewPool(freshPager, 64, freshWAL.WaitDurable)
	freshTree := btree.New(freshPager, freshPool)

	if err := Recover(freshTree, freshWAL, freshPager, freshPool); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	got, found, err := freshTree.Get([]byte("a"))
	if err != nil || !found {
		t.Fatalf("Get(a) = %q, %v, %v", got, found, err)
	}
	if string(got) != "0" {
		t.Errorf("Get(a) = %q, want %q (id's write undone despite spanning the checkpoint)", got, "0")
	}
	if _, found, err := freshTree.Get([]byte("b")); err != nil || found {
		t.Errorf("Get(b) found = %v, err = %v, want false, nil (never-committed insert undone)", found, err)
	}
}

func TestRecover_IsIdempotentAcrossRepeatedRuns(t *testing.T) {
	h := newHarness(t)
	id := h.txns.Begin(txn.ReadCommitted)
	if err := h.txns.Put(id, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := h.txns.Commit(id); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	fresh := h.reopenFreshTreeSameWAL(t)
	if err := Recover(fresh.tree, fresh.wal, fresh.pager, fresh.pool); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	// A second pass over the same (now-replayed) WAL segment must leave
	// the tree exactly as the first pass did: put/delete replay is
	// idempotent regardless of what already reached disk.
	if err := Recover(fresh.tree, fresh.wal, fresh.pager, fresh.pool); err != nil {
		t.Fatalf("Recover() (second pass) error = %v", err)
	}
	if err := fresh.tree.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := fresh.pager.KeyCount(); got != 1 {
		t.Errorf("KeyCount() = %v, want 1 after repeated recovery passes", got)
	}
}
