// Package recovery replays the WAL after an unclean shutdown: redo every
// logged mutation, then undo whatever transaction never reached a commit
// or abort record.
package recovery

import (
	"github.com/lowkeydb/lowkeydb/btree"
	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/pager"
	"github.com/lowkeydb/lowkeydb/wal"
)

type undoWrite struct {
	key      []byte
	hadOld   bool
	oldValue []byte
}

type txnState struct {
	active bool
	writes []undoWrite
}

// Recover scans the active WAL front-to-back, redoing every put/delete in
// lsn order and then undoing whichever transactions never committed or
// aborted. Redo is idempotent rather than page-lsn-gated: put and delete
// are applied unconditionally, which lands on the same state whether or
// not a given page's write already reached disk before the crash, since
// re-inserting an already-current value or re-deleting an absent key is a
// no-op against the live key count.
//
// A transaction already active when the last checkpoint ran has its
// begin record in the archive segment that checkpoint's rotation rolled
// out, not in the active segment this scan reads — only its continuing
// put/delete/commit/abort records, if any, show up here. Without seeding
// the analysis set from that checkpoint's checkpoint_begin record first,
// such a transaction's continuing writes would be redone (correct) but
// never tied to a txn entry, so it would never be undone even though it
// never committed. Seeding closes that for any transaction that writes,
// commits, or aborts again after the checkpoint; one that made only
// pre-checkpoint writes and then crashed without ever touching the log
// again is not reconstructable from the active segment alone and is out
// of scope here, the same way it would require ARIES's per-transaction
// prev-LSN chain to recover without rescanning every archive back to
// that transaction's actual start.
func Recover(tree *btree.BTree, w *wal.WAL, p *pager.Pager, pool *buffer.Pool) error {
	txns := make(map[uint64]*txnState)

	activeAtCheckpoint, err := w.ActiveAtLastCheckpoint()
	if err != nil {
		return err
	}
	for _, id := range activeAtCheckpoint {
		txns[id] = &txnState{active: true}
	}

	err = w.Iterate(func(r *wal.Record) error {
		switch r.Type {
		case wal.RecordBegin:
			txns[r.TxnID] = &txnState{active: true}

		case wal.RecordPut:
			dp := wal.DecodePut(r.Payload)
			if err := tree.Insert(dp.Key, dp.NewValue, r.LSN); err != nil {
				return err
			}
			if st, ok := txns[r.TxnID]; ok {
				st.writes = append(st.writes, undoWrite{
					key:      append([]byte(nil), dp.Key...),
					hadOld:   dp.HadOld,
					oldValue: append([]byte(nil), dp.OldValue...),
				})
			}

		case wal.RecordDelete:
			dd := wal.DecodeDelete(r.Payload)
			if _, err := tree.Delete(dd.Key, r.LSN); err != nil {
				return err
			}
			if st, ok := txns[r.TxnID]; ok {
				st.writes = append(st.writes, undoWrite{
					key:      append([]byte(nil), dd.Key...),
					hadOld:   true,
					oldValue: append([]byte(nil), dd.OldValue...),
				})
			}

		case wal.RecordCommit, wal.RecordAbort:
			if st, ok := txns[r.TxnID]; ok {
				st.active = false
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for id, st := range txns {
		if !st.active || len(st.writes) == 0 {
			continue
		}
		lsn, err := w.Append(&wal.Record{TxnID: id, Type: wal.RecordAbort})
		if err != nil {
			return err
		}
		for i := len(st.writes) - 1; i >= 0; i-- {
			e := st.writes[i]
			if e.hadOld {
				if err := tree.Insert(e.key, e.oldValue, lsn); err != nil {
					return err
				}
			} else if _, err := tree.Delete(e.key, lsn); err != nil {
				return err
			}
		}
	}

	if err := pool.FlushAll(); err != nil {
		return err
	}
	if err := p.FlushMeta(); err != nil {
		return err
	}
	return p.Sync()
}
