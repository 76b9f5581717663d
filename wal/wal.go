// Package wal implements the append-only redo log: record framing,
// fsync-backed flush, forward iteration with torn-tail truncation, and
// archive rotation.
package wal

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/lowkeydb/lowkeydb/pager"
)

// Config controls rotation and checkpoint-driven policy.
type Config struct {
	MaxWALBytes int64
	MaxArchives int
}

// WAL is the append-only log file `<db>.wal`.
type WAL struct {
	dbPath string
	cfg    Config

	mu          sync.Mutex
	file        pager.File
	offset      int64
	archiveIdx  int
	nextLSN     uint64
	durableLSN  uint64 // atomic
	useMemFiles bool
}

// Open opens (creating if necessary) the WAL file alongside dbPath. If
// archive segments from a previous process's rotations are already on
// disk, archiveIdx picks up where they left off, so a freshly reopened
// WAL still knows which file ActiveAtLastCheckpoint and the next Rotate
// should use.
func Open(dbPath string, cfg Config, inMemory bool) (*WAL, error) {
	w := &WAL{dbPath: dbPath, cfg: cfg, nextLSN: 1, useMemFiles: inMemory}
	if !inMemory {
		w.archiveIdx = discoverArchiveIdx(w.activePath())
	}
	f, off, err := w.openActive()
	if err != nil {
		return nil, err
	}
	w.file = f
	w.offset = off
	return w, nil
}

// discoverArchiveIdx finds the highest N for which "<activePath>.N" exists
// on disk, so rotation numbering and archive lookups survive a restart.
func discoverArchiveIdx(activePath string) int {
	idx := 0
	for {
		if _, err := os.Stat(fmt.Sprintf("%s.%d", activePath, idx+1)); err != nil {
			return idx
		}
		idx++
	}
}

func (w *WAL) activePath() string { return w.dbPath + ".wal" }

func (w *WAL) openActive() (pager.File, int64, error) {
	if w.useMemFiles {
		return pager.OpenMemFile(), 0, nil
	}
	f, err := pager.OpenOSFileBuffered(w.activePath(), true)
	if err != nil {
		return nil, 0, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, 0, err
	}
	return f, size, nil
}

// Append serializes record, assigns it a fresh monotonic LSN, writes it,
// and returns the assigned LSN. It does not itself guarantee durability;
// call FlushTo for that.
func (w *WAL) Append(r *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++
	r.LSN = lsn

	buf := r.encode()
	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return 0, fmt.Errorf("%w", err)
	}
	w.offset += int64(len(buf))
	return lsn, nil
}

// FlushTo ensures every record with lsn <= target is durable on stable
// storage. A transaction's commit record only becomes observable to
// other transactions once this returns for its commit lsn.
func (w *WAL) FlushTo(target uint64) error {
	w.mu.Lock()
	cur := atomic.LoadUint64(&w.durableLSN)
	if cur >= target {
		w.mu.Unlock()
		return nil
	}
	err := w.file.Sync()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	// nextLSN-1 is the highest lsn appended so far; everything up to it is
	// now durable since Sync is a whole-file barrier.
	for {
		old := atomic.LoadUint64(&w.durableLSN)
		newVal := w.nextLSN - 1
		if newVal <= old {
			break
		}
		if atomic.CompareAndSwapUint64(&w.durableLSN, old, newVal) {
			break
		}
	}
	return nil
}

// DurableLSN returns the highest lsn known to be durable. Used by the
// buffer pool to enforce WAL-before-page.
func (w *WAL) DurableLSN() uint64 {
	return atomic.LoadUint64(&w.durableLSN)
}

// WaitDurable blocks (via a single FlushTo) until target is durable. The
// buffer pool uses this directly as its WaitDurableFunc.
func (w *WAL) WaitDurable(target uint64) {
	if w.DurableLSN() >= target {
		return
	}
	_ = w.FlushTo(target)
}

// NextLSNPeek returns the LSN the next Append call will assign, without
// consuming it. Used by the transaction manager to record a
// transaction's start LSN and by the engine's FlushWAL.
func (w *WAL) NextLSNPeek() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// SetConfig updates the rotation policy in place, used by
// configure_checkpointing to apply new limits without reopening the WAL.
func (w *WAL) SetConfig(cfg Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
}

// Size returns the current size in bytes of the active WAL file.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// ShouldRotate reports whether the active WAL has grown past the
// configured rotation threshold.
func (w *WAL) ShouldRotate() bool {
	if w.cfg.MaxWALBytes <= 0 {
		return false
	}
	return w.Size() >= w.cfg.MaxWALBytes
}

// Iterate streams records from the WAL in order starting at the
// beginning of the file, invoking fn for each. Iteration stops at the
// first torn record (bad CRC or short read) and truncates the file to
// the last good boundary; it does not start "from lsn" by seeking (the
// WAL has no index), so callers filter by r.LSN >= from themselves.
func (w *WAL) Iterate(fn func(*Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, w.offset)
	if w.offset > 0 {
		if _, err := w.file.ReadAt(buf, 0); err != nil {
			return err
		}
	}

	pos := 0
	for pos < len(buf) {
		rec, n, err := decodeRecord(buf[pos:])
		if err != nil {
			// torn tail: truncate and stop.
			if truncErr := w.file.Truncate(int64(pos)); truncErr != nil {
				return truncErr
			}
			w.offset = int64(pos)
			break
		}
		if fnErr := fn(rec); fnErr != nil {
			return fnErr
		}
		pos += n
		if rec.LSN >= w.nextLSN {
			w.nextLSN = rec.LSN + 1
		}
	}
	return nil
}

// ActiveAtLastCheckpoint returns the transaction ids recorded as active by
// the most recent checkpoint_begin record, read from the archive segment
// that checkpoint's rotation rolled out. A transaction still active at
// checkpoint time has its begin record in that archive, not in the
// current active segment (rotation happens only after checkpoint_end is
// durable) — recovery's analysis phase needs this set to recognize such a
// transaction's continuing put/delete records instead of treating them as
// belonging to nothing. Returns nil if the WAL has never rotated, or is
// backed by in-memory files (which never archive across a restart
// anyway).
func (w *WAL) ActiveAtLastCheckpoint() ([]uint64, error) {
	w.mu.Lock()
	useMemFiles := w.useMemFiles
	archiveIdx := w.archiveIdx
	path := fmt.Sprintf("%s.%d", w.activePath(), w.archiveIdx)
	w.mu.Unlock()

	if useMemFiles || archiveIdx == 0 {
		return nil, nil
	}

	f, err := pager.OpenOSFileBuffered(path, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, err
		}
	}

	var active []uint64
	pos := 0
	for pos < len(buf) {
		rec, n, err := decodeRecord(buf[pos:])
		if err != nil {
			break // a torn tail in an already-archived segment is harmless.
		}
		if rec.Type == RecordCheckpointBegin {
			active = DecodeCheckpointBegin(rec.Payload)
		}
		pos += n
	}
	return active, nil
}

// Rotate archives the current log file as `<db>.wal.<N>` and starts a
// fresh active log, pruning archives beyond cfg.MaxArchives oldest-first.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.useMemFiles {
		// in-memory WALs (tests) have nothing to archive on the real
		// filesystem; just reset the active log.
		w.file = pager.OpenMemFile()
		w.offset = 0
		w.archiveIdx++
		return nil
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	w.archiveIdx++
	archivePath := fmt.Sprintf("%s.%d", w.activePath(), w.archiveIdx)
	if err := os.Rename(w.activePath(), archivePath); err != nil {
		return err
	}

	f, err := pager.OpenOSFileBuffered(w.activePath(), true)
	if err != nil {
		return err
	}
	w.file = f
	w.offset = 0

	return w.pruneArchivesLocked()
}

func (w *WAL) pruneArchivesLocked() error {
	if w.cfg.MaxArchives <= 0 {
		return nil
	}
	oldest := w.archiveIdx - w.cfg.MaxArchives
	for i := 1; i <= oldest; i++ {
		_ = os.Remove(fmt.Sprintf("%s.%d", w.activePath(), i))
	}
	return nil
}

// Close flushes and closes the active log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
