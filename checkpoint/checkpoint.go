// Package checkpoint implements synchronous checkpointing and an optional
// background auto-checkpoint worker.
package checkpoint

import (
	"sync"
	"time"

	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/pager"
	"github.com/lowkeydb/lowkeydb/wal"
)

// ActiveLister reports the transaction ids currently in flight, so a
// checkpoint can record them in its checkpoint_begin record.
type ActiveLister interface {
	ActiveTxnIDs() []uint64
}

// Checkpointer flushes dirty pages to a known-consistent point and rotates
// the WAL so recovery never has to scan further back than the last
// checkpoint.
type Checkpointer struct {
	pool   *buffer.Pool
	pager  *pager.Pager
	wal    *wal.WAL
	active ActiveLister

	mu       sync.Mutex
	lastStat Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
	auto   bool
}

// Stats is an advisory snapshot of checkpoint activity.
type Stats struct {
	LastLSN        uint64
	LastDurationMS int64
	Count          int64
}

// New wires a checkpointer on top of an open pool/pager/WAL.
func New(pool *buffer.Pool, p *pager.Pager, w *wal.WAL, active ActiveLister) *Checkpointer {
	return &Checkpointer{pool: pool, pager: p, wal: w, active: active}
}

// Checkpoint runs one synchronous checkpoint: record the active
// transaction set, flush dirty pages oldest-lsn-first, write the header
// page, force the data file durable, close out the checkpoint record, and
// rotate the WAL.
func (c *Checkpointer) Checkpoint() error {
	start := time.Now()

	active := c.active.ActiveTxnIDs()
	beginLSN, err := c.wal.Append(&wal.Record{Type: wal.RecordCheckpointBegin, Payload: wal.EncodeCheckpointBegin(active)})
	if err != nil {
		return err
	}
	if err := c.wal.FlushTo(beginLSN); err != nil {
		return err
	}

	for _, id := range c.pool.DirtyPagesAscendingLSN() {
		if err := c.pool.Flush(id); err != nil {
			return err
		}
	}
	if err := c.pager.FlushMeta(); err != nil {
		return err
	}
	if err := c.pager.Sync(); err != nil {
		return err
	}

	endLSN, err := c.wal.Append(&wal.Record{Type: wal.RecordCheckpointEnd})
	if err != nil {
		return err
	}
	if err := c.wal.FlushTo(endLSN); err != nil {
		return err
	}
	if err := c.wal.Rotate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastStat = Stats{LastLSN: endLSN, LastDurationMS: time.Since(start).Milliseconds(), Count: c.lastStat.Count + 1}
	c.mu.Unlock()
	return nil
}

// Stats returns the most recent checkpoint's advisory statistics.
func (c *Checkpointer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStat
}

// StartAuto launches a background worker that checkpoints every interval,
// or sooner if the active WAL segment crosses its rotation threshold. It
// is a no-op if a worker is already running.
func (c *Checkpointer) StartAuto(interval time.Duration) {
	c.mu.Lock()
	if c.auto {
		c.mu.Unlock()
		return
	}
	c.auto = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		// pollTicker checks the WAL rotation threshold between full
		// interval ticks, so a fast-growing WAL doesn't have to wait out
		// a long checkpoint interval before it gets rotated.
		pollTicker := time.NewTicker(minDuration(interval, 50*time.Millisecond))
		defer pollTicker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = c.Checkpoint()
			case <-pollTicker.C:
				if c.wal.ShouldRotate() {
					_ = c.Checkpoint()
				}
			}
		}
	}()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// StopAuto signals the background worker to exit and waits for it to
// finish. It is a no-op if no worker is running.
func (c *Checkpointer) StopAuto() {
	c.mu.Lock()
	if !c.auto {
		c.mu.Unlock()
		return
	}
	c.auto = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}
