package buffer

import (
	"sync/atomic"

	"github.com/lowkeydb/lowkeydb/pager"
)

// frame is one slot of the fixed-capacity buffer pool cache.
type frame struct {
	latch latch

	pageID   pager.PageID
	page     *pager.Page
	pinCount int32 // atomic
	dirty    int32 // atomic bool
	referenced int32 // atomic bool, clock "second chance" bit
	valid    int32 // atomic bool: frame currently holds a cached page
}

func (f *frame) pin() int32  { return atomic.AddInt32(&f.pinCount, 1) }
func (f *frame) unpin() int32 {
	return atomic.AddInt32(&f.pinCount, -1)
}
func (f *frame) isPinned() bool { return atomic.LoadInt32(&f.pinCount) > 0 }

func (f *frame) setDirty(v bool) {
	if v {
		atomic.StoreInt32(&f.dirty, 1)
	} else {
		atomic.StoreInt32(&f.dirty, 0)
	}
}
func (f *frame) isDirty() bool { return atomic.LoadInt32(&f.dirty) != 0 }

func (f *frame) setReferenced(v bool) {
	if v {
		atomic.StoreInt32(&f.referenced, 1)
	} else {
		atomic.StoreInt32(&f.referenced, 0)
	}
}
func (f *frame) isReferenced() bool { return atomic.LoadInt32(&f.referenced) != 0 }

func (f *frame) setValid(v bool) {
	if v {
		atomic.StoreInt32(&f.valid, 1)
	} else {
		atomic.StoreInt32(&f.valid, 0)
	}
}
func (f *frame) isValid() bool { return atomic.LoadInt32(&f.valid) != 0 }

// Guard is a pinned, latched handle on a cached page. Callers must call
// Pool.Unpin exactly once per guard.
type Guard struct {
	pool      *Pool
	frame     *frame
	exclusive bool
}

// Page returns the underlying page buffer. Mutations are only safe when
// the guard was acquired exclusively.
func (g *Guard) Page() *pager.Page { return g.frame.page }

// PageID returns the id of the guarded page.
func (g *Guard) PageID() pager.PageID { return g.frame.pageID }
