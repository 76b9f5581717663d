// Package pager implements the fixed-size paged file layout: the header
// page, page allocation/free-list management, and aligned page I/O.
package pager

import (
	"sync"
)

// Pager owns the database file handle and the free list, per the
// lifecycle rules in the data model: it is the single source of truth for
// root_page, free_page_list, page_count and key_count, all cached in
// memory behind metaMu and flushed into the on-disk header page by
// FlushMeta (Sync alone does not write them). The buffer pool never caches page 0 itself; it manages
// pages 1..N (B+tree nodes) exclusively. metaMu therefore plays the role
// of the "header page exclusive latch" described in the design.
type Pager struct {
	file File

	metaMu sync.RWMutex
	meta   HeaderPayload
}

// Create initializes a brand-new database file with a fresh header page.
func Create(file File) (*Pager, error) {
	hp := NewHeaderPage()
	if _, err := file.WriteAt(hp.Buf[:], 0); err != nil {
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(hp)
	if err != nil {
		return nil, err
	}
	return &Pager{file: file, meta: *h}, nil
}

// Open validates and loads an existing database file's header page.
func Open(file File) (*Pager, error) {
	var hp Page
	if _, err := file.ReadAt(hp.Buf[:], 0); err != nil {
		return nil, err
	}
	if !hp.VerifyChecksum() {
		return nil, ErrCorrupt
	}
	h, err := DecodeHeader(&hp)
	if err != nil {
		return nil, err
	}
	return &Pager{file: file, meta: *h}, nil
}

// ReadPage loads page id from disk.
func (p *Pager) ReadPage(id PageID) (*Page, error) {
	var page Page
	off := int64(id) * PageSize
	if _, err := p.file.ReadAt(page.Buf[:], off); err != nil {
		return nil, err
	}
	if !page.VerifyChecksum() {
		return nil, ErrCorrupt
	}
	return &page, nil
}

// WritePage finalizes the checksum and writes page to its slot.
func (p *Pager) WritePage(id PageID, page *Page) error {
	page.Finalize()
	off := int64(id) * PageSize
	_, err := p.file.WriteAt(page.Buf[:], off)
	return err
}

// Sync issues a durability barrier on the underlying file.
func (p *Pager) Sync() error {
	return p.file.Sync()
}

// Close flushes metadata and closes the underlying file.
func (p *Pager) Close() error {
	if err := p.FlushMeta(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	return p.file.Close()
}

// AllocatePage pops the free list head or extends the file, returning a
// fresh page id. The returned page has not yet been written to disk.
func (p *Pager) AllocatePage() (PageID, error) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	if p.meta.FreePageList != 0 {
		id := p.meta.FreePageList
		fp, err := p.ReadPage(id)
		if err != nil {
			return 0, err
		}
		p.meta.FreePageList = NextFree(fp)
		return id, nil
	}

	id := PageID(p.meta.PageCount)
	p.meta.PageCount++
	return id, nil
}

// FreePage pushes id onto the free list and stamps it as a free page.
func (p *Pager) FreePage(id PageID) error {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	fp := NewPage(PageTypeFree)
	SetNextFree(fp, p.meta.FreePageList)
	if err := p.WritePage(id, fp); err != nil {
		return err
	}
	p.meta.FreePageList = id
	return nil
}

// RootPage returns the current B+tree root page id (0 means empty tree).
func (p *Pager) RootPage() PageID {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.meta.RootPage
}

// SetRootPage updates the root page id, as happens when a root split
// raises the tree's height.
func (p *Pager) SetRootPage(id PageID) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	p.meta.RootPage = id
}

// PageCount returns the number of pages currently allocated in the file.
func (p *Pager) PageCount() uint32 {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.meta.PageCount
}

// KeyCount returns the number of live keys tracked in the header page.
func (p *Pager) KeyCount() uint64 {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.meta.KeyCount
}

// AddKeyCount adjusts the live key counter by delta (may be negative).
func (p *Pager) AddKeyCount(delta int64) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	if delta >= 0 {
		p.meta.KeyCount += uint64(delta)
	} else {
		p.meta.KeyCount -= uint64(-delta)
	}
}

// SetKeyCount overwrites the live key counter outright.
func (p *Pager) SetKeyCount(n uint64) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	p.meta.KeyCount = n
}

// SetRootAndCounts atomically overwrites the root page id, page count and
// key count.
func (p *Pager) SetRootAndCounts(root PageID, pageCount uint32, keyCount uint64) {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	p.meta.RootPage = root
	p.meta.PageCount = pageCount
	p.meta.KeyCount = keyCount
}

// FlushMeta persists the in-memory header fields to page 0.
func (p *Pager) FlushMeta() error {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	hp := NewPage(PageTypeHeader)
	EncodeHeader(hp, &p.meta)
	return p.WritePage(HeaderPageID, hp)
}
