package pager

import (
	"encoding/binary"
	"hash/crc32"
)

// PageSize is the fixed page size for every page in the database file,
// matching the WAL-before-page alignment contract the buffer pool and
// pager rely on.
const (
	PageSize       = 4096
	PageHeaderSize = 32
	PayloadSize    = PageSize - PageHeaderSize
)

// PageID identifies a page by its offset (in units of PageSize) within
// the database file. Page 0 is always the header page.
type PageID uint32

// HeaderPageID is the fixed location of the database header page.
const HeaderPageID PageID = 0

// PageType classifies the payload stored in a page.
type PageType uint8

const (
	PageTypeHeader PageType = iota
	PageTypeBTreeInternal
	PageTypeBTreeLeaf
	PageTypeFree
)

// Page is a raw, fixed-size page buffer: a 32-byte header followed by the
// 4064-byte payload. Header fields are accessed through the methods below
// rather than a parallel Go struct, so encode/decode is a single byte-slice
// operation with no separate marshal step.
type Page struct {
	Buf [PageSize]byte
}

func (p *Page) Type() PageType       { return PageType(p.Buf[0]) }
func (p *Page) SetType(t PageType)   { p.Buf[0] = byte(t) }
func (p *Page) Flags() uint8         { return p.Buf[1] }
func (p *Page) SetFlags(f uint8)     { p.Buf[1] = f }
func (p *Page) Checksum() uint32     { return binary.LittleEndian.Uint32(p.Buf[2:6]) }
func (p *Page) LSN() uint64          { return binary.LittleEndian.Uint64(p.Buf[6:14]) }
func (p *Page) SetLSN(lsn uint64)    { binary.LittleEndian.PutUint64(p.Buf[6:14], lsn) }
func (p *Page) Payload() []byte      { return p.Buf[PageHeaderSize:] }

func (p *Page) setChecksum(c uint32) { binary.LittleEndian.PutUint32(p.Buf[2:6], c) }

// computeChecksum computes the CRC32 of the page with the checksum field
// zeroed, per the on-disk format.
func (p *Page) computeChecksum() uint32 {
	var scratch [PageSize]byte
	copy(scratch[:], p.Buf[:])
	scratch[2], scratch[3], scratch[4], scratch[5] = 0, 0, 0, 0
	return crc32.ChecksumIEEE(scratch[:])
}

// Finalize recomputes and stores the checksum; call before writing a page
// to disk.
func (p *Page) Finalize() {
	p.setChecksum(p.computeChecksum())
}

// VerifyChecksum reports whether the stored checksum matches the page
// contents.
func (p *Page) VerifyChecksum() bool {
	return p.Checksum() == p.computeChecksum()
}

// NewPage returns a zero-filled page of the given type.
func NewPage(t PageType) *Page {
	p := &Page{}
	p.SetType(t)
	return p
}

// --- header page payload layout ---

var magic = [8]byte{'L', 'O', 'W', 'K', 'Y', 'D', 'B', 0}

const headerVersion uint32 = 1

// HeaderPayload is the decoded form of the header page's payload.
type HeaderPayload struct {
	Version      uint32
	PageSize     uint32
	RootPage     PageID
	FreePageList PageID
	PageCount    uint32
	KeyCount     uint64
}

// EncodeHeader writes h into page's payload (page must be the header page).
func EncodeHeader(p *Page, h *HeaderPayload) {
	buf := p.Payload()
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageSize)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.RootPage))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.FreePageList))
	binary.LittleEndian.PutUint32(buf[24:28], h.PageCount)
	binary.LittleEndian.PutUint64(buf[28:36], h.KeyCount)
}

// DecodeHeader validates the magic/version/page-size and returns the
// decoded header payload.
func DecodeHeader(p *Page) (*HeaderPayload, error) {
	buf := p.Payload()
	if string(buf[0:8]) != string(magic[:]) {
		return nil, ErrInvalidMagic
	}
	h := &HeaderPayload{
		Version:      binary.LittleEndian.Uint32(buf[8:12]),
		PageSize:     binary.LittleEndian.Uint32(buf[12:16]),
		RootPage:     PageID(binary.LittleEndian.Uint32(buf[16:20])),
		FreePageList: PageID(binary.LittleEndian.Uint32(buf[20:24])),
		PageCount:    binary.LittleEndian.Uint32(buf[24:28]),
		KeyCount:     binary.LittleEndian.Uint64(buf[28:36]),
	}
	if h.Version != headerVersion {
		return nil, ErrUnsupportedVersion
	}
	if h.PageSize != PageSize {
		return nil, ErrInvalidPageSize
	}
	return h, nil
}

// NewHeaderPage builds a fresh header page for a newly created database.
func NewHeaderPage() *Page {
	p := NewPage(PageTypeHeader)
	EncodeHeader(p, &HeaderPayload{
		Version:      headerVersion,
		PageSize:     PageSize,
		RootPage:     0,
		FreePageList: 0,
		PageCount:    1,
		KeyCount:     0,
	})
	p.Finalize()
	return p
}

// --- free page payload layout ---

// NextFree reads the next-free-page pointer stored in a free page's payload.
func NextFree(p *Page) PageID {
	return PageID(binary.LittleEndian.Uint32(p.Payload()[0:4]))
}

// SetNextFree stores the next-free-page pointer in a free page's payload.
func SetNextFree(p *Page, next PageID) {
	binary.LittleEndian.PutUint32(p.Payload()[0:4], uint32(next))
}
