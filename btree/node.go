// Package btree implements the ordered key-value index: node layout,
// latch-coupled search, safety-crabbed insert with splits, and
// delete that removes emptied nodes from their parents.
package btree

import (
	"encoding/binary"

	"github.com/lowkeydb/lowkeydb/pager"
)

// Key/value bounds: entries that would exceed remaining in-page space
// trigger a split; entries larger than these absolute bounds are
// rejected outright.
const (
	MaxKeySize   = 1024
	MaxValueSize = 3072
)

// nodeHeaderSize is the 2-byte entry-count prefix at the front of every
// node's usable payload region.
const nodeHeaderSize = 2

// siblingPointerSize is the trailing 4-byte pointer every node reserves:
// next_leaf for leaf nodes, the rightmost child for internal nodes.
const siblingPointerSize = 4

// usableSize is how many bytes of a page's payload are available for
// entries once the header and the trailing sibling/child pointer are
// reserved.
const usableSize = pager.PayloadSize - nodeHeaderSize - siblingPointerSize

// LeafEntry is one (key, value) pair stored in a leaf node.
type LeafEntry struct {
	Key   []byte
	Value []byte
}

func leafEntrySize(key, value []byte) int { return 2 + 4 + len(key) + len(value) }

// LeafNode is the decoded form of a btree leaf page.
type LeafNode struct {
	Entries  []LeafEntry
	NextLeaf pager.PageID
}

// InternalEntry pairs a separator key with the child subtree holding
// keys less than Key (the trailing RightmostChild in InternalNode holds
// keys >= the last entry's key).
type InternalEntry struct {
	Key   []byte
	Child pager.PageID
}

func internalEntrySize(key []byte) int { return 2 + 4 + len(key) }

// InternalNode is the decoded form of a btree internal page.
type InternalNode struct {
	Entries        []InternalEntry
	RightmostChild pager.PageID
}

// UsedBytes reports how much of the usable region is occupied.
func (n *LeafNode) UsedBytes() int {
	total := 0
	for _, e := range n.Entries {
		total += leafEntrySize(e.Key, e.Value)
	}
	return total
}

// FreeBytes reports how much of the usable region remains.
func (n *LeafNode) FreeBytes() int { return usableSize - n.UsedBytes() }

// Fits reports whether key/value could be added without a split.
func (n *LeafNode) Fits(key, value []byte) bool {
	return leafEntrySize(key, value) <= n.FreeBytes()
}

func (n *InternalNode) UsedBytes() int {
	total := 0
	for _, e := range n.Entries {
		total += internalEntrySize(e.Key)
	}
	return total
}

func (n *InternalNode) FreeBytes() int { return usableSize - n.UsedBytes() }

func (n *InternalNode) Fits(key []byte) bool {
	return internalEntrySize(key) <= n.FreeBytes()
}

// EncodeLeaf serializes n into page, which must already be typed
// PageTypeBTreeLeaf.
func EncodeLeaf(page *pager.Page, n *LeafNode) {
	buf := page.Payload()
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(n.Entries)))
	off := nodeHeaderSize
	for _, e := range n.Entries {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(e.Key)))
		off += 2
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(e.Value)))
		off += 4
		copy(buf[off:], e.Key)
		off += len(e.Key)
		copy(buf[off:], e.Value)
		off += len(e.Value)
	}
	binary.LittleEndian.PutUint32(buf[pager.PayloadSize-siblingPointerSize:pager.PayloadSize], uint32(n.NextLeaf))
}

// DecodeLeaf parses a leaf node from page, which must be typed
// PageTypeBTreeLeaf.
func DecodeLeaf(page *pager.Page) *LeafNode {
	buf := page.Payload()
	count := binary.LittleEndian.Uint16(buf[0:2])
	n := &LeafNode{Entries: make([]LeafEntry, 0, count)}
	off := nodeHeaderSize
	for i := 0; i < int(count); i++ {
		klen := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		vlen := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		key := append([]byte(nil), buf[off:off+int(klen)]...)
		off += int(klen)
		value := append([]byte(nil), buf[off:off+int(vlen)]...)
		off += int(vlen)
		n.Entries = append(n.Entries, LeafEntry{Key: key, Value: value})
	}
	n.NextLeaf = pager.PageID(binary.LittleEndian.Uint32(buf[pager.PayloadSize-siblingPointerSize : pager.PayloadSize]))
	return n
}

// EncodeInternal serializes n into page, which must already be typed
// PageTypeBTreeInternal.
func EncodeInternal(page *pager.Page, n *InternalNode) {
	buf := page.Payload()
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(n.Entries)))
	off := nodeHeaderSize
	for _, e := range n.Entries {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(e.Key)))
		off += 2
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.Child))
		off += 4
		copy(buf[off:], e.Key)
		off += len(e.Key)
	}
	binary.LittleEndian.PutUint32(buf[pager.PayloadSize-siblingPointerSize:pager.PayloadSize], uint32(n.RightmostChild))
}

// DecodeInternal parses an internal node from page, which must be typed
// PageTypeBTreeInternal.
func DecodeInternal(page *pager.Page) *InternalNode {
	buf := page.Payload()
	count := binary.LittleEndian.Uint16(buf[0:2])
	n := &InternalNode{Entries: make([]InternalEntry, 0, count)}
	off := nodeHeaderSize
	for i := 0; i < int(count); i++ {
		klen := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		child := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		key := append([]byte(nil), buf[off:off+int(klen)]...)
		off += int(klen)
		n.Entries = append(n.Entries, InternalEntry{Key: key, Child: pager.PageID(child)})
	}
	n.RightmostChild = pager.PageID(binary.LittleEndian.Uint32(buf[pager.PayloadSize-siblingPointerSize : pager.PayloadSize]))
	return n
}

// findChild returns the page id of the child subtree that must contain
// key: the first entry whose Key is > key, or RightmostChild if key is
// >= every separator.
func (n *InternalNode) findChild(key []byte) pager.PageID {
	for _, e := range n.Entries {
		if lessBytes(key, e.Key) {
			return e.Child
		}
	}
	return n.RightmostChild
}

func lessBytes(a, b []byte) bool {
	return compareBytes(a, b) < 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// searchLeaf returns the index of key in entries and true if found, else the
// insertion point and false. Entries are kept sorted lexicographically.
func searchLeaf(entries []LeafEntry, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := compareBytes(entries[mid].Key, key)
		if c == 0 {
			return mid, true
		} else if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}
