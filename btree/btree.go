package btree

import (
	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/errs"
	"github.com/lowkeydb/lowkeydb/pager"
)

// BTree is the ordered key-value index. Every mutation borrows pinned
// pages from the buffer pool for the duration of a latch; the root page
// id lives in the pager's header metadata, not in the tree itself, so a
// root split is simply pager.SetRootPage under the header's exclusive
// section (see pager.Pager).
type BTree struct {
	pool  *buffer.Pool
	pager *pager.Pager
}

// New wires a B+tree on top of an already-open pager and buffer pool.
func New(p *pager.Pager, pool *buffer.Pool) *BTree {
	return &BTree{pool: pool, pager: p}
}

// Get performs a latch-coupled descent and returns the value for key, if
// present.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	root := t.pager.RootPage()
	if root == 0 {
		return nil, false, nil
	}

	guard, err := t.pool.FetchShared(root)
	if err != nil {
		return nil, false, err
	}
	for guard.Page().Type() == pager.PageTypeBTreeInternal {
		if !guard.Page().VerifyChecksum() {
			t.pool.Unpin(guard, false, 0)
			return nil, false, errs.ErrCorruption
		}
		node := DecodeInternal(guard.Page())
		childID := node.findChild(key)
		child, err := t.pool.FetchShared(childID)
		t.pool.Unpin(guard, false, 0)
		if err != nil {
			return nil, false, err
		}
		guard = child
	}

	if !guard.Page().VerifyChecksum() {
		t.pool.Unpin(guard, false, 0)
		return nil, false, errs.ErrCorruption
	}
	leaf := DecodeLeaf(guard.Page())
	idx, found := searchLeaf(leaf.Entries, key)
	t.pool.Unpin(guard, false, 0)
	if !found {
		return nil, false, nil
	}
	return leaf.Entries[idx].Value, true, nil
}

// pathEntry is one exclusively-latched frame on the current root-to-leaf
// descent stack.
type pathEntry struct {
	id    pager.PageID
	guard *buffer.Guard
}

func (t *BTree) releasePath(path []pathEntry) {
	for _, e := range path {
		t.pool.Unpin(e.guard, false, 0)
	}
}

// Insert adds or overwrites key/value, splitting nodes as needed. lsn is
// the WAL record responsible for this mutation and is stamped onto every
// page the operation touches.
func (t *BTree) Insert(key, value []byte, lsn uint64) error {
	if len(key) > MaxKeySize {
		return errs.ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return errs.ErrValueTooLarge
	}

	root := t.pager.RootPage()
	if root == 0 {
		id, guard, err := t.pool.NewPage(pager.PageTypeBTreeLeaf)
		if err != nil {
			return err
		}
		leaf := &LeafNode{Entries: []LeafEntry{{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}}}
		EncodeLeaf(guard.Page(), leaf)
		t.pool.Unpin(guard, true, lsn)
		t.pager.SetRootPage(id)
		t.pager.AddKeyCount(1)
		return nil
	}

	var path []pathEntry
	id := root
	guard, err := t.pool.FetchExclusive(id)
	if err != nil {
		return err
	}
	path = append(path, pathEntry{id, guard})

	for guard.Page().Type() == pager.PageTypeBTreeInternal {
		node := DecodeInternal(guard.Page())
		childID := node.findChild(key)
		childGuard, err := t.pool.FetchExclusive(childID)
		if err != nil {
			t.releasePath(path)
			return err
		}

		if isSafeForInsert(childGuard.Page(), key, value) {
			t.releasePath(path)
			path = path[:0]
		}
		path = append(path, pathEntry{childID, childGuard})
		guard = childGuard
	}

	// guard/path's last entry is the leaf.
	leaf := DecodeLeaf(guard.Page())
	idx, found := searchLeaf(leaf.Entries, key)
	isNewKey := !found
	if found {
		leaf.Entries[idx].Value = append([]byte(nil), value...)
	} else {
		entry := LeafEntry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
		leaf.Entries = append(leaf.Entries, LeafEntry{})
		copy(leaf.Entries[idx+1:], leaf.Entries[idx:])
		leaf.Entries[idx] = entry
	}

	if leaf.UsedBytes() <= usableSize {
		EncodeLeaf(guard.Page(), leaf)
		t.pool.Unpin(guard, true, lsn)
		path = path[:len(path)-1]
		t.releasePath(path)
		if isNewKey {
			t.pager.AddKeyCount(1)
		}
		return nil
	}

	// Split the leaf and propagate the separator upward through the
	// remaining path. The left half keeps the original page id; the
	// right half is the newly allocated page.
	leftID := guard.PageID()
	rightID, rightGuard, median, err := t.splitLeaf(guard, leaf, lsn)
	if err != nil {
		t.releasePath(path[:len(path)-1])
		return err
	}
	t.pool.Unpin(guard, true, lsn)
	t.pool.Unpin(rightGuard, true, lsn)
	path = path[:len(path)-1]

	if isNewKey {
		t.pager.AddKeyCount(1)
	}

	return t.propagateSplit(path, leftID, median, rightID, lsn)
}

// propagateSplit records that the page previously known as leftID split
// into (leftID holding keys < median, rightID holding keys >= median),
// inserting a new separator into the parent at the top of path and
// climbing further if that parent itself overflows. If path is empty,
// leftID was the root and a new root is created above both halves.
func (t *BTree) propagateSplit(path []pathEntry, leftID pager.PageID, median []byte, rightID pager.PageID, lsn uint64) error {
	if len(path) == 0 {
		id, guard, err := t.pool.NewPage(pager.PageTypeBTreeInternal)
		if err != nil {
			return err
		}
		node := &InternalNode{
			Entries:        []InternalEntry{{Key: append([]byte(nil), median...), Child: leftID}},
			RightmostChild: rightID,
		}
		EncodeInternal(guard.Page(), node)
		t.pool.Unpin(guard, true, lsn)
		t.pager.SetRootPage(id)
		return nil
	}

	top := path[len(path)-1]
	path = path[:len(path)-1]

	node := DecodeInternal(top.guard.Page())
	insertSeparator(node, leftID, median, rightID)

	if node.UsedBytes() <= usableSize {
		EncodeInternal(top.guard.Page(), node)
		t.pool.Unpin(top.guard, true, lsn)
		t.releasePath(path)
		return nil
	}

	parentLeftID := top.guard.PageID()
	rID, rGuard, med, err := t.splitInternal(top.guard, node, lsn)
	if err != nil {
		t.releasePath(path)
		return err
	}
	t.pool.Unpin(top.guard, true, lsn)
	t.pool.Unpin(rGuard, true, lsn)
	return t.propagateSplit(path, parentLeftID, med, rID, lsn)
}

// insertSeparator locates the slot in node that currently routes to
// leftID (either an entry's Child or RightmostChild) and splits it into
// (median -> leftID) followed by the remainder continuing to route to
// rightID, preserving the invariant that each entry's Child holds keys
// strictly less than its Key.
func insertSeparator(node *InternalNode, leftID pager.PageID, median []byte, rightID pager.PageID) {
	for i := range node.Entries {
		if node.Entries[i].Child == leftID {
			node.Entries[i].Child = rightID
			node.Entries = append(node.Entries, InternalEntry{})
			copy(node.Entries[i+1:], node.Entries[i:])
			node.Entries[i] = InternalEntry{Key: append([]byte(nil), median...), Child: leftID}
			return
		}
	}
	// leftID was RightmostChild.
	node.Entries = append(node.Entries, InternalEntry{Key: append([]byte(nil), median...), Child: leftID})
	node.RightmostChild = rightID
}

// Delete removes key if present. A node emptied by the delete is removed
// from its parent and freed, cascading upward; entries are never
// redistributed between siblings. Returns whether the key was found.
func (t *BTree) Delete(key []byte, lsn uint64) (bool, error) {
	root := t.pager.RootPage()
	if root == 0 {
		return false, nil
	}

	var path []pathEntry
	id := root
	guard, err := t.pool.FetchExclusive(id)
	if err != nil {
		return false, err
	}
	path = append(path, pathEntry{id, guard})

	for guard.Page().Type() == pager.PageTypeBTreeInternal {
		node := DecodeInternal(guard.Page())
		childID := node.findChild(key)
		childGuard, err := t.pool.FetchExclusive(childID)
		if err != nil {
			t.releasePath(path)
			return false, err
		}
		if isSafeForDelete(childGuard.Page()) {
			t.releasePath(path)
			path = path[:0]
		}
		path = append(path, pathEntry{childID, childGuard})
		guard = childGuard
	}

	leaf := DecodeLeaf(guard.Page())
	idx, found := searchLeaf(leaf.Entries, key)
	if !found {
		t.pool.Unpin(guard, false, 0)
		t.releasePath(path[:len(path)-1])
		return false, nil
	}
	leafID := guard.PageID()
	leaf.Entries = append(leaf.Entries[:idx], leaf.Entries[idx+1:]...)
	EncodeLeaf(guard.Page(), leaf)
	t.pool.Unpin(guard, true, lsn)
	path = path[:len(path)-1]
	t.pager.AddKeyCount(-1)

	if len(leaf.Entries) > 0 {
		// No underflow: nothing more to do.
		t.releasePath(path)
		return true, nil
	}
	if len(path) == 0 {
		// The root leaf itself emptied: free it and record an empty tree.
		t.pager.SetRootPage(0)
		return true, t.pool.FreePage(leafID)
	}

	// The leaf underflowed to empty (below the pinned minimum fill of 1):
	// splice it out of its parent and free the page, cascading upward if
	// that empties the parent down to a single child.
	return true, t.mergeUnderflow(path, leafID, lsn)
}

func isSafeForInsert(page *pager.Page, key, value []byte) bool {
	switch page.Type() {
	case pager.PageTypeBTreeLeaf:
		leaf := DecodeLeaf(page)
		return leaf.Fits(key, value)
	case pager.PageTypeBTreeInternal:
		node := DecodeInternal(page)
		// Conservatively require room for the widest possible promoted
		// separator (a full-size key) so a grandchild split never forces
		// this node to split too once we've already released ancestors.
		return node.FreeBytes() >= internalEntrySize(make([]byte, MaxKeySize))
	}
	return false
}

func isSafeForDelete(page *pager.Page) bool {
	switch page.Type() {
	case pager.PageTypeBTreeLeaf:
		leaf := DecodeLeaf(page)
		return len(leaf.Entries) > 1
	case pager.PageTypeBTreeInternal:
		node := DecodeInternal(page)
		return len(node.Entries) > 1
	}
	return false
}

// Validate walks the whole tree checking structural invariants: sorted
// keys within each node, separator keys bracketing child subtrees, and
// valid checksums on every visited page.
func (t *BTree) Validate() error {
	root := t.pager.RootPage()
	if root == 0 {
		return nil
	}
	return t.validateSubtree(root, nil, nil)
}

func (t *BTree) validateSubtree(id pager.PageID, lowKey, highKey []byte) error {
	guard, err := t.pool.FetchShared(id)
	if err != nil {
		return err
	}
	defer t.pool.Unpin(guard, false, 0)

	if !guard.Page().VerifyChecksum() {
		return errs.ErrCorruption
	}

	if guard.Page().Type() == pager.PageTypeBTreeLeaf {
		leaf := DecodeLeaf(guard.Page())
		for i := 1; i < len(leaf.Entries); i++ {
			if !lessBytes(leaf.Entries[i-1].Key, leaf.Entries[i].Key) {
				return errs.ErrCorruption
			}
		}
		for _, e := range leaf.Entries {
			if lowKey != nil && lessBytes(e.Key, lowKey) {
				return errs.ErrCorruption
			}
			if highKey != nil && !lessBytes(e.Key, highKey) {
				return errs.ErrCorruption
			}
		}
		return nil
	}

	node := DecodeInternal(guard.Page())
	for i := 1; i < len(node.Entries); i++ {
		if !lessBytes(node.Entries[i-1].Key, node.Entries[i].Key) {
			return errs.ErrCorruption
		}
	}
	prevKey := lowKey
	for _, e := range node.Entries {
		if err := t.validateSubtree(e.Child, prevKey, e.Key); err != nil {
			return err
		}
		prevKey = e.Key
	}
	return t.validateSubtree(node.RightmostChild, prevKey, highKey)
}
