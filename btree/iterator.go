package btree

import "github.com/lowkeydb/lowkeydb/pager"

// Iterator walks leaves left-to-right via next_leaf pointers, used for
// ordered scans such as serializable predicate/next-key locking.
type Iterator struct {
	tree    *BTree
	current pager.PageID
	idx     int
	entries []LeafEntry
	done    bool
}

// Seek positions an iterator at the first key >= from (or the very first
// key if from is nil).
func (t *BTree) Seek(from []byte) (*Iterator, error) {
	it := &Iterator{tree: t}
	root := t.pager.RootPage()
	if root == 0 {
		it.done = true
		return it, nil
	}

	guard, err := t.pool.FetchShared(root)
	if err != nil {
		return nil, err
	}
	for guard.Page().Type() == pager.PageTypeBTreeInternal {
		node := DecodeInternal(guard.Page())
		var childID pager.PageID
		if from == nil {
			childID = node.Entries[0].Child
			if len(node.Entries) == 0 {
				childID = node.RightmostChild
			}
		} else {
			childID = node.findChild(from)
		}
		child, err := t.pool.FetchShared(childID)
		t.pool.Unpin(guard, false, 0)
		if err != nil {
			return nil, err
		}
		guard = child
	}

	leaf := DecodeLeaf(guard.Page())
	it.current = guard.PageID()
	t.pool.Unpin(guard, false, 0)
	it.entries = leaf.Entries
	if from != nil {
		idx, _ := searchLeaf(leaf.Entries, from)
		it.idx = idx
	}
	it.advanceToLeafBoundary()
	return it, nil
}

// advanceToLeafBoundary hops to the next non-empty leaf if idx has run
// past the end of the current one.
func (it *Iterator) advanceToLeafBoundary() {
	for !it.done && it.idx >= len(it.entries) {
		leafGuardPage, err := it.tree.pool.FetchShared(it.current)
		if err != nil {
			it.done = true
			return
		}
		leaf := DecodeLeaf(leafGuardPage.Page())
		next := leaf.NextLeaf
		it.tree.pool.Unpin(leafGuardPage, false, 0)
		if next == 0 {
			it.done = true
			return
		}
		nextGuard, err := it.tree.pool.FetchShared(next)
		if err != nil {
			it.done = true
			return
		}
		nextLeaf := DecodeLeaf(nextGuard.Page())
		it.current = next
		it.tree.pool.Unpin(nextGuard, false, 0)
		it.entries = nextLeaf.Entries
		it.idx = 0
	}
}

// Next returns the next (key, value) pair in order, or ok=false when the
// iterator is exhausted.
func (it *Iterator) Next() (key, value []byte, ok bool) {
	if it.done || it.idx >= len(it.entries) {
		it.advanceToLeafBoundary()
		if it.done {
			return nil, nil, false
		}
	}
	e := it.entries[it.idx]
	it.idx++
	return e.Key, e.Value, true
}
