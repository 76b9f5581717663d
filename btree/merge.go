package btree

import "github.com/lowkeydb/lowkeydb/pager"

// mergeUnderflow removes the reference to childID (a page that just
// underflowed to empty) from the parent at the top of path, frees
// childID, and cascades upward if the parent itself degenerates to a
// single remaining child. path holds the still-exclusively-latched
// ancestor chain above childID, nearest last (path[len(path)-1] is the
// immediate parent).
func (t *BTree) mergeUnderflow(path []pathEntry, childID pager.PageID, lsn uint64) error {
	if len(path) == 0 {
		// childID was the root: there is no parent reference to remove
		// (Delete resets an emptied root leaf itself).
		return nil
	}

	top := path[len(path)-1]
	rest := path[:len(path)-1]

	node := DecodeInternal(top.guard.Page())
	removeChildRef(node, childID)
	if err := t.pool.FreePage(childID); err != nil {
		t.releasePath(path)
		return err
	}

	if len(node.Entries) > 0 {
		EncodeInternal(top.guard.Page(), node)
		t.pool.Unpin(top.guard, true, lsn)
		t.releasePath(rest)
		return nil
	}

	// node degenerated to its single remaining child: splice node out of
	// the tree and free its page.
	sole := node.RightmostChild
	nodeID := top.guard.PageID()
	t.pool.Unpin(top.guard, false, 0)
	if err := t.pool.FreePage(nodeID); err != nil {
		t.releasePath(rest)
		return err
	}

	if len(rest) == 0 {
		t.pager.SetRootPage(sole)
		return nil
	}
	return t.spliceChild(rest, nodeID, sole, lsn)
}

// removeChildRef deletes whichever slot in node currently routes to
// childID, folding the entry's key away since the subtree it bounded no
// longer exists.
func removeChildRef(node *InternalNode, childID pager.PageID) {
	if node.RightmostChild == childID {
		if len(node.Entries) == 0 {
			return
		}
		last := node.Entries[len(node.Entries)-1]
		node.RightmostChild = last.Child
		node.Entries = node.Entries[:len(node.Entries)-1]
		return
	}
	for i := range node.Entries {
		if node.Entries[i].Child == childID {
			node.Entries = append(node.Entries[:i], node.Entries[i+1:]...)
			return
		}
	}
}

// spliceChild replaces every reference to oldID in the parent at the top
// of path with newID, used when an internal node collapses to a single
// child and must be bypassed without changing the parent's entry count
// (so no further cascade is needed).
func (t *BTree) spliceChild(path []pathEntry, oldID, newID pager.PageID, lsn uint64) error {
	top := path[len(path)-1]
	rest := path[:len(path)-1]

	node := DecodeInternal(top.guard.Page())
	for i := range node.Entries {
		if node.Entries[i].Child == oldID {
			node.Entries[i].Child = newID
			EncodeInternal(top.guard.Page(), node)
			t.pool.Unpin(top.guard, true, lsn)
			t.releasePath(rest)
			return nil
		}
	}
	if node.RightmostChild == oldID {
		node.RightmostChild = newID
		EncodeInternal(top.guard.Page(), node)
		t.pool.Unpin(top.guard, true, lsn)
		t.releasePath(rest)
		return nil
	}
	// Should not happen: oldID must have appeared somewhere in its parent.
	t.pool.Unpin(top.guard, false, 0)
	t.releasePath(rest)
	return nil
}
