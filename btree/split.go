package btree

import (
	"github.com/lowkeydb/lowkeydb/buffer"
	"github.com/lowkeydb/lowkeydb/pager"
)

// splitLeaf redistributes leaf (currently occupying guard's page) evenly
// across the original page (kept as the left half) and a freshly
// allocated right sibling, linking next_leaf pointers for forward
// iteration. It returns the right sibling's id/guard and the separator
// key to promote into the parent (the smallest key now on the right).
func (t *BTree) splitLeaf(guard *buffer.Guard, leaf *LeafNode, lsn uint64) (pager.PageID, *buffer.Guard, []byte, error) {
	mid := len(leaf.Entries) / 2
	if mid < 1 {
		mid = 1
	}
	leftEntries := leaf.Entries[:mid]
	rightEntries := append([]LeafEntry(nil), leaf.Entries[mid:]...)
	median := append([]byte(nil), rightEntries[0].Key...)

	rightID, rightGuard, err := t.pool.NewPage(pager.PageTypeBTreeLeaf)
	if err != nil {
		return 0, nil, nil, err
	}
	rightNode := &LeafNode{Entries: rightEntries, NextLeaf: leaf.NextLeaf}
	EncodeLeaf(rightGuard.Page(), rightNode)

	leftNode := &LeafNode{Entries: leftEntries, NextLeaf: rightID}
	EncodeLeaf(guard.Page(), leftNode)

	return rightID, rightGuard, median, nil
}

// splitInternal redistributes node's separators evenly across the
// original page (left half) and a freshly allocated right sibling. The
// middle separator is promoted to the parent rather than kept in either
// half, per standard B+tree internal splitting.
func (t *BTree) splitInternal(guard *buffer.Guard, node *InternalNode, lsn uint64) (pager.PageID, *buffer.Guard, []byte, error) {
	mid := len(node.Entries) / 2

	median := append([]byte(nil), node.Entries[mid].Key...)
	leftEntries := node.Entries[:mid]
	leftRightmost := node.Entries[mid].Child
	rightEntries := append([]InternalEntry(nil), node.Entries[mid+1:]...)
	rightRightmost := node.RightmostChild

	rightID, rightGuard, err := t.pool.NewPage(pager.PageTypeBTreeInternal)
	if err != nil {
		return 0, nil, nil, err
	}
	rightNode := &InternalNode{Entries: rightEntries, RightmostChild: rightRightmost}
	EncodeInternal(rightGuard.Page(), rightNode)

	leftNode := &InternalNode{Entries: leftEntries, RightmostChild: leftRightmost}
	EncodeInternal(guard.Page(), leftNode)

	return rightID, rightGuard, median, nil
}
