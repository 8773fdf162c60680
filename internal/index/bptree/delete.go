package bptree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// Remove deletes key, returning false without modifying the tree if key is
// absent. A write-crabbing descent identical in shape to Insert's is used,
// but the safety test a node must pass to let its ancestors go is
// size > minSize — the node can absorb one borrowed slot from below
// without itself underflowing.
func (idx *Index[K, V]) Remove(key K, txn *TxnContext) (bool, error) {
	if txn == nil {
		txn = NewTxnContext()
	}
	unpinner := idx.unpinner()

	idx.rootMu.Lock()
	root := idx.rootPageID
	idx.rootMu.Unlock()
	if root == pagemanager.InvalidPageID {
		return false, nil
	}

	curID := root
	var leafID pagemanager.PageID
	var leaf *leafNode[K, V]
	for {
		page, err := idx.pool.Fetch(curID)
		if err != nil {
			txn.releaseAll(unpinner)
			return false, err
		}
		page.Lock()
		txn.addLatch(page, latchWrite)

		data := page.Data()
		if peekIsLeaf(data) {
			l, err := deserializeLeaf[K, V](curID, data, idx.keyCodec, idx.valCodec)
			if err != nil {
				txn.releaseAll(unpinner)
				return false, err
			}
			leafID, leaf = curID, l
			break
		}
		node, err := deserializeInternal[K](curID, data, idx.keyCodec)
		if err != nil {
			txn.releaseAll(unpinner)
			return false, err
		}
		if node.size > idx.internalMinSize() {
			txn.releaseAllButLast(unpinner)
		}
		curID = node.lookup(key, idx.cmp)
	}

	newSize, found := leaf.removeAndDelete(key, idx.cmp)
	if !found {
		txn.releaseAll(unpinner)
		return false, nil
	}

	leafPage, _ := idx.pool.Fetch(leafID) // still pinned from descent; bumps harmlessly
	if err := serializeLeaf(leaf, leafPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
		idx.pool.Unpin(leafID, false)
		txn.releaseAll(unpinner)
		return false, err
	}
	idx.pool.Unpin(leafID, true)
	idx.incrementSize(-1)

	if leaf.parentID == pagemanager.InvalidPageID {
		// Leaf is the whole tree: nothing to coalesce against. An empty
		// root leaf means the tree is now empty.
		if newSize == 0 {
			idx.rootMu.Lock()
			idx.rootPageID = pagemanager.InvalidPageID
			idx.rootMu.Unlock()
			if err := idx.persistRoot(pagemanager.InvalidPageID); err != nil {
				txn.releaseAll(unpinner)
				return false, err
			}
			txn.releaseLast(unpinner)
			if _, err := idx.pool.Delete(leafID); err != nil {
				return false, err
			}
			return true, nil
		}
		txn.releaseAll(unpinner)
		return true, nil
	}

	if newSize >= idx.leafMinSize() {
		txn.releaseAll(unpinner)
		return true, nil
	}

	if err := idx.coalesceOrRedistributeLeaf(leafID, leaf, txn); err != nil {
		txn.releaseAll(unpinner)
		return false, err
	}
	txn.releaseAll(unpinner)
	return true, nil
}

// coalesceOrRedistributeLeaf resolves an underflowed leaf against one of
// its siblings. The sibling is not part of the crabbing stack descent
// built, so it is located and explicitly write-latched here, independent
// of txn.
func (idx *Index[K, V]) coalesceOrRedistributeLeaf(leafID pagemanager.PageID, leaf *leafNode[K, V], txn *TxnContext) error {
	parentID := leaf.parentID
	parentPage, err := idx.pool.Fetch(parentID)
	if err != nil {
		return fmt.Errorf("bptree: fetching parent %d: %w", parentID, err)
	}
	parentNode, err := deserializeInternal[K](parentID, parentPage.Data(), idx.keyCodec)
	idx.pool.Unpin(parentID, false)
	if err != nil {
		return err
	}

	myIdx := parentNode.valueIndex(leafID)
	var siblingID pagemanager.PageID
	useLeft := myIdx > 0
	if useLeft {
		siblingID = parentNode.valueAt(myIdx - 1)
	} else {
		siblingID = parentNode.valueAt(myIdx + 1)
	}

	siblingPage, err := idx.pool.Fetch(siblingID)
	if err != nil {
		return fmt.Errorf("bptree: fetching sibling %d: %w", siblingID, err)
	}
	siblingPage.Lock()
	siblingLeaf, err := deserializeLeaf[K, V](siblingID, siblingPage.Data(), idx.keyCodec, idx.valCodec)
	if err != nil {
		siblingPage.Unlock()
		idx.pool.Unpin(siblingID, false)
		return err
	}

	coalesce := leaf.size+siblingLeaf.size <= idx.leafMaxSize
	unpinner := idx.unpinner()

	if coalesce {
		var removedSlot int
		if useLeft {
			leaf.moveAllTo(siblingLeaf)
			if err := serializeLeaf(siblingLeaf, siblingPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
				siblingPage.Unlock()
				idx.pool.Unpin(siblingID, false)
				return err
			}
			siblingPage.Unlock()
			idx.pool.Unpin(siblingID, true)
			removedSlot = myIdx

			txn.releaseLast(unpinner)
			if _, err := idx.pool.Delete(leafID); err != nil {
				return err
			}
		} else {
			siblingLeaf.moveAllTo(leaf)
			leafPage, _ := idx.pool.Fetch(leafID)
			if err := serializeLeaf(leaf, leafPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
				idx.pool.Unpin(leafID, false)
				siblingPage.Unlock()
				idx.pool.Unpin(siblingID, false)
				return err
			}
			idx.pool.Unpin(leafID, true)
			siblingPage.Unlock()
			idx.pool.Unpin(siblingID, false)
			removedSlot = myIdx + 1

			// leaf survives, but climbing to the parent next means it must
			// come off the latch stack now — its own latch stays top of
			// stack otherwise, and the parent's release would target the
			// wrong page.
			txn.releaseLast(unpinner)
			if _, err := idx.pool.Delete(siblingID); err != nil {
				return err
			}
		}

		parentNode.remove(removedSlot)
		if idx.metrics != nil {
			idx.metrics.BTreeCoalesces.Inc()
		}
		return idx.coalesceOrRedistributeInternal(parentID, parentNode, txn)
	}

	// Redistribute: borrow one slot from the sibling and rewrite the
	// parent's separator to match.
	leafPage, _ := idx.pool.Fetch(leafID)
	if useLeft {
		siblingLeaf.moveLastToFrontOf(leaf)
		parentNode.setKeyAt(myIdx, leaf.keys[0])
	} else {
		siblingLeaf.moveFirstToEndOf(leaf)
		parentNode.setKeyAt(myIdx+1, siblingLeaf.keys[0])
	}
	if err := serializeLeaf(leaf, leafPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
		idx.pool.Unpin(leafID, false)
		siblingPage.Unlock()
		idx.pool.Unpin(siblingID, false)
		return err
	}
	idx.pool.Unpin(leafID, true)
	if err := serializeLeaf(siblingLeaf, siblingPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
		siblingPage.Unlock()
		idx.pool.Unpin(siblingID, false)
		return err
	}
	siblingPage.Unlock()
	idx.pool.Unpin(siblingID, true)

	parentPage2, _ := idx.pool.Fetch(parentID)
	if err := serializeInternal(parentNode, parentPage2.Data(), idx.keyCodec); err != nil {
		idx.pool.Unpin(parentID, false)
		return err
	}
	idx.pool.Unpin(parentID, true)

	if idx.metrics != nil {
		idx.metrics.BTreeRedistributes.Inc()
	}
	return nil
}

// coalesceOrRedistributeInternal propagates an underflow (one slot just
// removed from node, currently held by nodeID) up through ancestors, the
// same way insertIntoParent propagates a split downward's counterpart
// upward — climbing iteratively rather than recursing so a single
// function works at every level above the leaves.
func (idx *Index[K, V]) coalesceOrRedistributeInternal(nodeID pagemanager.PageID, node *internalNode[K], txn *TxnContext) error {
	unpinner := idx.unpinner()

	for {
		if nodeID == idx.currentRoot() {
			return idx.adjustRoot(nodeID, node, txn)
		}
		if node.size >= idx.internalMinSize() {
			nodePage, _ := idx.pool.Fetch(nodeID)
			if err := serializeInternal(node, nodePage.Data(), idx.keyCodec); err != nil {
				idx.pool.Unpin(nodeID, false)
				return err
			}
			idx.pool.Unpin(nodeID, true)
			txn.releaseLast(unpinner)
			return nil
		}

		parentID := node.parentID
		parentPage, err := idx.pool.Fetch(parentID)
		if err != nil {
			return fmt.Errorf("bptree: fetching parent %d: %w", parentID, err)
		}
		parentNode, err := deserializeInternal[K](parentID, parentPage.Data(), idx.keyCodec)
		idx.pool.Unpin(parentID, false)
		if err != nil {
			return err
		}

		myIdx := parentNode.valueIndex(nodeID)
		var siblingID pagemanager.PageID
		useLeft := myIdx > 0
		if useLeft {
			siblingID = parentNode.valueAt(myIdx - 1)
		} else {
			siblingID = parentNode.valueAt(myIdx + 1)
		}

		siblingPage, err := idx.pool.Fetch(siblingID)
		if err != nil {
			return fmt.Errorf("bptree: fetching sibling %d: %w", siblingID, err)
		}
		siblingPage.Lock()
		siblingNode, err := deserializeInternal[K](siblingID, siblingPage.Data(), idx.keyCodec)
		if err != nil {
			siblingPage.Unlock()
			idx.pool.Unpin(siblingID, false)
			return err
		}

		if node.size+siblingNode.size <= idx.internalMaxSize {
			var removedSlot int
			if useLeft {
				separator := parentNode.keyAt(myIdx)
				moved := node.moveAllTo(siblingNode, separator)
				for _, c := range moved {
					if err := idx.setChildParentID(c, siblingID); err != nil {
						siblingPage.Unlock()
						idx.pool.Unpin(siblingID, false)
						return err
					}
				}
				if err := serializeInternal(siblingNode, siblingPage.Data(), idx.keyCodec); err != nil {
					siblingPage.Unlock()
					idx.pool.Unpin(siblingID, false)
					return err
				}
				siblingPage.Unlock()
				idx.pool.Unpin(siblingID, true)
				removedSlot = myIdx

				txn.releaseLast(unpinner)
				if _, err := idx.pool.Delete(nodeID); err != nil {
					return err
				}
			} else {
				separator := parentNode.keyAt(myIdx + 1)
				moved := siblingNode.moveAllTo(node, separator)
				for _, c := range moved {
					if err := idx.setChildParentID(c, nodeID); err != nil {
						siblingPage.Unlock()
						idx.pool.Unpin(siblingID, false)
						return err
					}
				}
				nodePage, _ := idx.pool.Fetch(nodeID)
				if err := serializeInternal(node, nodePage.Data(), idx.keyCodec); err != nil {
					idx.pool.Unpin(nodeID, false)
					siblingPage.Unlock()
					idx.pool.Unpin(siblingID, false)
					return err
				}
				idx.pool.Unpin(nodeID, true)
				siblingPage.Unlock()
				idx.pool.Unpin(siblingID, false)
				removedSlot = myIdx + 1

				// node survives, but the next loop iteration climbs to
				// parentID — node's own latch must come off the stack now
				// or the parent's eventual release would target node
				// instead.
				txn.releaseLast(unpinner)
				if _, err := idx.pool.Delete(siblingID); err != nil {
					return err
				}
			}

			parentNode.remove(removedSlot)
			if idx.metrics != nil {
				idx.metrics.BTreeCoalesces.Inc()
			}
			nodeID, node = parentID, parentNode
			continue
		}

		// Redistribute with the sibling and rewrite the parent separator.
		nodePage, _ := idx.pool.Fetch(nodeID)
		if useLeft {
			separator := parentNode.keyAt(myIdx)
			// The key that currently separates the donated child from
			// siblingNode's new last child becomes the new parent
			// separator; moveLastToFrontOf drops that slot from
			// siblingNode, so capture it first.
			newSeparator := siblingNode.keyAt(len(siblingNode.children) - 1)
			moved := siblingNode.moveLastToFrontOf(node, separator)
			if err := idx.setChildParentID(moved, nodeID); err != nil {
				idx.pool.Unpin(nodeID, false)
				siblingPage.Unlock()
				idx.pool.Unpin(siblingID, false)
				return err
			}
			parentNode.setKeyAt(myIdx, newSeparator)
		} else {
			separator := parentNode.keyAt(myIdx + 1)
			// siblingNode's second key (its separator for the child being
			// donated) becomes the new parent separator; moveFirstToEndOf
			// zeroes siblingNode's slot 0 after shifting, so capture it
			// first.
			newSeparator := siblingNode.keyAt(1)
			moved := siblingNode.moveFirstToEndOf(node, separator)
			if err := idx.setChildParentID(moved, nodeID); err != nil {
				idx.pool.Unpin(nodeID, false)
				siblingPage.Unlock()
				idx.pool.Unpin(siblingID, false)
				return err
			}
			parentNode.setKeyAt(myIdx+1, newSeparator)
		}
		if err := serializeInternal(node, nodePage.Data(), idx.keyCodec); err != nil {
			idx.pool.Unpin(nodeID, false)
			siblingPage.Unlock()
			idx.pool.Unpin(siblingID, false)
			return err
		}
		idx.pool.Unpin(nodeID, true)
		if err := serializeInternal(siblingNode, siblingPage.Data(), idx.keyCodec); err != nil {
			siblingPage.Unlock()
			idx.pool.Unpin(siblingID, false)
			return err
		}
		siblingPage.Unlock()
		idx.pool.Unpin(siblingID, true)

		parentPage2, _ := idx.pool.Fetch(parentID)
		if err := serializeInternal(parentNode, parentPage2.Data(), idx.keyCodec); err != nil {
			idx.pool.Unpin(parentID, false)
			return err
		}
		idx.pool.Unpin(parentID, true)

		if idx.metrics != nil {
			idx.metrics.BTreeRedistributes.Inc()
		}
		txn.releaseLast(unpinner)
		return nil
	}
}

// adjustRoot handles an internal root left with a single child after a
// coalesce one level down: that child is promoted to root and the old
// root page is discarded. A root with more than one child never needs
// adjustment — internal nodes have no minimum size requirement at the
// root.
func (idx *Index[K, V]) adjustRoot(nodeID pagemanager.PageID, node *internalNode[K], txn *TxnContext) error {
	unpinner := idx.unpinner()
	if node.size > 1 {
		nodePage, _ := idx.pool.Fetch(nodeID)
		if err := serializeInternal(node, nodePage.Data(), idx.keyCodec); err != nil {
			idx.pool.Unpin(nodeID, false)
			return err
		}
		idx.pool.Unpin(nodeID, true)
		txn.releaseLast(unpinner)
		return nil
	}

	newRootID := node.valueAt(0)
	if err := idx.setChildParentID(newRootID, pagemanager.InvalidPageID); err != nil {
		return err
	}
	idx.rootMu.Lock()
	idx.rootPageID = newRootID
	if idx.height > 0 {
		idx.height--
	}
	newHeight := idx.height
	idx.rootMu.Unlock()
	if err := idx.persistRoot(newRootID); err != nil {
		return err
	}
	if idx.metrics != nil {
		idx.metrics.BTreeHeight.Set(float64(newHeight))
	}
	idx.log.Debug("root collapsed after coalesce", zap.Uint64("new_root", uint64(newRootID)), zap.Int("height", newHeight))

	txn.releaseLast(unpinner)
	_, err := idx.pool.Delete(nodeID)
	return err
}
