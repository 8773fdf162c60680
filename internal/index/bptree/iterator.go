package bptree

import (
	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// Iterator walks an index's entries in ascending key order by following
// the leaf sibling chain, without ever revisiting an internal node. It
// holds at most one pinned, read-latched leaf page at a time.
type Iterator[K any, V any] struct {
	idx    *Index[K, V]
	leaf   *leafNode[K, V]
	leafID pagemanager.PageID
	page   *pagemanager.Page
	slot   int
	err    error
}

// Begin positions an iterator at the first entry of the tree.
func (idx *Index[K, V]) Begin() *Iterator[K, V] {
	it := &Iterator[K, V]{idx: idx}
	it.seekLeftmost()
	return it
}

// BeginAt positions an iterator at the first entry with a key >= key.
func (idx *Index[K, V]) BeginAt(key K) *Iterator[K, V] {
	it := &Iterator[K, V]{idx: idx}
	it.seekTo(key)
	return it
}

// seekLeftmost finds the leftmost leaf and positions one slot before its
// first entry; the first Next() call lands on slot 0.
func (it *Iterator[K, V]) seekLeftmost() {
	idx := it.idx
	idx.rootMu.Lock()
	root := idx.rootPageID
	idx.rootMu.Unlock()
	if root == pagemanager.InvalidPageID {
		return
	}

	curID := root
	for {
		page, err := idx.pool.Fetch(curID)
		if err != nil {
			it.err = err
			return
		}
		page.RLock()
		data := page.Data()
		if peekIsLeaf(data) {
			leaf, err := deserializeLeaf[K, V](curID, data, idx.keyCodec, idx.valCodec)
			if err != nil {
				page.RUnlock()
				idx.pool.Unpin(curID, false)
				it.err = err
				return
			}
			it.page, it.leaf, it.leafID, it.slot = page, leaf, curID, -1
			return
		}
		node, err := deserializeInternal[K](curID, data, idx.keyCodec)
		page.RUnlock()
		idx.pool.Unpin(curID, false)
		if err != nil {
			it.err = err
			return
		}
		curID = node.valueAt(0)
	}
}

// seekTo finds the leaf that would hold key and positions one slot before
// the first entry with a key >= key; the first Next() call lands there.
func (it *Iterator[K, V]) seekTo(key K) {
	idx := it.idx
	idx.rootMu.Lock()
	root := idx.rootPageID
	idx.rootMu.Unlock()
	if root == pagemanager.InvalidPageID {
		return
	}

	curID := root
	for {
		page, err := idx.pool.Fetch(curID)
		if err != nil {
			it.err = err
			return
		}
		page.RLock()
		data := page.Data()
		if peekIsLeaf(data) {
			leaf, err := deserializeLeaf[K, V](curID, data, idx.keyCodec, idx.valCodec)
			if err != nil {
				page.RUnlock()
				idx.pool.Unpin(curID, false)
				it.err = err
				return
			}
			it.page, it.leaf, it.leafID = page, leaf, curID
			it.slot = leaf.keyIndex(key, idx.cmp) - 1
			return
		}
		node, err := deserializeInternal[K](curID, data, idx.keyCodec)
		page.RUnlock()
		idx.pool.Unpin(curID, false)
		if err != nil {
			it.err = err
			return
		}
		curID = node.lookup(key, idx.cmp)
	}
}

// Valid reports whether the iterator is currently positioned on an entry.
func (it *Iterator[K, V]) Valid() bool {
	return it.err == nil && it.leaf != nil && it.slot >= 0 && it.slot < len(it.leaf.keys)
}

// Err returns the first error encountered while traversing, if any.
func (it *Iterator[K, V]) Err() error { return it.err }

// Key returns the entry's key at the iterator's current position.
func (it *Iterator[K, V]) Key() K { return it.leaf.keys[it.slot] }

// Value returns the entry's value at the iterator's current position.
func (it *Iterator[K, V]) Value() V { return it.leaf.values[it.slot] }

// Next advances to the following entry, crossing into the next leaf via
// the sibling chain when the current leaf is exhausted. Returns false once
// there is nothing left (or an error occurred), mirroring bufio.Scanner's
// Scan convention: call Next before the first Key/Value too.
func (it *Iterator[K, V]) Next() bool {
	if it.err != nil || it.leaf == nil {
		return false
	}
	it.slot++
	if it.slot < len(it.leaf.keys) {
		return true
	}

	nextID := it.leaf.nextLeafID
	it.releaseCurrent()
	if nextID == pagemanager.InvalidPageID {
		it.leaf = nil
		return false
	}

	page, err := it.idx.pool.Fetch(nextID)
	if err != nil {
		it.err = err
		return false
	}
	page.RLock()
	leaf, err := deserializeLeaf[K, V](nextID, page.Data(), it.idx.keyCodec, it.idx.valCodec)
	if err != nil {
		page.RUnlock()
		it.idx.pool.Unpin(nextID, false)
		it.err = err
		return false
	}
	it.page, it.leaf, it.leafID, it.slot = page, leaf, nextID, 0
	if len(leaf.keys) == 0 {
		return it.Next()
	}
	return true
}

func (it *Iterator[K, V]) releaseCurrent() {
	if it.page == nil {
		return
	}
	it.page.RUnlock()
	it.idx.pool.Unpin(it.leafID, false)
	it.page = nil
}

// Close releases the iterator's currently held leaf, if any. Safe to call
// more than once, and safe to skip once Next has returned false (Next
// already releases on exhaustion).
func (it *Iterator[K, V]) Close() {
	it.releaseCurrent()
	it.leaf = nil
}
