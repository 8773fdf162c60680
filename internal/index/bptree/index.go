// Package bptree implements a clustered, concurrent B+tree index over a
// caller-supplied buffer pool: unique keys, fan-out-bounded leaf and
// internal pages, a sibling leaf chain, lock-coupling (crabbing)
// concurrency, and split/coalesce/redistribute structural maintenance.
package bptree

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
	"github.com/sushant-115/gojodb-indexcore/pkg/metrics"
)

// Pool is the buffer-pool surface the index needs: fetch/unpin/new/delete
// by page id, plus the configured page size. internal/storage/buffer.PoolManager
// satisfies this directly.
type Pool interface {
	Fetch(id pagemanager.PageID) (*pagemanager.Page, error)
	Unpin(id pagemanager.PageID, isDirty bool) bool
	New() (*pagemanager.Page, pagemanager.PageID, error)
	Delete(id pagemanager.PageID) (bool, error)
	PageSize() int
}

// Options configures a new Index. LeafMaxSize and InternalMaxSize bound
// the fan-out of leaf and internal pages respectively; Compare, KeyCodec,
// and ValueCodec make the tree agnostic to the concrete key/value Go
// types it stores.
type Options[K any, V any] struct {
	Name            string
	LeafMaxSize     int
	InternalMaxSize int
	Pool            Pool
	Compare         CompareFunc[K]
	KeyCodec        KeyCodec[K]
	ValueCodec      ValueCodec[V]
	Logger          *zap.Logger
	Metrics         *metrics.Registry
}

// Index is a single named B+tree living in a shared page file, catalogued
// by name on the header page (page 0).
type Index[K any, V any] struct {
	name            string
	leafMaxSize     int
	internalMaxSize int
	pool            Pool
	cmp             CompareFunc[K]
	keyCodec        KeyCodec[K]
	valCodec        ValueCodec[V]
	log             *zap.Logger
	metrics         *metrics.Registry

	// rootMu serializes access to rootPageID, size, and height — the
	// index's only mutable fields outside of the pages themselves.
	rootMu     sync.Mutex
	rootPageID pagemanager.PageID
	size       int
	height     int // number of internal levels above the leaf level
}

// NewIndex opens (or creates, on first use of Name) an index backed by
// pool. Every named index sharing one pool also shares its header page
// catalog.
func NewIndex[K any, V any](opts Options[K, V]) (*Index[K, V], error) {
	if opts.LeafMaxSize < 2 {
		return nil, fmt.Errorf("%w: leaf_max_size must be >= 2", ErrInvalidConfig)
	}
	if opts.InternalMaxSize < 3 {
		return nil, fmt.Errorf("%w: internal_max_size must be >= 3", ErrInvalidConfig)
	}
	if opts.Pool == nil || opts.Compare == nil {
		return nil, fmt.Errorf("%w: pool and comparator are required", ErrInvalidConfig)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	idx := &Index[K, V]{
		name:            opts.Name,
		leafMaxSize:     opts.LeafMaxSize,
		internalMaxSize: opts.InternalMaxSize,
		pool:            opts.Pool,
		cmp:             opts.Compare,
		keyCodec:        opts.KeyCodec,
		valCodec:        opts.ValueCodec,
		log:             log,
		metrics:         opts.Metrics,
		rootPageID:      pagemanager.InvalidPageID,
	}

	cat, err := idx.loadOrInitCatalog()
	if err != nil {
		return nil, err
	}
	if rootID, ok := cat.lookup(opts.Name); ok {
		idx.rootPageID = rootID
		size, height, err := idx.countEntries(rootID)
		if err != nil {
			return nil, err
		}
		idx.size = size
		idx.height = height
		if idx.metrics != nil {
			idx.metrics.BTreeHeight.Set(float64(height))
		}
	}
	return idx, nil
}

func (idx *Index[K, V]) leafMinSize() int     { return (idx.leafMaxSize + 1) / 2 }
func (idx *Index[K, V]) internalMinSize() int { return (idx.internalMaxSize + 2) / 2 }

// peekIsLeaf reads the shared flags byte every serialized page carries
// without fully decoding it, so a descent can decide which deserializer
// to call.
func peekIsLeaf(data []byte) bool { return len(data) > 0 && data[0]&1 != 0 }

// loadOrInitCatalog reads the header page's catalog, bootstrapping an
// empty one the very first time this page file is used (a freshly
// allocated page is all zero bytes and fails checksum verification, which
// is how we tell "never initialized" apart from "corrupt").
func (idx *Index[K, V]) loadOrInitCatalog() (*catalog, error) {
	page, err := idx.pool.Fetch(HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("bptree: fetching header page: %w", err)
	}
	cat, err := deserializeCatalog(page.Data())
	if err != nil {
		cat = newCatalog()
		if serr := serializeCatalog(cat, page.Data()); serr != nil {
			idx.pool.Unpin(HeaderPageID, false)
			return nil, serr
		}
		idx.pool.Unpin(HeaderPageID, true)
		return cat, nil
	}
	idx.pool.Unpin(HeaderPageID, false)
	return cat, nil
}

// persistRoot records the index's current root page id on the header
// page. Called after every change to rootPageID, per the header-page
// integration contract.
func (idx *Index[K, V]) persistRoot(rootID pagemanager.PageID) error {
	page, err := idx.pool.Fetch(HeaderPageID)
	if err != nil {
		return fmt.Errorf("bptree: fetching header page: %w", err)
	}
	cat, err := deserializeCatalog(page.Data())
	if err != nil {
		cat = newCatalog()
	}
	cat.upsert(idx.name, rootID)
	if err := serializeCatalog(cat, page.Data()); err != nil {
		idx.pool.Unpin(HeaderPageID, false)
		return err
	}
	idx.pool.Unpin(HeaderPageID, true)
	return nil
}

// countEntries walks leftmost to the first leaf, then across the sibling
// chain, summing leaf sizes, and reports the number of internal levels
// crossed along the way as height. Used only when reopening an index
// whose in-memory size/height counters were lost with the previous
// process.
func (idx *Index[K, V]) countEntries(rootID pagemanager.PageID) (int, int, error) {
	if rootID == pagemanager.InvalidPageID {
		return 0, 0, nil
	}
	curID := rootID
	height := 0
	for {
		page, err := idx.pool.Fetch(curID)
		if err != nil {
			return 0, 0, err
		}
		data := page.Data()
		if peekIsLeaf(data) {
			idx.pool.Unpin(curID, false)
			break
		}
		node, err := deserializeInternal[K](curID, data, idx.keyCodec)
		idx.pool.Unpin(curID, false)
		if err != nil {
			return 0, 0, err
		}
		curID = node.valueAt(0)
		height++
	}

	total := 0
	for curID != pagemanager.InvalidPageID {
		page, err := idx.pool.Fetch(curID)
		if err != nil {
			return 0, 0, err
		}
		leaf, err := deserializeLeaf[K, V](curID, page.Data(), idx.keyCodec, idx.valCodec)
		idx.pool.Unpin(curID, false)
		if err != nil {
			return 0, 0, err
		}
		total += leaf.size
		curID = leaf.nextLeafID
	}
	return total, height, nil
}

// unpinner adapts idx.pool.Unpin to the narrow surface TxnContext needs,
// without giving TxnContext (used by the crabbing descent) a dependency
// on the full Pool interface.
func (idx *Index[K, V]) unpinner() *pageUnpinner {
	return &pageUnpinner{Unpin: idx.pool.Unpin}
}

// IsEmpty reports whether the tree currently holds any entries.
func (idx *Index[K, V]) IsEmpty() bool {
	idx.rootMu.Lock()
	defer idx.rootMu.Unlock()
	return idx.rootPageID == pagemanager.InvalidPageID
}

// Size returns the number of (key, value) entries currently in the tree.
func (idx *Index[K, V]) Size() int {
	idx.rootMu.Lock()
	defer idx.rootMu.Unlock()
	return idx.size
}

// Height returns the number of internal levels above the leaf level (0
// for an empty tree or a tree with only a leaf root).
func (idx *Index[K, V]) Height() int {
	idx.rootMu.Lock()
	defer idx.rootMu.Unlock()
	return idx.height
}

// GetValue looks up key with a read-latch crabbing descent, releasing
// each ancestor as soon as its child is latched.
func (idx *Index[K, V]) GetValue(key K, txn *TxnContext) (V, bool, error) {
	var zero V
	if txn == nil {
		txn = NewTxnContext()
	}
	unpinner := idx.unpinner()

	idx.rootMu.Lock()
	root := idx.rootPageID
	idx.rootMu.Unlock()
	if root == pagemanager.InvalidPageID {
		return zero, false, nil
	}

	curID := root
	for {
		page, err := idx.pool.Fetch(curID)
		if err != nil {
			txn.releaseAll(unpinner)
			return zero, false, err
		}
		page.RLock()
		txn.addLatch(page, latchRead)
		txn.releaseAllButLast(unpinner)

		data := page.Data()
		if peekIsLeaf(data) {
			leaf, err := deserializeLeaf[K, V](curID, data, idx.keyCodec, idx.valCodec)
			txn.releaseAll(unpinner)
			if err != nil {
				return zero, false, err
			}
			v, ok := leaf.lookup(key, idx.cmp)
			return v, ok, nil
		}
		node, err := deserializeInternal[K](curID, data, idx.keyCodec)
		if err != nil {
			txn.releaseAll(unpinner)
			return zero, false, err
		}
		curID = node.lookup(key, idx.cmp)
	}
}

// Insert adds (key, value), returning false without modifying the tree if
// key is already present.
func (idx *Index[K, V]) Insert(key K, value V, txn *TxnContext) (bool, error) {
	if txn == nil {
		txn = NewTxnContext()
	}

	idx.rootMu.Lock()
	if idx.rootPageID == pagemanager.InvalidPageID {
		ok, err := idx.startNewTree(key, value)
		idx.rootMu.Unlock()
		return ok, err
	}
	idx.rootMu.Unlock()

	unpinner := idx.unpinner()
	curID := idx.currentRoot()

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
			if l.size < l.maxSize {
				txn.releaseAllButLast(unpinner)
			}
			leafID, leaf = curID, l
			break
		}
		node, err := deserializeInternal[K](curID, data, idx.keyCodec)
		if err != nil {
			txn.releaseAll(unpinner)
			return false, err
		}
		if node.size < node.maxSize {
			txn.releaseAllButLast(unpinner)
		}
		curID = node.lookup(key, idx.cmp)
	}

	if _, exists := leaf.lookup(key, idx.cmp); exists {
		txn.releaseAll(unpinner)
		return false, nil
	}

	if leaf.size < leaf.maxSize {
		leaf.insert(key, value, idx.cmp)
		page, _ := idx.pool.Fetch(leafID) // still pinned from descent; increments harmlessly
		if err := serializeLeaf(leaf, page.Data(), idx.keyCodec, idx.valCodec); err != nil {
			idx.pool.Unpin(leafID, false)
			txn.releaseAll(unpinner)
			return false, err
		}
		idx.pool.Unpin(leafID, true)
		idx.incrementSize(1)
		txn.releaseAll(unpinner)
		return true, nil
	}

	// Leaf is full: preemptive split, then insert into whichever side
	// keeps the tree ordered.
	newPage, newID, err := idx.pool.New()
	if err != nil {
		txn.releaseAll(unpinner)
		return false, err
	}
	newLeaf := newLeaf[K, V](newID, leaf.parentID, leaf.maxSize)
	leaf.moveHalfTo(newLeaf)
	newLeaf.nextLeafID = leaf.nextLeafID
	leaf.nextLeafID = newID

	if idx.cmp(key, newLeaf.keys[0]) < 0 {
		leaf.insert(key, value, idx.cmp)
	} else {
		newLeaf.insert(key, value, idx.cmp)
	}
	idx.incrementSize(1)

	if err := serializeLeaf(newLeaf, newPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
		idx.pool.Unpin(newID, false)
		txn.releaseAll(unpinner)
		return false, err
	}
	idx.pool.Unpin(newID, true)

	leafPage, _ := idx.pool.Fetch(leafID)
	if err := serializeLeaf(leaf, leafPage.Data(), idx.keyCodec, idx.valCodec); err != nil {
		idx.pool.Unpin(leafID, false)
		txn.releaseAll(unpinner)
		return false, err
	}
	idx.pool.Unpin(leafID, true)

	if idx.metrics != nil {
		idx.metrics.BTreeSplits.Inc()
	}

	middleKey := newLeaf.keys[0]
	if err := idx.insertIntoParent(leafID, leaf.parentID, middleKey, newID, txn); err != nil {
		txn.releaseAll(unpinner)
		return false, err
	}
	txn.releaseAll(unpinner)
	return true, nil
}

func (idx *Index[K, V]) currentRoot() pagemanager.PageID {
	idx.rootMu.Lock()
	defer idx.rootMu.Unlock()
	return idx.rootPageID
}

func (idx *Index[K, V]) incrementSize(delta int) {
	idx.rootMu.Lock()
	idx.size += delta
	idx.rootMu.Unlock()
}

// startNewTree allocates the very first leaf of an empty index. Caller
// holds rootMu.
func (idx *Index[K, V]) startNewTree(key K, value V) (bool, error) {
	page, id, err := idx.pool.New()
	if err != nil {
		return false, err
	}
	leaf := newLeaf[K, V](id, pagemanager.InvalidPageID, idx.leafMaxSize)
	leaf.insert(key, value, idx.cmp)
	if err := serializeLeaf(leaf, page.Data(), idx.keyCodec, idx.valCodec); err != nil {
		idx.pool.Unpin(id, false)
		return false, err
	}
	idx.pool.Unpin(id, true)

	idx.rootPageID = id
	idx.size = 1
	if err := idx.persistRoot(id); err != nil {
		return false, err
	}
	idx.log.Debug("started new tree", zap.String("index", idx.name), zap.Uint64("root", uint64(id)))
	return true, nil
}

// setChildParentID rewrites a node's stored parent id in place. The
// caller is always the current write-latch holder of an ancestor
// undergoing a structural change, so re-fetching childID here only bumps
// its pin count — it never contends the page's own latch.
func (idx *Index[K, V]) setChildParentID(childID, parentID pagemanager.PageID) error {
	page, err := idx.pool.Fetch(childID)
	if err != nil {
		return fmt.Errorf("bptree: reparenting child %d: %w", childID, err)
	}
	data := page.Data()
	if peekIsLeaf(data) {
		leaf, err := deserializeLeaf[K, V](childID, data, idx.keyCodec, idx.valCodec)
		if err != nil {
			idx.pool.Unpin(childID, false)
			return err
		}
		leaf.parentID = parentID
		if err := serializeLeaf(leaf, data, idx.keyCodec, idx.valCodec); err != nil {
			idx.pool.Unpin(childID, false)
			return err
		}
		idx.pool.Unpin(childID, true)
		return nil
	}
	node, err := deserializeInternal[K](childID, data, idx.keyCodec)
	if err != nil {
		idx.pool.Unpin(childID, false)
		return err
	}
	node.parentID = parentID
	if err := serializeInternal(node, data, idx.keyCodec); err != nil {
		idx.pool.Unpin(childID, false)
		return err
	}
	idx.pool.Unpin(childID, true)
	return nil
}

// insertIntoParent installs the separator produced by splitting oldID
// into oldID's parent, splitting that parent in turn (and so on up the
// tree) whenever it is itself full, and installing a fresh root if oldID
// was the root.
func (idx *Index[K, V]) insertIntoParent(oldID, oldParentID pagemanager.PageID, middleKey K, newID pagemanager.PageID, txn *TxnContext) error {
	for {
		if oldID == idx.currentRoot() {
			rootPage, rootID, err := idx.pool.New()
			if err != nil {
				return err
			}
			rootNode := newInternal[K](rootID, pagemanager.InvalidPageID, idx.internalMaxSize)
			rootNode.populateNewRoot(oldID, middleKey, newID)
			if err := serializeInternal(rootNode, rootPage.Data(), idx.keyCodec); err != nil {
				idx.pool.Unpin(rootID, false)
				return err
			}
			idx.pool.Unpin(rootID, true)

			if err := idx.setChildParentID(oldID, rootID); err != nil {
				return err
			}
			if err := idx.setChildParentID(newID, rootID); err != nil {
				return err
			}

			idx.rootMu.Lock()
			idx.rootPageID = rootID
			idx.height++
			newHeight := idx.height
			idx.rootMu.Unlock()
			if idx.metrics != nil {
				idx.metrics.BTreeHeight.Set(float64(newHeight))
			}
			idx.log.Debug("new root after split", zap.String("index", idx.name), zap.Uint64("root", uint64(rootID)), zap.Int("height", newHeight))
			return idx.persistRoot(rootID)
		}

		parentPage, err := idx.pool.Fetch(oldParentID)
		if err != nil {
			return fmt.Errorf("bptree: fetching parent %d: %w", oldParentID, err)
		}
		parentNode, err := deserializeInternal[K](oldParentID, parentPage.Data(), idx.keyCodec)
		if err != nil {
			idx.pool.Unpin(oldParentID, false)
			return err
		}

		if parentNode.size < parentNode.maxSize {
			parentNode.insertNodeAfter(oldID, middleKey, newID)
			if err := serializeInternal(parentNode, parentPage.Data(), idx.keyCodec); err != nil {
				idx.pool.Unpin(oldParentID, false)
				return err
			}
			idx.pool.Unpin(oldParentID, true)
			return idx.setChildParentID(newID, oldParentID)
		}

		newParentPage, newParentID, err := idx.pool.New()
		if err != nil {
			idx.pool.Unpin(oldParentID, false)
			return err
		}
		newParentNode := newInternal[K](newParentID, parentNode.parentID, idx.internalMaxSize)
		moved := parentNode.moveHalfTo(newParentNode)

		var homeID pagemanager.PageID
		if parentNode.valueIndex(oldID) != -1 {
			parentNode.insertNodeAfter(oldID, middleKey, newID)
			homeID = oldParentID
		} else {
			newParentNode.insertNodeAfter(oldID, middleKey, newID)
			homeID = newParentID
		}

		var reparentErr error
		for _, childID := range moved {
			if err := idx.setChildParentID(childID, newParentID); err != nil {
				reparentErr = err
			}
		}
		if reparentErr == nil {
			reparentErr = idx.setChildParentID(newID, homeID)
		}
		if reparentErr != nil {
			idx.pool.Unpin(oldParentID, false)
			idx.pool.Unpin(newParentID, false)
			return reparentErr
		}

		if err := serializeInternal(parentNode, parentPage.Data(), idx.keyCodec); err != nil {
			idx.pool.Unpin(oldParentID, false)
			idx.pool.Unpin(newParentID, false)
			return err
		}
		if err := serializeInternal(newParentNode, newParentPage.Data(), idx.keyCodec); err != nil {
			idx.pool.Unpin(oldParentID, false)
			idx.pool.Unpin(newParentID, false)
			return err
		}
		idx.pool.Unpin(newParentID, true)
		idx.pool.Unpin(oldParentID, true)

		if idx.metrics != nil {
			idx.metrics.BTreeSplits.Inc()
		}

		middleKey = newParentNode.keys[0]
		oldID = oldParentID
		oldParentID = parentNode.parentID
		newID = newParentID
	}
}
