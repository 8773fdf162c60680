package bptree

import (
	"github.com/google/uuid"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// TxnID labels a single insert/remove/get_value call, readable through
// TxnContext.ID; the index does not log it, and it carries no isolation
// semantics at this layer.
type TxnID = uuid.UUID

// NewTxnID mints a fresh operation identifier.
func NewTxnID() TxnID { return uuid.New() }

// latchMode records whether a page in a TxnContext was taken with a read
// or a write latch, so releaseAll can call the matching unlock.
type latchMode int

const (
	latchRead latchMode = iota
	latchWrite
)

type latchedPage struct {
	page *pagemanager.Page
	mode latchMode
}

// TxnContext owns the ordered set of pages an in-flight insert or delete
// currently holds latched, plus a list of page ids recorded by
// queueDelete. Nothing in this package reads that list back or frees the
// pages on it: Remove deletes emptied pages from the buffer pool directly,
// right after releasing that page's own latch, while ancestors may still
// be latched. It is created fresh for each Index operation and discarded
// at the end of it.
type TxnContext struct {
	id      TxnID
	latched []latchedPage
	deleted []pagemanager.PageID
}

// NewTxnContext starts a context for one index operation.
func NewTxnContext() *TxnContext {
	return &TxnContext{id: NewTxnID()}
}

// ID returns the operation's identifier.
func (t *TxnContext) ID() TxnID { return t.id }

// addLatch records that page is now held under mode, latched most
// recently. Pages are kept in parent-then-child acquisition order;
// releaseAll and releaseAllButLast release from the oldest (topmost
// ancestor) end, and only releaseLast takes the newest page.
func (t *TxnContext) addLatch(page *pagemanager.Page, mode latchMode) {
	t.latched = append(t.latched, latchedPage{page: page, mode: mode})
}

// releaseFront releases and forgets the oldest (front) latched page —
// used mid-descent to drop an ancestor once its child is known safe,
// without waiting for the whole operation to finish.
func (t *TxnContext) releaseFront(pool *pageUnpinner) {
	if len(t.latched) == 0 {
		return
	}
	lp := t.latched[0]
	t.latched = t.latched[1:]
	unlatch(lp)
	pool.Unpin(lp.page.ID(), lp.mode == latchWrite)
}

// releaseAllButLast releases every latched page except the most recently
// acquired one, front to back — the crabbing "release all safe ancestors"
// step.
func (t *TxnContext) releaseAllButLast(pool *pageUnpinner) {
	for len(t.latched) > 1 {
		t.releaseFront(pool)
	}
}

// releaseLast releases just the most recently latched page (the one
// currently being structurally modified), leaving any ancestors in place
// for further climbing — used when that page is about to be deleted from
// the buffer pool outright and so must be unpinned before its turn would
// otherwise come up in releaseAll.
func (t *TxnContext) releaseLast(pool *pageUnpinner) {
	if len(t.latched) == 0 {
		return
	}
	last := len(t.latched) - 1
	lp := t.latched[last]
	t.latched = t.latched[:last]
	unlatch(lp)
	pool.Unpin(lp.page.ID(), lp.mode == latchWrite)
}

// releaseAll releases every remaining latched page, oldest first.
func (t *TxnContext) releaseAll(pool *pageUnpinner) {
	for len(t.latched) > 0 {
		t.releaseFront(pool)
	}
}

// queueDelete appends pageID to the context's deleted list. The list is
// not drained: no page on it is freed from the buffer pool by this
// package.
func (t *TxnContext) queueDelete(pageID pagemanager.PageID) {
	t.deleted = append(t.deleted, pageID)
}

func unlatch(lp latchedPage) {
	if lp.mode == latchWrite {
		lp.page.Unlock()
	} else {
		lp.page.RUnlock()
	}
}

// pageUnpinner is the narrow buffer-pool surface TxnContext needs to
// unpin a page it releases; defined here to avoid an import cycle with
// package buffer.
type pageUnpinner struct {
	Unpin func(id pagemanager.PageID, dirty bool) bool
}
