// Package pagemanager defines the in-memory representation of a disk page
// and the latch that protects it. It has no knowledge of the buffer pool or
// the B+tree built on top of it.
package pagemanager

import (
	"sync"

	"github.com/sushant-115/gojodb-indexcore/internal/commonutils"
)

// PageID identifies a page uniquely within a single index file. PageID 0 is
// reserved for the header page (see internal/index/bptree's catalog.go).
type PageID uint64

// InvalidPageID marks an unallocated or not-yet-assigned page slot. It is
// the largest PageID, so it never collides with the header page (0).
const InvalidPageID PageID = ^PageID(0)

// Page is an in-memory copy of a disk page plus the bookkeeping the buffer
// pool and replacer need: a pin count, a dirty flag, and a per-page latch
// for physical concurrency control. The buffer pool owns a fixed pool of
// these, reused across fetches.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool

	// latch protects the contents of this page specifically. Crabbing
	// acquires and releases it directly; it is independent of the buffer
	// pool's own pool-wide mutex.
	latch sync.RWMutex
}

// New creates a page frame of the given fixed size. The buffer pool
// allocates a pool of these once at startup and recycles them forever.
func New(size int) *Page {
	return &Page{id: InvalidPageID, data: make([]byte, size)}
}

// Reset clears a frame so it can be reused for a different PageID. Callers
// must hold the frame's latch (or be certain nothing else can observe it)
// before calling Reset.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) ID() PageID           { return p.id }
func (p *Page) SetID(id PageID)      { p.id = id }
func (p *Page) Data() []byte         { return p.data }
func (p *Page) SetData(b []byte)     { copy(p.data, b) }
func (p *Page) IsDirty() bool        { return p.isDirty }
func (p *Page) SetDirty(dirty bool)  { p.isDirty = dirty }
func (p *Page) PinCount() uint32     { return p.pinCount }
func (p *Page) SetPinCount(n uint32) { p.pinCount = n }

// Pin increments the pin count. The buffer pool calls this whenever it
// hands a page out; a pinned page is never a replacer victim.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count, floored at zero.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// RLock acquires a read (shared) latch, used for lookup traversals.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read latch.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch, used for insert/delete
// traversals that may modify the page.
func (p *Page) Lock() {
	commonutils.PrintCaller("page lock from", uint64(p.id), 2)
	p.latch.Lock()
}

// Unlock releases a write latch.
func (p *Page) Unlock() {
	commonutils.PrintCaller("page unlock from", uint64(p.id), 2)
	p.latch.Unlock()
}

// TryLock attempts to acquire a write latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }
