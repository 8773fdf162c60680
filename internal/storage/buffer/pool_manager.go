// Package buffer implements the fixed-capacity buffer pool that mediates
// every disk access for the indexing core: a page table, a free list, and
// the replacer decide which frame answers a fetch and which frame gives
// way to it.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
	"github.com/sushant-115/gojodb-indexcore/internal/storage/replacer"
	"github.com/sushant-115/gojodb-indexcore/pkg/metrics"
)

// ErrOutOfFrames is returned by Fetch/New when every frame is pinned and
// the free list and replacer both have nothing to offer.
var ErrOutOfFrames = errors.New("buffer: no evictable frame available")

// DiskManager is the contract the pool needs from the page store: plain
// whole-page reads and writes plus id allocation/deallocation. Satisfied by
// internal/storage/diskmanager.Manager.
type DiskManager interface {
	ReadPage(id pagemanager.PageID, dst []byte) error
	WritePage(id pagemanager.PageID, src []byte) error
	AllocatePage() (pagemanager.PageID, error)
	DeallocatePage(id pagemanager.PageID) error
}

// PoolManager owns poolSize frames and serializes every pool-level
// operation behind a single mutex. Per-page latches (for B+tree crabbing)
// are a separate concern living on pagemanager.Page itself.
type PoolManager struct {
	mu sync.Mutex

	disk     DiskManager
	replacer *replacer.LRUReplacer
	metrics  *metrics.Registry
	log      *zap.Logger

	frames    []*pagemanager.Page
	pageTable map[pagemanager.PageID]int
	freeList  []int
}

// New constructs a pool of poolSize frames, each pageSize bytes, backed by
// disk. metrics and log may be nil (a no-op registry/logger is substituted).
func New(poolSize, pageSize int, disk DiskManager, reg *metrics.Registry, log *zap.Logger) *PoolManager {
	if log == nil {
		log = zap.NewNop()
	}
	frames := make([]*pagemanager.Page, poolSize)
	freeList := make([]int, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = pagemanager.New(pageSize)
		freeList[i] = poolSize - 1 - i // so Fetch/New pop frame 0 first
	}

	pm := &PoolManager{
		disk:      disk,
		replacer:  replacer.NewLRUReplacer(poolSize),
		metrics:   reg,
		log:       log,
		frames:    frames,
		pageTable: make(map[pagemanager.PageID]int),
		freeList:  freeList,
	}
	log.Debug("buffer pool initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", pageSize))
	return pm
}

// pickFrame selects a frame for a page that isn't already cached: the free
// list first, the replacer only once the free list is exhausted.
func (pm *PoolManager) pickFrame() (int, bool) {
	if n := len(pm.freeList); n > 0 {
		idx := pm.freeList[n-1]
		pm.freeList = pm.freeList[:n-1]
		return idx, true
	}
	victim, ok := pm.replacer.Victim()
	if !ok {
		return 0, false
	}
	if pm.metrics != nil {
		pm.metrics.BufferPoolEvictions.Inc()
	}
	return victim, true
}

// evictFrame flushes frameIdx's current page if dirty and removes it from
// the page table, leaving the frame ready to take on a new identity.
func (pm *PoolManager) evictFrame(frameIdx int) error {
	frame := pm.frames[frameIdx]
	if frame.ID() == pagemanager.InvalidPageID {
		return nil
	}
	if frame.IsDirty() {
		pm.log.Debug("flushing dirty victim before reuse", zap.Uint64("page_id", uint64(frame.ID())))
		if err := pm.disk.WritePage(frame.ID(), frame.Data()); err != nil {
			return fmt.Errorf("buffer: flushing victim page %d: %w", frame.ID(), err)
		}
		frame.SetDirty(false)
		if pm.metrics != nil {
			pm.metrics.DirtyPagesFlushed.Inc()
		}
	}
	delete(pm.pageTable, frame.ID())
	return nil
}

// Fetch returns the page for id, pinning it. A cache hit increments the
// pin count and removes the frame from the replacer's evictable set; a
// miss selects a frame, writes back a dirty victim, and reads id from
// disk. Returns ErrOutOfFrames if no frame can be freed.
func (pm *PoolManager) Fetch(id pagemanager.PageID) (*pagemanager.Page, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if frameIdx, ok := pm.pageTable[id]; ok {
		frame := pm.frames[frameIdx]
		frame.Pin()
		pm.replacer.Pin(frameIdx)
		if pm.metrics != nil {
			pm.metrics.BufferPoolHits.Inc()
			pm.metrics.PagesPinned.Inc()
		}
		return frame, nil
	}

	if pm.metrics != nil {
		pm.metrics.BufferPoolMisses.Inc()
	}

	frameIdx, ok := pm.pickFrame()
	if !ok {
		return nil, ErrOutOfFrames
	}
	frame := pm.frames[frameIdx]
	if err := pm.evictFrame(frameIdx); err != nil {
		return nil, err
	}

	frame.Reset()
	if err := pm.disk.ReadPage(id, frame.Data()); err != nil {
		return nil, fmt.Errorf("buffer: reading page %d: %w", id, err)
	}
	frame.SetID(id)
	frame.SetPinCount(1)
	frame.SetDirty(false)

	pm.pageTable[id] = frameIdx
	pm.replacer.Pin(frameIdx)
	if pm.metrics != nil {
		pm.metrics.PagesPinned.Inc()
	}
	return frame, nil
}

// Unpin decrements id's pin count, OR-ing in isDirty (the dirty bit is
// never cleared here, only by Flush/FlushAll). Returns true if id was not
// cached (a safe no-op) or the unpin was valid; false on pin underflow.
func (pm *PoolManager) Unpin(id pagemanager.PageID, isDirty bool) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	frameIdx, ok := pm.pageTable[id]
	if !ok {
		return true
	}
	frame := pm.frames[frameIdx]
	if frame.PinCount() == 0 {
		pm.log.Warn("unpin on page with zero pin count", zap.Uint64("page_id", uint64(id)))
		return false
	}
	frame.Unpin()
	if isDirty {
		frame.SetDirty(true)
	}
	if pm.metrics != nil {
		pm.metrics.PagesPinned.Dec()
	}
	if frame.PinCount() == 0 {
		pm.replacer.Unpin(frameIdx)
	}
	return true
}

// New allocates a fresh page id from disk and installs it pinned in a
// frame, returning the page and its id. Returns ErrOutOfFrames if none is
// available.
func (pm *PoolManager) New() (*pagemanager.Page, pagemanager.PageID, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	frameIdx, ok := pm.pickFrame()
	if !ok {
		return nil, pagemanager.InvalidPageID, ErrOutOfFrames
	}
	frame := pm.frames[frameIdx]
	if err := pm.evictFrame(frameIdx); err != nil {
		return nil, pagemanager.InvalidPageID, err
	}

	id, err := pm.disk.AllocatePage()
	if err != nil {
		// The frame is still free; return it to the free list.
		pm.freeList = append(pm.freeList, frameIdx)
		return nil, pagemanager.InvalidPageID, fmt.Errorf("buffer: allocating page: %w", err)
	}

	frame.Reset()
	frame.SetID(id)
	frame.SetPinCount(1)
	frame.SetDirty(false)

	pm.pageTable[id] = frameIdx
	pm.replacer.Pin(frameIdx)
	if pm.metrics != nil {
		pm.metrics.PagesPinned.Inc()
	}
	pm.log.Debug("new page allocated", zap.Uint64("page_id", uint64(id)), zap.Int("frame", frameIdx))
	return frame, id, nil
}

// Delete removes id from the pool entirely: true if id was not cached, or
// if it was cached with a zero pin count (the frame returns to the free
// list and the disk manager is told to deallocate); false if id is
// currently pinned.
func (pm *PoolManager) Delete(id pagemanager.PageID) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	frameIdx, ok := pm.pageTable[id]
	if !ok {
		return true, nil
	}
	frame := pm.frames[frameIdx]
	if frame.PinCount() != 0 {
		return false, nil
	}

	delete(pm.pageTable, id)
	pm.replacer.Pin(frameIdx) // remove any stale replacer entry
	frame.Reset()
	pm.freeList = append(pm.freeList, frameIdx)

	if err := pm.disk.DeallocatePage(id); err != nil {
		return true, fmt.Errorf("buffer: deallocating page %d: %w", id, err)
	}
	return true, nil
}

// Flush writes id through to disk unconditionally and clears its dirty
// bit. Returns false if id is not cached.
func (pm *PoolManager) Flush(id pagemanager.PageID) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	frameIdx, ok := pm.pageTable[id]
	if !ok {
		return false, nil
	}
	frame := pm.frames[frameIdx]
	if err := pm.disk.WritePage(id, frame.Data()); err != nil {
		return true, fmt.Errorf("buffer: flushing page %d: %w", id, err)
	}
	frame.SetDirty(false)
	if pm.metrics != nil {
		pm.metrics.DirtyPagesFlushed.Inc()
	}
	return true, nil
}

// FlushAll writes every dirty cached page through to disk.
func (pm *PoolManager) FlushAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var firstErr error
	for id, frameIdx := range pm.pageTable {
		frame := pm.frames[frameIdx]
		if !frame.IsDirty() {
			continue
		}
		if err := pm.disk.WritePage(id, frame.Data()); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("buffer: flushing page %d: %w", id, err)
			}
			continue
		}
		frame.SetDirty(false)
		if pm.metrics != nil {
			pm.metrics.DirtyPagesFlushed.Inc()
		}
	}
	return firstErr
}

// PageSize returns the fixed size of every frame in the pool.
func (pm *PoolManager) PageSize() int {
	if len(pm.frames) == 0 {
		return 0
	}
	return len(pm.frames[0].Data())
}
