// Package diskmanager implements the byte-addressable page store that the
// buffer pool treats as an external collaborator: fixed-size pages
// identified by a PageID, read and written whole, allocated and
// deallocated one at a time. It has no knowledge of page contents — the
// header-page catalog, leaf/internal layouts, and checksums all live above
// this layer, in internal/index/bptree.
package diskmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

var (
	// ErrNotOpen is returned when an operation is attempted on a Manager
	// whose underlying file has already been closed.
	ErrNotOpen = errors.New("diskmanager: file not open")
	// ErrBadPageSize is returned when a caller supplies a buffer whose
	// length does not match the manager's configured page size.
	ErrBadPageSize = errors.New("diskmanager: buffer size does not match page size")
	// ErrPageOutOfRange is returned by ReadPage for a page id beyond the
	// highest ever allocated.
	ErrPageOutOfRange = errors.New("diskmanager: page id out of range")
)

// Manager is a file-backed DiskManager. It extends the backing file one
// page at a time on allocation and recycles deallocated page ids through
// an in-memory free list (persisted free-space management is explicitly
// out of scope per the indexing core's contract with the disk manager).
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
	numPages uint64
	freeList []pagemanager.PageID
	log      *zap.Logger
}

// Open opens an existing page file or creates one, always reserving page
// id 0 first so the header-page catalog above this layer has somewhere to
// live from the very first allocation.
func Open(path string, pageSize int, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("diskmanager: opening %s: %w", path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("diskmanager: statting %s: %w", path, err)
	}

	m := &Manager{
		file:     file,
		pageSize: pageSize,
		numPages: uint64(fi.Size()) / uint64(pageSize),
		log:      log,
	}

	if m.numPages == 0 {
		if _, err := m.allocateLocked(); err != nil {
			file.Close()
			return nil, err
		}
	}

	log.Debug("disk manager opened", zap.String("path", path), zap.Uint64("num_pages", m.numPages))
	return m, nil
}

// PageSize returns the fixed page size this manager was opened with.
func (m *Manager) PageSize() int { return m.pageSize }

// ReadPage fills dst (which must be exactly PageSize bytes) with the
// on-disk contents of pageID.
func (m *Manager) ReadPage(pageID pagemanager.PageID, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrNotOpen
	}
	if len(dst) != m.pageSize {
		return ErrBadPageSize
	}
	if uint64(pageID) >= m.numPages {
		return fmt.Errorf("%w: page %d, have %d pages", ErrPageOutOfRange, pageID, m.numPages)
	}
	offset := int64(pageID) * int64(m.pageSize)
	n, err := m.file.ReadAt(dst, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == m.pageSize) {
		return fmt.Errorf("diskmanager: reading page %d: %w", pageID, err)
	}
	return nil
}

// WritePage writes src (exactly PageSize bytes) to pageID's slot.
func (m *Manager) WritePage(pageID pagemanager.PageID, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrNotOpen
	}
	if len(src) != m.pageSize {
		return ErrBadPageSize
	}
	offset := int64(pageID) * int64(m.pageSize)
	if _, err := m.file.WriteAt(src, offset); err != nil {
		return fmt.Errorf("diskmanager: writing page %d: %w", pageID, err)
	}
	return nil
}

// AllocatePage reserves a page id, reusing a deallocated one if the free
// list is non-empty. A page that extends the file is written zero-filled;
// a reused id keeps whatever bytes it last held on disk.
func (m *Manager) AllocatePage() (pagemanager.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked()
}

func (m *Manager) allocateLocked() (pagemanager.PageID, error) {
	if m.file == nil {
		return pagemanager.InvalidPageID, ErrNotOpen
	}
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		m.log.Debug("reused deallocated page", zap.Uint64("page_id", uint64(id)))
		return id, nil
	}

	id := pagemanager.PageID(m.numPages)
	blank := make([]byte, m.pageSize)
	offset := int64(id) * int64(m.pageSize)
	if _, err := m.file.WriteAt(blank, offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("diskmanager: extending file for page %d: %w", id, err)
	}
	m.numPages++
	m.log.Debug("allocated new page", zap.Uint64("page_id", uint64(id)))
	return id, nil
}

// DeallocatePage returns pageID to the free list for future reuse. The
// on-disk bytes are left untouched; the buffer pool is responsible for not
// serving stale contents for a reused id (it always zeroes a frame on
// new_page before handing it out).
func (m *Manager) DeallocatePage(pageID pagemanager.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrNotOpen
	}
	m.freeList = append(m.freeList, pageID)
	m.log.Debug("deallocated page", zap.Uint64("page_id", uint64(pageID)))
	return nil
}

// Sync flushes buffered writes to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrNotOpen
	}
	return m.file.Sync()
}

// Close syncs and closes the underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	syncErr := m.file.Sync()
	closeErr := m.file.Close()
	m.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
