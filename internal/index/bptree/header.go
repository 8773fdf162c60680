package bptree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// checksumSize is the width of the trailing CRC32 every page carries,
// grounded on the teacher's node.go checksum placement: the last
// checksumSize bytes of the page hold crc32.ChecksumIEEE of everything
// before them.
const checksumSize = 4

// header is the common fields every B+tree page carries ahead of its
// leaf- or internal-specific slots: parent id, node kind, current slot
// count, and the fan-out bound. pageID itself is not persisted — it is
// always recovered from the owning Page's own id on deserialize.
type header struct {
	parentID pagemanager.PageID
	isLeaf   bool
	size     int
	maxSize  int
}

func (h header) isRoot() bool { return h.parentID == pagemanager.InvalidPageID }

// writeChecksum computes the CRC32 of buf[:len(buf)-checksumSize] and
// writes it into the trailing checksumSize bytes. buf must be exactly one
// page long and every byte beyond the payload must already be zeroed by
// the caller so the checksum is reproducible.
func writeChecksum(buf []byte) {
	payload := buf[:len(buf)-checksumSize]
	sum := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[len(buf)-checksumSize:], sum)
}

// verifyChecksum recomputes the CRC32 over the payload and compares it
// against the trailer, returning ErrChecksumMismatch on a mismatch.
func verifyChecksum(buf []byte) error {
	payload := buf[:len(buf)-checksumSize]
	want := binary.LittleEndian.Uint32(buf[len(buf)-checksumSize:])
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return fmt.Errorf("%w: stored=0x%x calculated=0x%x", ErrChecksumMismatch, want, got)
	}
	return nil
}
