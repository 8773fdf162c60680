package bptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// HeaderPageID is the reserved page holding the name -> root page id
// catalog. It is the only on-disk footprint of an index outside its own
// pages, and is shared by every named index living in one page file.
const HeaderPageID pagemanager.PageID = 0

// catalogRecord is one (index name, root page id) entry in the header
// page.
type catalogRecord struct {
	name       string
	rootPageID pagemanager.PageID
}

// catalog is the decoded form of the header page: a flat list of records
// supporting insert-or-update and lookup by name.
type catalog struct {
	records []catalogRecord
}

func newCatalog() *catalog { return &catalog{} }

func (c *catalog) lookup(name string) (pagemanager.PageID, bool) {
	for _, r := range c.records {
		if r.name == name {
			return r.rootPageID, true
		}
	}
	return pagemanager.InvalidPageID, false
}

// upsert inserts a new record or updates an existing one for name.
func (c *catalog) upsert(name string, rootPageID pagemanager.PageID) {
	for i := range c.records {
		if c.records[i].name == name {
			c.records[i].rootPageID = rootPageID
			return
		}
	}
	c.records = append(c.records, catalogRecord{name: name, rootPageID: rootPageID})
}

// serializeCatalog encodes the catalog as a record count followed by
// length-prefixed name / fixed-width root-id pairs, with the same
// trailing CRC32 convention every other page in this index uses.
func serializeCatalog(c *catalog, buf []byte) error {
	out := new(bytes.Buffer)
	if err := binary.Write(out, binary.LittleEndian, uint32(len(c.records))); err != nil {
		return err
	}
	for _, r := range c.records {
		if err := binary.Write(out, binary.LittleEndian, uint16(len(r.name))); err != nil {
			return err
		}
		out.WriteString(r.name)
		if err := binary.Write(out, binary.LittleEndian, uint64(r.rootPageID)); err != nil {
			return err
		}
	}
	if out.Len()+checksumSize > len(buf) {
		return fmt.Errorf("%w: catalog payload %d bytes", ErrNodeTooLarge, out.Len())
	}
	n := copy(buf, out.Bytes())
	for i := n; i < len(buf)-checksumSize; i++ {
		buf[i] = 0
	}
	writeChecksum(buf)
	return nil
}

func deserializeCatalog(buf []byte) (*catalog, error) {
	if err := verifyChecksum(buf); err != nil {
		return nil, err
	}
	r := bytes.NewReader(buf[:len(buf)-checksumSize])

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	c := &catalog{records: make([]catalogRecord, count)}
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, err
		}
		var rootID uint64
		if err := binary.Read(r, binary.LittleEndian, &rootID); err != nil {
			return nil, err
		}
		c.records[i] = catalogRecord{name: string(nameBytes), rootPageID: pagemanager.PageID(rootID)}
	}
	return c, nil
}
