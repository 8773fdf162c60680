package bptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// leafNode is the in-memory form of a leaf page: a dense, strictly
// ascending run of (key, value) slots plus the sibling chain pointer that
// makes the range iterator possible without revisiting internal nodes.
type leafNode[K any, V any] struct {
	header
	pageID     pagemanager.PageID
	keys       []K
	values     []V
	nextLeafID pagemanager.PageID
}

func newLeaf[K any, V any](pageID, parentID pagemanager.PageID, maxSize int) *leafNode[K, V] {
	return &leafNode[K, V]{
		header:     header{parentID: parentID, isLeaf: true, maxSize: maxSize},
		pageID:     pageID,
		nextLeafID: pagemanager.InvalidPageID,
	}
}

// keyIndex returns the first index i with cmp(keys[i], key) >= 0 — the
// lower bound used both by lookup and by the range iterator's begin(key).
func (l *leafNode[K, V]) keyIndex(key K, cmp CompareFunc[K]) int {
	lo, hi := 0, len(l.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(l.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// lookup returns the value stored for key and true, or the zero value and
// false if key is absent.
func (l *leafNode[K, V]) lookup(key K, cmp CompareFunc[K]) (V, bool) {
	i := l.keyIndex(key, cmp)
	if i < len(l.keys) && cmp(l.keys[i], key) == 0 {
		return l.values[i], true
	}
	var zero V
	return zero, false
}

// insert places (key, value) at the unique position that preserves
// ascending order. Returns the new size and true, or the unchanged size
// and false if key already exists — duplicates are rejected, not
// overwritten.
func (l *leafNode[K, V]) insert(key K, value V, cmp CompareFunc[K]) (int, bool) {
	i := l.keyIndex(key, cmp)
	if i < len(l.keys) && cmp(l.keys[i], key) == 0 {
		return l.size, false
	}
	l.keys = append(l.keys, key)
	copy(l.keys[i+1:], l.keys[i:])
	l.keys[i] = key

	l.values = append(l.values, value)
	copy(l.values[i+1:], l.values[i:])
	l.values[i] = value

	l.size++
	return l.size, true
}

// removeAndDelete removes key if present, returning the new size and
// whether key was found. A missing key is a silent no-op: size is
// unchanged and found is false.
func (l *leafNode[K, V]) removeAndDelete(key K, cmp CompareFunc[K]) (int, bool) {
	i := l.keyIndex(key, cmp)
	if i >= len(l.keys) || cmp(l.keys[i], key) != 0 {
		return l.size, false
	}
	l.keys = append(l.keys[:i], l.keys[i+1:]...)
	l.values = append(l.values[:i], l.values[i+1:]...)
	l.size--
	return l.size, true
}

// moveHalfTo splits this (overfull) leaf, handing the upper half of its
// slots to recipient, which must start empty.
func (l *leafNode[K, V]) moveHalfTo(recipient *leafNode[K, V]) {
	mid := l.size / 2
	recipient.keys = append(recipient.keys, l.keys[mid:]...)
	recipient.values = append(recipient.values, l.values[mid:]...)
	recipient.size = len(recipient.keys)

	l.keys = l.keys[:mid]
	l.values = l.values[:mid]
	l.size = mid
}

// moveAllTo appends every slot of l onto recipient and carries the sibling
// chain forward — used when coalescing l into its left sibling.
func (l *leafNode[K, V]) moveAllTo(recipient *leafNode[K, V]) {
	recipient.keys = append(recipient.keys, l.keys...)
	recipient.values = append(recipient.values, l.values...)
	recipient.size = len(recipient.keys)
	recipient.nextLeafID = l.nextLeafID

	l.keys, l.values, l.size = nil, nil, 0
}

// moveFirstToEndOf shifts l's first slot onto the end of recipient — the
// leaf side of redistribute-from-right.
func (l *leafNode[K, V]) moveFirstToEndOf(recipient *leafNode[K, V]) {
	recipient.keys = append(recipient.keys, l.keys[0])
	recipient.values = append(recipient.values, l.values[0])
	recipient.size++

	l.keys = l.keys[1:]
	l.values = l.values[1:]
	l.size--
}

// moveLastToFrontOf shifts l's last slot onto the front of recipient — the
// leaf side of redistribute-from-left.
func (l *leafNode[K, V]) moveLastToFrontOf(recipient *leafNode[K, V]) {
	last := len(l.keys) - 1
	key, val := l.keys[last], l.values[last]

	recipient.keys = append([]K{key}, recipient.keys...)
	recipient.values = append([]V{val}, recipient.values...)
	recipient.size++

	l.keys = l.keys[:last]
	l.values = l.values[:last]
	l.size--
}

// serializeLeaf writes l's contents into buf (one full page) in the
// teacher's framing: a flags byte, parent id, size, max size, the sibling
// pointer, length-prefixed keys then values, and a trailing CRC32.
func serializeLeaf[K any, V any](l *leafNode[K, V], buf []byte, keys KeyCodec[K], vals ValueCodec[V]) error {
	out := new(bytes.Buffer)

	var flags byte = 1 // bit 0 set: leaf
	if err := binary.Write(out, binary.LittleEndian, flags); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(l.parentID)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint16(l.size)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint16(l.maxSize)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(l.nextLeafID)); err != nil {
		return err
	}

	for _, k := range l.keys {
		data, err := keys.Encode(k)
		if err != nil {
			return fmt.Errorf("bptree: encoding leaf key: %w", err)
		}
		if err := binary.Write(out, binary.LittleEndian, uint16(len(data))); err != nil {
			return err
		}
		out.Write(data)
	}
	for _, v := range l.values {
		data, err := vals.Encode(v)
		if err != nil {
			return fmt.Errorf("bptree: encoding leaf value: %w", err)
		}
		if err := binary.Write(out, binary.LittleEndian, uint16(len(data))); err != nil {
			return err
		}
		out.Write(data)
	}

	if out.Len()+checksumSize > len(buf) {
		return fmt.Errorf("%w: leaf payload %d bytes", ErrNodeTooLarge, out.Len())
	}
	n := copy(buf, out.Bytes())
	for i := n; i < len(buf)-checksumSize; i++ {
		buf[i] = 0
	}
	writeChecksum(buf)
	return nil
}

// deserializeLeaf reconstructs a leafNode from a page's bytes, verifying
// the trailing checksum first.
func deserializeLeaf[K any, V any](pageID pagemanager.PageID, buf []byte, keys KeyCodec[K], vals ValueCodec[V]) (*leafNode[K, V], error) {
	if err := verifyChecksum(buf); err != nil {
		return nil, err
	}
	r := bytes.NewReader(buf[:len(buf)-checksumSize])

	var flags byte
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, err
	}
	if flags&1 == 0 {
		return nil, fmt.Errorf("%w: expected leaf", ErrWrongPageType)
	}

	var parentID, nextLeafID uint64
	var size, maxSize uint16
	if err := binary.Read(r, binary.LittleEndian, &parentID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &maxSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &nextLeafID); err != nil {
		return nil, err
	}

	l := &leafNode[K, V]{
		header:     header{parentID: pagemanager.PageID(parentID), isLeaf: true, size: int(size), maxSize: int(maxSize)},
		pageID:     pageID,
		nextLeafID: pagemanager.PageID(nextLeafID),
		keys:       make([]K, size),
		values:     make([]V, size),
	}

	for i := uint16(0); i < size; i++ {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		k, err := keys.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("bptree: decoding leaf key: %w", err)
		}
		l.keys[i] = k
	}
	for i := uint16(0); i < size; i++ {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		v, err := vals.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("bptree: decoding leaf value: %w", err)
		}
		l.values[i] = v
	}
	return l, nil
}
