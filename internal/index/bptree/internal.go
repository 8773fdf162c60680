package bptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/gojodb-indexcore/internal/storage/pagemanager"
)

// internalNode is the in-memory form of an internal page: size (key,
// child) slots where slot 0's key is a sentinel that is never compared —
// only its child id is meaningful. Children at slot i own keys k with
// keys[i] <= k < keys[i+1] (slot 0 acting as the open lower boundary).
type internalNode[K any] struct {
	header
	pageID   pagemanager.PageID
	keys     []K
	children []pagemanager.PageID
}

func newInternal[K any](pageID, parentID pagemanager.PageID, maxSize int) *internalNode[K] {
	return &internalNode[K]{
		header: header{parentID: parentID, isLeaf: false, maxSize: maxSize},
		pageID: pageID,
	}
}

// lookup returns the child page id responsible for key: the child in the
// largest slot i whose key is <= key (slot 0's sentinel always qualifies).
func (n *internalNode[K]) lookup(key K, cmp CompareFunc[K]) pagemanager.PageID {
	i := 1
	for ; i < n.size; i++ {
		if cmp(n.keys[i], key) > 0 {
			break
		}
	}
	return n.children[i-1]
}

// valueIndex returns the slot holding childID, or -1 if absent.
func (n *internalNode[K]) valueIndex(childID pagemanager.PageID) int {
	for i, c := range n.children {
		if c == childID {
			return i
		}
	}
	return -1
}

func (n *internalNode[K]) valueAt(i int) pagemanager.PageID { return n.children[i] }
func (n *internalNode[K]) keyAt(i int) K                    { return n.keys[i] }
func (n *internalNode[K]) setKeyAt(i int, key K)             { n.keys[i] = key }

// populateNewRoot sets this (freshly allocated) node up as a two-child
// root: slot 0 is the sentinel pointing at oldChild, slot 1 holds
// middleKey pointing at newChild.
func (n *internalNode[K]) populateNewRoot(oldChild pagemanager.PageID, middleKey K, newChild pagemanager.PageID) {
	var sentinel K
	n.keys = []K{sentinel, middleKey}
	n.children = []pagemanager.PageID{oldChild, newChild}
	n.size = 2
}

// insertNodeAfter finds oldChild's slot and inserts (newKey, newChild)
// immediately after it, returning the new size.
func (n *internalNode[K]) insertNodeAfter(oldChild pagemanager.PageID, newKey K, newChild pagemanager.PageID) int {
	i := n.valueIndex(oldChild) + 1

	n.keys = append(n.keys, newKey)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = newKey

	n.children = append(n.children, newChild)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = newChild

	n.size++
	return n.size
}

// remove deletes the slot at index, shifting the remainder left. Removing
// the separator that headed a subtree is the parent's own responsibility
// during coalesce.
func (n *internalNode[K]) remove(index int) {
	n.keys = append(n.keys[:index], n.keys[index+1:]...)
	n.children = append(n.children[:index], n.children[index+1:]...)
	n.size--
}

// moveHalfTo splits this overfull internal node, handing the upper half
// of its slots to recipient. Every moved child must be reparented by the
// caller (it owns the buffer pool fetch needed to do so).
func (n *internalNode[K]) moveHalfTo(recipient *internalNode[K]) []pagemanager.PageID {
	mid := (n.maxSize + 1) / 2
	moved := append([]pagemanager.PageID(nil), n.children[mid:]...)

	recipient.keys = append(recipient.keys, n.keys[mid:]...)
	recipient.children = append(recipient.children, n.children[mid:]...)
	recipient.size = len(recipient.children)

	n.keys = n.keys[:mid]
	n.children = n.children[:mid]
	n.size = mid
	return moved
}

// moveAllTo overwrites n's own sentinel with middleKey (the separator
// pulled down from the parent during a coalesce) and appends every slot
// of n to recipient. Returns the moved children so the caller can reparent them.
func (n *internalNode[K]) moveAllTo(recipient *internalNode[K], middleKey K) []pagemanager.PageID {
	if len(n.keys) > 0 {
		n.keys[0] = middleKey
	}
	moved := append([]pagemanager.PageID(nil), n.children...)

	recipient.keys = append(recipient.keys, n.keys...)
	recipient.children = append(recipient.children, n.children...)
	recipient.size = len(recipient.children)

	n.keys, n.children, n.size = nil, nil, 0
	return moved
}

// moveFirstToEndOf redistributes n's first slot onto the end of
// recipient, rewriting n's new sentinel and recipient's incoming
// separator from middleKey. Returns the reparented child.
func (n *internalNode[K]) moveFirstToEndOf(recipient *internalNode[K], middleKey K) pagemanager.PageID {
	child := n.children[0]

	recipient.keys = append(recipient.keys, middleKey)
	recipient.children = append(recipient.children, child)
	recipient.size++

	n.keys = n.keys[1:]
	n.children = n.children[1:]
	if len(n.keys) > 0 {
		var sentinel K
		n.keys[0] = sentinel
	}
	n.size--
	return child
}

// moveLastToFrontOf redistributes n's last slot onto the front of
// recipient. Returns the reparented child.
func (n *internalNode[K]) moveLastToFrontOf(recipient *internalNode[K], middleKey K) pagemanager.PageID {
	last := len(n.children) - 1
	child := n.children[last]

	var sentinel K
	recipient.keys = append([]K{sentinel}, recipient.keys...)
	if len(recipient.keys) > 1 {
		recipient.keys[1] = middleKey
	}
	recipient.children = append([]pagemanager.PageID{child}, recipient.children...)
	recipient.size++

	n.keys = n.keys[:last]
	n.children = n.children[:last]
	n.size--
	return child
}

func serializeInternal[K any](n *internalNode[K], buf []byte, keys KeyCodec[K]) error {
	out := new(bytes.Buffer)

	var flags byte // bit 0 clear: internal
	if err := binary.Write(out, binary.LittleEndian, flags); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(n.parentID)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint16(n.size)); err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint16(n.maxSize)); err != nil {
		return err
	}

	for i, k := range n.keys {
		var data []byte
		var err error
		if i == 0 {
			data = nil // sentinel: never serialized meaningfully
		} else {
			data, err = keys.Encode(k)
			if err != nil {
				return fmt.Errorf("bptree: encoding internal key: %w", err)
			}
		}
		if err := binary.Write(out, binary.LittleEndian, uint16(len(data))); err != nil {
			return err
		}
		out.Write(data)
	}
	for _, c := range n.children {
		if err := binary.Write(out, binary.LittleEndian, uint64(c)); err != nil {
			return err
		}
	}

	if out.Len()+checksumSize > len(buf) {
		return fmt.Errorf("%w: internal payload %d bytes", ErrNodeTooLarge, out.Len())
	}
	written := copy(buf, out.Bytes())
	for i := written; i < len(buf)-checksumSize; i++ {
		buf[i] = 0
	}
	writeChecksum(buf)
	return nil
}

func deserializeInternal[K any](pageID pagemanager.PageID, buf []byte, keys KeyCodec[K]) (*internalNode[K], error) {
	if err := verifyChecksum(buf); err != nil {
		return nil, err
	}
	r := bytes.NewReader(buf[:len(buf)-checksumSize])

	var flags byte
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, err
	}
	if flags&1 != 0 {
		return nil, fmt.Errorf("%w: expected internal", ErrWrongPageType)
	}

	var parentID uint64
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

	n := &internalNode[K]{
		header:   header{parentID: pagemanager.PageID(parentID), isLeaf: false, size: int(size), maxSize: int(maxSize)},
		pageID:   pageID,
		keys:     make([]K, size),
		children: make([]pagemanager.PageID, size),
	}

	for i := uint16(0); i < size; i++ {
		var n16 uint16
		if err := binary.Read(r, binary.LittleEndian, &n16); err != nil {
			return nil, err
		}
		data := make([]byte, n16)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if i == 0 {
			continue // sentinel key left at its zero value
		}
		k, err := keys.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("bptree: decoding internal key: %w", err)
		}
		n.keys[i] = k
	}
	for i := uint16(0); i < size; i++ {
		var c uint64
		if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
			return nil, err
		}
		n.children[i] = pagemanager.PageID(c)
	}
	return n, nil
}
