package node

import (
	"encoding/binary"
	"fmt"
)

// Leaf page layout (fixed PageSize bytes):
//
//	[0:2]    tag       uint16 (LeafTag)
//	[2:4]    n         uint16 (entry count)
//	[4:4+2n] offsets   uint16 little-endian, start of entry i within the
//	                   data area that begins right after the offset table
//	[..]     data area: n entries, each:
//	           key[KeySize]
//	           flag    byte (0 = inline value, 1 = overflow cell)
//	           vlen    uint16
//	           value   vlen bytes (inline bytes, or an encoded overflow cell)
const leafHeaderSize = 4
const leafEntryFixedSize = KeySize + 1 + 2

// LeafEntry is one decoded (key, value) pair in a leaf page. If Overflow is
// true, Value holds an encoded overflow cell (see overflow.go) rather than
// the value bytes themselves.
type LeafEntry struct {
	Key      Key
	Value    []byte
	Overflow bool
}

// Leaf is a decoded leaf page: entries sorted ascending by key.
type Leaf struct {
	Entries []LeafEntry
}

// N returns the number of entries.
func (l *Leaf) N() int { return len(l.Entries) }

// EncodedSize returns the number of bytes l would occupy once encoded,
// without actually encoding it — used by the leaf updater to decide split
// and underfull/overfull boundaries without repeated allocation.
func (l *Leaf) EncodedSize() int {
	size := leafHeaderSize + 2*len(l.Entries)
	for _, e := range l.Entries {
		size += leafEntryFixedSize + len(e.Value)
	}
	return size
}

// EncodeLeaf serializes l into a fixed PageSize-byte page.
func EncodeLeaf(l *Leaf) []byte {
	n := len(l.Entries)
	size := l.EncodedSize()
	if size > PageSize {
		panic("node: encoded leaf exceeds page size")
	}

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(buf[0:2], LeafTag)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(n))

	dataStart := leafHeaderSize + 2*n
	off := dataStart
	for i, e := range l.Entries {
		binary.LittleEndian.PutUint16(buf[leafHeaderSize+2*i:], uint16(off-dataStart))

		copy(buf[off:], e.Key[:])
		off += KeySize

		if e.Overflow {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++

		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Value)))
		off += 2

		copy(buf[off:], e.Value)
		off += len(e.Value)
	}

	return buf
}

// DecodeLeaf parses a page previously produced by EncodeLeaf.
func DecodeLeaf(page []byte) (*Leaf, error) {
	if len(page) != PageSize {
		return nil, fmt.Errorf("node: leaf page has wrong size %d", len(page))
	}
	if tag := binary.LittleEndian.Uint16(page[0:2]); tag != LeafTag {
		return nil, fmt.Errorf("node: bad leaf tag %#x", tag)
	}

	n := int(binary.LittleEndian.Uint16(page[2:4]))
	dataStart := leafHeaderSize + 2*n
	if dataStart > len(page) {
		return nil, fmt.Errorf("node: corrupt leaf header n=%d", n)
	}

	entries := make([]LeafEntry, n)
	for i := 0; i < n; i++ {
		rel := int(binary.LittleEndian.Uint16(page[leafHeaderSize+2*i:]))
		off := dataStart + rel
		if off+leafEntryFixedSize > len(page) {
			return nil, fmt.Errorf("node: corrupt leaf entry %d", i)
		}

		var k Key
		copy(k[:], page[off:off+KeySize])
		off += KeySize

		overflow := page[off] == 1
		off++

		vlen := int(binary.LittleEndian.Uint16(page[off:]))
		off += 2

		if off+vlen > len(page) {
			return nil, fmt.Errorf("node: corrupt leaf value %d", i)
		}
		value := make([]byte, vlen)
		copy(value, page[off:off+vlen])

		entries[i] = LeafEntry{Key: k, Value: value, Overflow: overflow}
	}

	return &Leaf{Entries: entries}, nil
}

// SearchLeaf returns the index of the entry with the given key, and
// whether it was found, via binary search (entries are sorted ascending).
func SearchLeaf(l *Leaf, key Key) (int, bool) {
	lo, hi := 0, len(l.Entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch c := Compare(l.Entries[mid].Key, key); {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return lo, false
}
