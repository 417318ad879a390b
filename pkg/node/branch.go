package node

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/pagetree/pkg/pagestore"
)

// Branch page layout (fixed PageSize bytes):
//
//	[0:2]   tag              uint16 (BranchTag)
//	[2:4]   n                uint16 (separator count, n >= 1)
//	[4:6]   prefixLen        uint16 (shared prefix length, 0..=KeySize)
//	[6:8]   reserved
//	[8:8+4n] child page numbers, uint32 little-endian, one per separator
//	[.. ]   shared prefix, prefixLen bytes
//	[.. ]   n * (KeySize-prefixLen) separator suffixes, packed
const branchHeaderSize = 8

// Branch is a decoded branch page: n separators, each the minimum key in
// the subtree reached through the corresponding child page number. All n
// separators, including separator 0, are stored in the page; the Index
// keys each branch page by its separator 0 (spec §4.3).
type Branch struct {
	Separators []Key
	Children   []pagestore.PageNumber
}

// N returns the number of separators (and children) in the branch.
func (b *Branch) N() int { return len(b.Separators) }

// EncodedSize returns the number of bytes b would occupy once encoded,
// without risking EncodeBranch's panic on overflow — used by the branch
// update stage to decide split boundaries.
func (b *Branch) EncodedSize() int {
	n := len(b.Separators)
	if n == 0 {
		return branchHeaderSize
	}
	prefixLen := sharedPrefixLen(b.Separators)
	return branchHeaderSize + 4*n + prefixLen + (KeySize-prefixLen)*n
}

// EncodeBranch serializes b into a fixed PageSize-byte page, prefix
// compressing the separators by their longest shared prefix.
func EncodeBranch(b *Branch) []byte {
	n := len(b.Separators)
	if n == 0 {
		panic("node: branch must have at least one separator")
	}
	if n != len(b.Children) {
		panic("node: branch separator/child count mismatch")
	}

	prefixLen := sharedPrefixLen(b.Separators)
	suffixLen := KeySize - prefixLen

	size := branchHeaderSize + 4*n + prefixLen + suffixLen*n
	if size > PageSize {
		panic("node: encoded branch exceeds page size")
	}

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(buf[0:2], BranchTag)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(n))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(prefixLen))

	off := branchHeaderSize
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(b.Children[i]))
		off += 4
	}

	copy(buf[off:off+prefixLen], b.Separators[0][:prefixLen])
	off += prefixLen

	for i := 0; i < n; i++ {
		copy(buf[off:off+suffixLen], b.Separators[i][prefixLen:])
		off += suffixLen
	}

	return buf
}

// DecodeBranch parses a page previously produced by EncodeBranch.
func DecodeBranch(page []byte) (*Branch, error) {
	if len(page) != PageSize {
		return nil, fmt.Errorf("node: branch page has wrong size %d", len(page))
	}
	if tag := binary.LittleEndian.Uint16(page[0:2]); tag != BranchTag {
		return nil, fmt.Errorf("node: bad branch tag %#x", tag)
	}

	n := int(binary.LittleEndian.Uint16(page[2:4]))
	prefixLen := int(binary.LittleEndian.Uint16(page[4:6]))
	if prefixLen > KeySize || n < 1 {
		return nil, fmt.Errorf("node: corrupt branch header n=%d prefixLen=%d", n, prefixLen)
	}
	suffixLen := KeySize - prefixLen

	off := branchHeaderSize
	children := make([]pagestore.PageNumber, n)
	for i := 0; i < n; i++ {
		children[i] = pagestore.PageNumber(binary.LittleEndian.Uint32(page[off : off+4]))
		off += 4
	}

	var prefix [KeySize]byte
	copy(prefix[:prefixLen], page[off:off+prefixLen])
	off += prefixLen

	separators := make([]Key, n)
	for i := 0; i < n; i++ {
		var k Key
		copy(k[:prefixLen], prefix[:prefixLen])
		copy(k[prefixLen:], page[off:off+suffixLen])
		separators[i] = k
		off += suffixLen
	}

	return &Branch{Separators: separators, Children: children}, nil
}

// sharedPrefixLen returns the length of the prefix shared by every
// separator key. Because separators are strictly ascending, the shared
// prefix of the whole set equals the shared prefix of the first and last.
func sharedPrefixLen(keys []Key) int {
	if len(keys) == 0 {
		return 0
	}
	first, last := keys[0], keys[len(keys)-1]
	n := 0
	for n < KeySize && first[n] == last[n] {
		n++
	}
	return n
}

// SearchBranch returns the index of the greatest separator <= key, and the
// corresponding child page number, mirroring nodeLookupLE in the teacher's
// btree but operating over fixed-width separators instead of variable-width
// packed KV cells.
func SearchBranch(b *Branch, key Key) (int, pagestore.PageNumber, bool) {
	n := b.N()
	if n == 0 {
		return 0, 0, false
	}
	// Binary search for the greatest index with Separators[i] <= key.
	lo, hi := 0, n-1
	found := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if !Less(key, b.Separators[mid]) {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if found < 0 {
		return 0, 0, false
	}
	return found, b.Children[found], true
}

// GetKey returns the separator at index i, analogous to get_key in the
// reference beatree implementation.
func GetKey(b *Branch, i int) Key {
	return b.Separators[i]
}

// MaxSeparatorsPerBranch is the number of separators that always fit in a
// branch page, computed for the worst case (no shared prefix). The branch
// update stage does not use it; it sizes branches with EncodedSize.
const MaxSeparatorsPerBranch = (PageSize - branchHeaderSize) / (4 + KeySize)
