// Package node implements the on-disk binary layouts for branch and leaf
// pages: fixed-size, round-trip-exact codecs with separator-prefix
// compression on branch pages and overflow-cell encoding for oversized leaf
// values. It is the Go analogue of the teacher's pkg/btree/node.go, split
// into two node kinds because the B+-tree engine keeps branch and leaf
// pages in separate files (spec §6).
package node

import "github.com/nainya/pagetree/pkg/pagestore"

// KeySize is the fixed width of every key in the tree: 32 bytes, compared
// as an unsigned big-endian integer.
const KeySize = 32

// Key is a fixed-width tree key.
type Key [KeySize]byte

// Compare orders a against b the way spec §3 requires: big-endian integer
// comparison, which for fixed-width byte arrays is the same as
// lexicographic byte comparison.
func Compare(a, b Key) int {
	for i := 0; i < KeySize; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts strictly before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// PageSize is the fixed page size shared by branch and leaf pages
// (BRANCH_NODE_SIZE in spec §4.2).
const PageSize = pagestore.PageSize

// MaxLeafValueSize is the largest value that can be stored inline in a
// leaf page. Anything larger is chunked into overflow pages (spec §3).
const MaxLeafValueSize = 1024

// LeafMinBody is the underfull threshold from spec §4.5: a leaf below this
// many encoded bytes is underfull and must be merged with a neighbour,
// unless it is the rightmost leaf in the tree.
const LeafMinBody = PageSize / 2

// BranchMinBody is the underfull threshold for branch pages (spec §4.6),
// mirroring LeafMinBody's rule at the branch level.
const BranchMinBody = PageSize / 2

// BranchTag and LeafTag are the on-disk type tags written at the head of
// every page, used only as a corruption sanity check on decode (the engine
// otherwise always knows statically which kind of page it is reading,
// since branch and leaf pages live in separate files).
const (
	BranchTag uint16 = 0xB2A1
	LeafTag   uint16 = 0x7EA5
)
