// Package index implements the in-memory ordered map from separator key to
// live branch page number described in spec §4.3. It is deliberately
// immutable in shape between syncs: the branch update stage builds a new
// Index value from the cloned old one, and finish_sync swaps it in under
// the tree's exclusive lock, so concurrent readers never observe a
// half-built Index.
package index

import (
	"sort"

	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

// Entry is one (separator, branch page) pair.
type Entry struct {
	Separator node.Key
	Branch    pagestore.PageNumber
}

// Index is an ordered map separator -> branch page number. The zero value
// is an empty index.
//
// Mutating methods (Insert, Remove) never modify the receiver; they return
// a new Index holding a freshly allocated entry slice. This gives sync's
// clone-then-rebuild workflow (spec §4.3, §9) the safety it needs without
// a hand-rolled persistent tree: Clone is an O(1) value copy, and every
// subsequent mutation during the sync only ever writes to the new copy's
// backing array, never the one still being read by concurrent lookups.
type Index struct {
	entries []Entry
}

// New builds an Index from already-sorted-by-separator entries. Callers
// that cannot guarantee order should use Insert repeatedly instead.
func New(entries []Entry) Index {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return Index{entries: cp}
}

// Clone returns a snapshot of idx. Because Index is a value type wrapping
// a slice that is never mutated in place, this is just a value copy — the
// "cheap snapshot" spec §4.3 asks for.
func (idx Index) Clone() Index {
	return idx
}

// Len returns the number of entries.
func (idx Index) Len() int { return len(idx.entries) }

// Entries returns the entries in ascending separator order. The returned
// slice must not be mutated.
func (idx Index) Entries() []Entry { return idx.entries }

func (idx Index) searchIndex(key node.Key) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return !node.Less(idx.entries[i].Separator, key)
	})
}

// Lookup returns the entry with the greatest separator <= key, as spec
// §3/§4.3 define lookup.
func (idx Index) Lookup(key node.Key) (node.Key, pagestore.PageNumber, bool) {
	i := idx.searchIndex(key)
	if i < len(idx.entries) && node.Compare(idx.entries[i].Separator, key) == 0 {
		return idx.entries[i].Separator, idx.entries[i].Branch, true
	}
	if i == 0 {
		return node.Key{}, 0, false
	}
	e := idx.entries[i-1]
	return e.Separator, e.Branch, true
}

// NextKey returns the next separator strictly greater than key, if any.
func (idx Index) NextKey(key node.Key) (node.Key, bool) {
	i := idx.searchIndex(key)
	if i < len(idx.entries) && node.Compare(idx.entries[i].Separator, key) == 0 {
		i++
	}
	if i >= len(idx.entries) {
		return node.Key{}, false
	}
	return idx.entries[i].Separator, true
}

// Insert adds or replaces the branch page number for sep, returning a new
// Index. Separators must remain strictly ascending (spec §3 invariant).
func (idx Index) Insert(sep node.Key, pn pagestore.PageNumber) Index {
	i := idx.searchIndex(sep)
	if i < len(idx.entries) && node.Compare(idx.entries[i].Separator, sep) == 0 {
		out := make([]Entry, len(idx.entries))
		copy(out, idx.entries)
		out[i].Branch = pn
		return Index{entries: out}
	}

	out := make([]Entry, len(idx.entries)+1)
	copy(out, idx.entries[:i])
	out[i] = Entry{Separator: sep, Branch: pn}
	copy(out[i+1:], idx.entries[i:])
	return Index{entries: out}
}

// Remove deletes the entry for sep, if present, returning a new Index.
func (idx Index) Remove(sep node.Key) Index {
	i := idx.searchIndex(sep)
	if i >= len(idx.entries) || node.Compare(idx.entries[i].Separator, sep) != 0 {
		return idx
	}
	out := make([]Entry, len(idx.entries)-1)
	copy(out, idx.entries[:i])
	copy(out[i:], idx.entries[i+1:])
	return Index{entries: out}
}
