package update

import (
	"sort"

	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

// InsertedLeaf is a newly-written leaf page recorded in a LeavesTracker.
type InsertedLeaf struct {
	Leaf *node.Leaf
	Page pagestore.PageNumber
}

// PendingBase is a raw, not-yet-modified leaf handed from one worker to
// its left neighbour during the range-extension protocol (spec §4.5,
// §9's neighbour-channel design note).
type PendingBase struct {
	Separator     node.Key
	Node          *node.Leaf
	NextSeparator *node.Key
}

type leafChange struct {
	inserted      *InsertedLeaf
	deleted       bool
	deletedPage   pagestore.PageNumber
	nextSeparator *node.Key
}

// LeavesTracker records everything one worker did to leaves during a
// sync: which old leaves it deleted, which new ones it inserted (keyed by
// separator), plus a PendingBase received from a right neighbour that a
// subsequent reset should consume before touching the index again.
type LeavesTracker struct {
	order      []node.Key
	changes    map[node.Key]*leafChange
	ExtraFreed []pagestore.PageNumber

	PendingBase *PendingBase
}

// NewLeavesTracker returns an empty tracker.
func NewLeavesTracker() *LeavesTracker {
	return &LeavesTracker{changes: make(map[node.Key]*leafChange)}
}

func (t *LeavesTracker) entry(key node.Key) *leafChange {
	c, ok := t.changes[key]
	if !ok {
		c = &leafChange{}
		t.changes[key] = c
		t.order = append(t.order, key)
	}
	return c
}

// Delete records that the old leaf at pn, indexed under separator with
// the given cutoff, is being replaced or removed.
func (t *LeavesTracker) Delete(separator node.Key, pn pagestore.PageNumber, cutoff *node.Key) {
	e := t.entry(separator)
	e.deleted = true
	e.deletedPage = pn
	e.nextSeparator = cutoff
}

// Insert records a newly-written leaf under key.
func (t *LeavesTracker) Insert(key node.Key, leaf *node.Leaf, cutoff *node.Key, pn pagestore.PageNumber) {
	e := t.entry(key)
	e.inserted = &InsertedLeaf{Leaf: leaf, Page: pn}
	e.nextSeparator = cutoff
}

// LastNextSeparator returns the cutoff recorded against the
// most-recently-touched separator, if any entries exist yet.
func (t *LeavesTracker) LastNextSeparator() (*node.Key, bool) {
	if len(t.order) == 0 {
		return nil, false
	}
	last := t.order[len(t.order)-1]
	return t.changes[last].nextSeparator, true
}

// LeafChange is one separator's outcome: Page is nil when the separator
// was removed outright (merged away) rather than replaced.
type LeafChange struct {
	Key  node.Key
	Page *pagestore.PageNumber
}

// Changeset returns this tracker's changes in ascending separator order,
// plus the page numbers freed by deletions.
func (t *LeavesTracker) Changeset() (changed []LeafChange, freed []pagestore.PageNumber) {
	keys := append([]node.Key(nil), t.order...)
	sort.Slice(keys, func(i, j int) bool { return node.Less(keys[i], keys[j]) })

	for _, k := range keys {
		c := t.changes[k]
		var pn *pagestore.PageNumber
		if c.inserted != nil {
			p := c.inserted.Page
			pn = &p
		}
		if c.deleted {
			freed = append(freed, c.deletedPage)
		}
		changed = append(changed, LeafChange{Key: k, Page: pn})
	}
	return changed, freed
}
