// Package staging implements the primary/secondary in-memory change maps
// described in spec §3/§4.4: primary accepts new commits, secondary holds
// the batch currently being synced. A present-but-tombstoned entry means
// "deleted"; a missing entry means "no opinion, fall through to the next
// layer".
package staging

import (
	"sort"

	"github.com/nainya/pagetree/pkg/node"
)

// Entry is one staged change: either a new value, or a tombstone recording
// a deletion (the `None` case of spec §3's `Option<value>`).
type Entry struct {
	Value   []byte
	Deleted bool
}

// ChangeSet is an ordered-in-spirit map key -> staged change. It is a plain
// Go map (point lookups don't need ordering; the leaf stage re-sorts its
// changeset explicitly where order matters — see pkg/update).
type ChangeSet map[node.Key]Entry

// New returns an empty change set.
func New() ChangeSet {
	return make(ChangeSet)
}

// Apply merges a single write into the change set. Last write wins for a
// given key within a batch, which for a plain map assignment is automatic.
func (c ChangeSet) Apply(key node.Key, value []byte, deleted bool) {
	c[key] = Entry{Value: value, Deleted: deleted}
}

// Get returns the staged entry for key, if any.
func (c ChangeSet) Get(key node.Key) (Entry, bool) {
	e, ok := c[key]
	return e, ok
}

// Sorted returns the change set's keys in ascending order together with
// their entries, the shape the leaf update stage needs to partition work
// across workers (spec §4.5).
func (c ChangeSet) Sorted() []Keyed {
	out := make([]Keyed, 0, len(c))
	for k, e := range c {
		out = append(out, Keyed{Key: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		return node.Less(out[i].Key, out[j].Key)
	})
	return out
}

// Keyed pairs a key with its staged entry for ordered iteration.
type Keyed struct {
	Key   node.Key
	Entry Entry
}
