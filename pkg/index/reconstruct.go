package index

import (
	"fmt"

	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

// Reconstruct scans the branch (bbn) file from page 1 up to bump,
// skipping known freelist pages, decodes every remaining page as a branch,
// and inserts it under its first separator. It validates that separators
// come out strictly ascending, per spec §4.3.
func Reconstruct(store *pagestore.Store, freelistPages map[pagestore.PageNumber]struct{}, bump pagestore.PageNumber) (Index, error) {
	entries := make([]Entry, 0, int(bump))

	var prev node.Key
	havePrev := false

	for pn := pagestore.PageNumber(1); pn < bump; pn++ {
		if _, skip := freelistPages[pn]; skip {
			continue
		}

		raw, err := store.Read(pn)
		if err != nil {
			return Index{}, fmt.Errorf("index: reconstruct read %s: %w", pn, err)
		}

		branch, err := node.DecodeBranch(raw)
		if err != nil {
			// Not a branch page (e.g. an untracked freelist page left over
			// from a crash, or padding); reconstruct is best-effort about
			// anything that doesn't parse as a branch.
			continue
		}

		sep := branch.Separators[0]
		if havePrev && !node.Less(prev, sep) {
			return Index{}, fmt.Errorf("index: reconstruct found non-ascending separator at %s", pn)
		}
		prev, havePrev = sep, true

		entries = append(entries, Entry{Separator: sep, Branch: pn})
	}

	return New(entries), nil
}
