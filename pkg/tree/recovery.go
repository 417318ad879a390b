package tree

import (
	"fmt"

	"github.com/nainya/pagetree/pkg/pagestore"
	"github.com/nainya/pagetree/pkg/wal"
)

// recoverWal scans the WAL at path for an in-flight commit left by a
// crash between the WAL fsync and finish_sync's Index install (spec
// §4.7, §4.8, S6), replaying every UPDATE entry into the file it
// belongs to before the stores are used for anything else. Clears are
// informational only here: a CLEAR entry's page is already absent from
// the reconstructed Index once the branch/leaf scan runs, so there is
// nothing to apply to the page files themselves.
func recoverWal(path string, lnStore, bbnStore *pagestore.Store) (replayed bool, entryCount int, err error) {
	entries, ok, err := wal.Recover(path)
	if err != nil {
		return false, 0, fmt.Errorf("tree: wal recovery scan: %w", err)
	}
	if !ok {
		return false, 0, nil
	}

	for _, e := range entries {
		if !e.IsUpdate() {
			continue
		}
		store := lnStore
		if e.File == wal.BranchFile {
			store = bbnStore
		}
		if err := store.Write(e.Page, e.Data); err != nil {
			return false, 0, fmt.Errorf("tree: wal replay write %s: %w", e.Page, err)
		}
	}

	if err := lnStore.Fsync(); err != nil {
		return false, 0, fmt.Errorf("tree: wal replay fsync ln: %w", err)
	}
	if err := bbnStore.Fsync(); err != nil {
		return false, 0, fmt.Errorf("tree: wal replay fsync bbn: %w", err)
	}

	return true, len(entries), nil
}
