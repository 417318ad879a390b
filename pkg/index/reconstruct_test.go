package index

import (
	"path/filepath"
	"testing"

	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

func TestReconstructSkipsFreelistAndOrdersBySeparator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bbn")
	if err := pagestore.Create(path); err != nil {
		t.Fatalf("Create: %v", err)
	}
	store, err := pagestore.Open(path, 1, pagestore.FreelistEmpty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	write := func(sep node.Key) pagestore.PageNumber {
		pn := store.Allocate()
		b := &node.Branch{Separators: []node.Key{sep}, Children: []pagestore.PageNumber{99}}
		if err := store.Write(pn, node.EncodeBranch(b)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		return pn
	}

	pnA := write(key(10))
	pnB := write(key(20))

	freed := store.Allocate()
	store.CommitFreed([]pagestore.PageNumber{freed})

	bump, _ := store.Snapshot()
	freelistPages := store.AllTrackedFreelistPages()

	idx, err := Reconstruct(store, freelistPages, bump)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if idx.Len() != 2 {
		t.Fatalf("Reconstruct found %d entries, want 2", idx.Len())
	}

	_, pn, ok := idx.Lookup(key(10))
	if !ok || pn != pnA {
		t.Fatalf("Lookup(10) = (%s, %v), want (%s, true)", pn, ok, pnA)
	}
	_, pn, ok = idx.Lookup(key(20))
	if !ok || pn != pnB {
		t.Fatalf("Lookup(20) = (%s, %v), want (%s, true)", pn, ok, pnB)
	}
}
