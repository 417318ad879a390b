package update

import (
	"path/filepath"
	"testing"

	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/ioh"
	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

func bkey(n int) node.Key {
	var k node.Key
	k[node.KeySize-1] = byte(n)
	return k
}

func TestBranchUpdaterPassThroughSingleEntry(t *testing.T) {
	u := NewBranchUpdater()
	u.SetChild(bkey(5), pagestore.PageNumber(100))
	// A one-entry branch is underfull, so it only flushes as the tree's
	// rightmost branch (see TestBranchUpdaterUnderfullNeedsMerge).
	u.RemoveCutoff()

	var got *node.Branch
	sink := branchSinkFunc(func(key node.Key, branch *node.Branch, cutoff *node.Key) {
		got = branch
	})

	res := u.Digest(sink)
	if res.NeedsMerge {
		t.Fatalf("Digest reported NeedsMerge for a single entry, want a flushed branch")
	}
	if got == nil || len(got.Separators) != 1 || got.Children[0] != 100 {
		t.Fatalf("got branch %+v, want single entry for key 5 -> page 100", got)
	}
}

func TestBranchUpdaterUnderfullNeedsMerge(t *testing.T) {
	u := NewBranchUpdater()
	u.SetChild(bkey(1), pagestore.PageNumber(1))

	sink := branchSinkFunc(func(key node.Key, branch *node.Branch, cutoff *node.Key) {
		t.Fatalf("sink should not be called for an underfull branch without RemoveCutoff")
	})
	res := u.Digest(sink)
	if !res.NeedsMerge {
		t.Fatalf("single tiny entry should be underfull and need a merge")
	}
}

func TestBranchUpdaterRemoveCutoffAllowsUnderfullRightmost(t *testing.T) {
	u := NewBranchUpdater()
	u.SetChild(bkey(1), pagestore.PageNumber(1))
	u.RemoveCutoff()

	var got *node.Branch
	sink := branchSinkFunc(func(key node.Key, branch *node.Branch, cutoff *node.Key) {
		got = branch
		if cutoff != nil {
			t.Fatalf("rightmost branch should have a nil cutoff")
		}
	})
	res := u.Digest(sink)
	if res.NeedsMerge {
		t.Fatalf("RemoveCutoff should let an underfull branch flush as the tree's new rightmost")
	}
	if got == nil || len(got.Separators) != 1 {
		t.Fatalf("got %+v, want a one-entry rightmost branch", got)
	}
}

func TestBranchUpdaterSplitsOverfullBranch(t *testing.T) {
	u := NewBranchUpdater()
	// Enough entries that the encoded branch exceeds a page, forcing a split.
	for i := 0; i < 2000; i++ {
		u.SetChild(bkey(i), pagestore.PageNumber(i+1))
	}

	var flushed []*node.Branch
	sink := branchSinkFunc(func(key node.Key, branch *node.Branch, cutoff *node.Key) {
		flushed = append(flushed, branch)
	})
	res := u.Digest(sink)
	if res.NeedsMerge {
		t.Fatalf("overfull branch reported NeedsMerge, want a split into multiple flushed branches")
	}
	if len(flushed) < 2 {
		t.Fatalf("got %d flushed branches, want at least 2 from a split", len(flushed))
	}
	for _, b := range flushed {
		if b.EncodedSize() > node.PageSize {
			t.Fatalf("split branch still exceeds PageSize: %d bytes", b.EncodedSize())
		}
	}
}

func newBranchStore(t *testing.T) *pagestore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bbn")
	if err := pagestore.Create(path); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, err := pagestore.Open(path, 1, pagestore.FreelistEmpty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunBranchStageReplacesAndRemovesChildren(t *testing.T) {
	store := newBranchStore(t)

	rootPN := store.Allocate()
	root := &node.Branch{
		Separators: []node.Key{bkey(1), bkey(2), bkey(3)},
		Children:   []pagestore.PageNumber{11, 12, 13},
	}
	if err := store.Write(rootPN, node.EncodeBranch(root)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	oldIndex := index.New([]index.Entry{{Separator: bkey(1), Branch: rootPN}})
	writer := pagestore.NewSyncAllocator(store)

	changeset := []LeafChangeset{
		{Key: bkey(2), Page: ptr(pagestore.PageNumber(99))},
		{Key: bkey(3), Page: nil},
	}

	batch := ioh.NewBatch()
	newIdx, freed, written := RunBranchStage(oldIndex, store, writer, batch, changeset)
	if err := batch.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(freed) != 1 || freed[0] != rootPN {
		t.Fatalf("freed = %v, want [%s] (old root replaced)", freed, rootPN)
	}
	if len(written) != 1 {
		t.Fatalf("written = %v, want exactly one new branch page", written)
	}

	_, branchPN, ok := newIdx.Lookup(bkey(1))
	if !ok {
		t.Fatalf("new index has no entry for key 1")
	}
	raw, err := store.Read(branchPN)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got, err := node.DecodeBranch(raw)
	if err != nil {
		t.Fatalf("DecodeBranch: %v", err)
	}
	if len(got.Separators) != 2 {
		t.Fatalf("rebuilt branch has %d entries, want 2 (key 3 removed)", len(got.Separators))
	}
	if got.Children[1] != 99 {
		t.Fatalf("child for key 2 = %d, want 99 (replaced)", got.Children[1])
	}
}

func ptr(pn pagestore.PageNumber) *pagestore.PageNumber { return &pn }
