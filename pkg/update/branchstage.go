package update

import (
	"fmt"
	"sort"

	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/ioh"
	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

// BranchSink receives newly-built branches as a BranchUpdater digests
// them.
type BranchSink interface {
	HandleNewBranch(key node.Key, branch *node.Branch, cutoff *node.Key)
}

type branchSinkFunc func(key node.Key, branch *node.Branch, cutoff *node.Key)

func (f branchSinkFunc) HandleNewBranch(key node.Key, branch *node.Branch, cutoff *node.Key) {
	f(key, branch, cutoff)
}

type branchChild struct {
	Key   node.Key
	Child pagestore.PageNumber
}

// BranchUpdater is the single-threaded analogue of LeafUpdater for branch
// pages (spec §4.6): merging ingested separator changes against a
// sequence of base branches, splitting overfull results and deferring
// underfull ones for a merge with whatever base comes next. Branch
// fan-out is high, so unlike the leaf stage this runs on one goroutine.
type BranchUpdater struct {
	base           *node.Branch
	baseConsumed   int
	cutoff         *node.Key
	entries        []branchChild
	allowUnderfull bool
}

// NewBranchUpdater returns an updater with no base and no accumulated
// content.
func NewBranchUpdater() *BranchUpdater {
	return &BranchUpdater{}
}

// HasBase reports whether a base branch is currently loaded.
func (u *BranchUpdater) HasBase() bool { return u.base != nil }

// ResetBase points the updater at a new base branch and cutoff,
// preserving any entries already accumulated from a prior NeedsMerge.
func (u *BranchUpdater) ResetBase(base *node.Branch, cutoff *node.Key) {
	u.base = base
	u.baseConsumed = 0
	u.cutoff = cutoff
}

// RemoveCutoff relaxes the updater to "no upper bound": this is now the
// tree's new rightmost branch, which spec §4.6 permits to be underfull.
func (u *BranchUpdater) RemoveCutoff() {
	u.cutoff = nil
	u.allowUnderfull = true
}

// IsInScope reports whether key still belongs to the branch currently
// being built.
func (u *BranchUpdater) IsInScope(key node.Key) bool {
	return u.cutoff == nil || node.Less(key, *u.cutoff)
}

func (u *BranchUpdater) flushBase(key node.Key, hasKey bool) {
	if u.base == nil {
		return
	}
	for u.baseConsumed < u.base.N() {
		k := u.base.Separators[u.baseConsumed]
		if hasKey && !node.Less(k, key) {
			break
		}
		u.entries = append(u.entries, branchChild{Key: k, Child: u.base.Children[u.baseConsumed]})
		u.baseConsumed++
	}
}

func (u *BranchUpdater) skipBaseEqual(key node.Key) {
	if u.base == nil {
		return
	}
	if u.baseConsumed < u.base.N() && node.Compare(u.base.Separators[u.baseConsumed], key) == 0 {
		u.baseConsumed++
	}
}

// SetChild inserts or replaces the branch entry for key.
func (u *BranchUpdater) SetChild(key node.Key, child pagestore.PageNumber) {
	u.flushBase(key, true)
	u.skipBaseEqual(key)
	u.entries = append(u.entries, branchChild{Key: key, Child: child})
}

// RemoveChild deletes the branch entry for key, if present.
func (u *BranchUpdater) RemoveChild(key node.Key) {
	u.flushBase(key, true)
	u.skipBaseEqual(key)
}

// Digest finalizes whatever is accumulated for the current base exactly
// as LeafUpdater.Digest does, operating on branch children instead of
// leaf entries.
func (u *BranchUpdater) Digest(sink BranchSink) DigestResult {
	u.flushBase(node.Key{}, false)
	allowUnderfull := u.allowUnderfull
	u.allowUnderfull = false
	u.base = nil

	if len(u.entries) == 0 {
		return DigestResult{NeedsMerge: true, Cutoff: u.cutoff}
	}

	seps := make([]node.Key, len(u.entries))
	children := make([]pagestore.PageNumber, len(u.entries))
	for i, e := range u.entries {
		seps[i] = e.Key
		children[i] = e.Child
	}
	branch := &node.Branch{Separators: seps, Children: children}
	size := branch.EncodedSize()

	switch {
	case size > node.PageSize:
		entries := u.entries
		u.entries = nil
		splitOverfullBranch(entries, u.cutoff, sink)
		return DigestResult{}
	case size < node.BranchMinBody && !allowUnderfull:
		return DigestResult{NeedsMerge: true, Cutoff: u.cutoff}
	default:
		u.entries = nil
		sink.HandleNewBranch(branch.Separators[0], branch, u.cutoff)
		return DigestResult{}
	}
}

func splitOverfullBranch(entries []branchChild, cutoff *node.Key, sink BranchSink) {
	i := 0
	for i < len(entries) {
		j := i + 1
		for j < len(entries) {
			seps := make([]node.Key, j+1-i)
			children := make([]pagestore.PageNumber, j+1-i)
			for k := i; k <= j; k++ {
				seps[k-i], children[k-i] = entries[k].Key, entries[k].Child
			}
			if (&node.Branch{Separators: seps, Children: children}).EncodedSize() > node.PageSize {
				break
			}
			j++
		}

		seps := make([]node.Key, j-i)
		children := make([]pagestore.PageNumber, j-i)
		for k := i; k < j; k++ {
			seps[k-i], children[k-i] = entries[k].Key, entries[k].Child
		}

		var chunkCutoff *node.Key
		if j == len(entries) {
			chunkCutoff = cutoff
		} else {
			nk := entries[j].Key
			chunkCutoff = &nk
		}
		sink.HandleNewBranch(seps[0], &node.Branch{Separators: seps, Children: children}, chunkCutoff)
		i = j
	}
}

// RunBranchStage consumes the leaf stage's changeset against the old
// (cloned) Index, producing a new Index and the branch pages freed by
// merges and replacements (spec §4.6).
func RunBranchStage(oldIndex index.Index, bbnReader *pagestore.Store, bbnWriter *pagestore.SyncAllocator, batch *ioh.Batch, changeset []LeafChangeset) (newIndex index.Index, freedBranches []pagestore.PageNumber, writtenBranches []pagestore.PageNumber) {
	if len(changeset) == 0 {
		return oldIndex, nil, nil
	}

	entries := oldIndex.Entries()
	pos := 0
	removedCutoff := false
	var freed []pagestore.PageNumber
	var written []pagestore.PageNumber
	var newEntries []index.Entry

	updater := NewBranchUpdater()

	sink := branchSinkFunc(func(key node.Key, branch *node.Branch, cutoff *node.Key) {
		pn := bbnWriter.Allocate()
		batch.WriteRaw(bbnWriter, pn, node.EncodeBranch(branch))
		newEntries = append(newEntries, index.Entry{Separator: key, Branch: pn})
		written = append(written, pn)
	})

	loadBase := func() {
		old := entries[pos]
		raw, err := bbnReader.Read(old.Branch)
		if err != nil {
			panic(fmt.Errorf("update: read branch %s: %w", old.Branch, err))
		}
		branch, err := node.DecodeBranch(raw)
		if err != nil {
			panic(fmt.Errorf("update: decode branch %s: %w", old.Branch, err))
		}
		freed = append(freed, old.Branch)

		var cutoff *node.Key
		if pos+1 < len(entries) {
			k := entries[pos+1].Separator
			cutoff = &k
		}
		updater.ResetBase(branch, cutoff)
		pos++
		removedCutoff = false
	}

	// lookupPos returns the index of the old entry that would have
	// covered key, i.e. the greatest i with entries[i].Separator <= key.
	lookupPos := func(key node.Key) int {
		i := sort.Search(len(entries), func(i int) bool {
			return node.Less(key, entries[i].Separator)
		})
		return i - 1
	}

	// advance returns true once a branch has been finalized (written or
	// legitimately given up on because the index is now fully consumed
	// and empty).
	advance := func() bool {
		res := updater.Digest(sink)
		if !res.NeedsMerge {
			removedCutoff = false
			return true
		}
		if pos < len(entries) {
			loadBase()
			return false
		}
		if removedCutoff {
			return true
		}
		updater.RemoveCutoff()
		removedCutoff = true
		return false
	}

	for _, change := range changeset {
		if !updater.HasBase() {
			target := lookupPos(change.Key)
			// Old entries strictly before the one covering this change
			// were never touched by anything; carry them over as-is.
			for pos < target {
				newEntries = append(newEntries, entries[pos])
				pos++
			}
			if pos < len(entries) {
				loadBase()
			}
		}
		for !updater.IsInScope(change.Key) {
			advance()
		}
		if change.Page != nil {
			updater.SetChild(change.Key, *change.Page)
		} else {
			updater.RemoveChild(change.Key)
		}
	}

	for !advance() {
	}

	// Any untouched trailing old branches carry over unchanged.
	for pos < len(entries) {
		newEntries = append(newEntries, entries[pos])
		pos++
	}

	return index.New(newEntries), freed, written
}
