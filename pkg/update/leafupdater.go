// Package update implements the leaf and branch update stages described in
// spec §4.5 and §4.6: turning a sorted changeset into a new set of leaf and
// branch pages, parallelized across workers for leaves and single-threaded
// for branches.
//
// Grounded on the nomt beatree reference implementation's
// ops/update/leaf_stage.rs (the worker-partitioning and range-extension
// control flow translates directly); the LeafUpdater and range-extension
// protocol types themselves (leaf_updater.rs, extend_range_protocol.rs)
// were not present in the retrieved source, so their shapes here are
// reconstructed from leaf_stage.rs's call sites and spec.md §4.5/§9.
package update

import "github.com/nainya/pagetree/pkg/node"

// BaseLeaf is the on-disk leaf a LeafUpdater starts from before applying
// any ingested ops, together with the separator it was indexed under.
type BaseLeaf struct {
	Separator node.Key
	Node      *node.Leaf
}

// DigestResult is the outcome of a LeafUpdater.Digest call. NeedsMerge
// means the accumulated content was too small to stand alone as a leaf;
// its entries are retained internally and folded into the next base's
// content on the following digest.
type DigestResult struct {
	NeedsMerge bool
	Cutoff     *node.Key
}

// LeafSink receives newly-built leaves as the updater digests them: one
// call per emitted leaf (more than one when an overfull accumulation is
// split).
type LeafSink interface {
	HandleNewLeaf(key node.Key, leaf *node.Leaf, cutoff *node.Key)
}

type leafSinkFunc func(key node.Key, leaf *node.Leaf, cutoff *node.Key)

func (f leafSinkFunc) HandleNewLeaf(key node.Key, leaf *node.Leaf, cutoff *node.Key) {
	f(key, leaf, cutoff)
}

// LeafUpdater merges one worker's ingested ops against a sequence of base
// leaves into new leaf content, splitting overfull results and deferring
// underfull ones for a merge with whatever base comes next.
type LeafUpdater struct {
	base         *BaseLeaf
	baseConsumed int
	cutoff       *node.Key
	entries      []node.LeafEntry
	allowUnderfull bool
}

// NewLeafUpdater returns an updater with no base and no accumulated
// content.
func NewLeafUpdater() *LeafUpdater {
	return &LeafUpdater{}
}

// ResetBase points the updater at a new base leaf and cutoff. Any entries
// already accumulated (from a prior NeedsMerge) are preserved and will be
// folded in on the next Digest — this is precisely what "merge with the
// next leaf" means.
func (u *LeafUpdater) ResetBase(base *BaseLeaf, cutoff *node.Key) {
	u.base = base
	u.baseConsumed = 0
	u.cutoff = cutoff
}

// RemoveCutoff relaxes the updater's upper bound to "no bound": this
// worker is now building the new rightmost leaf of the whole tree, which
// spec §4.5 permits to be underfull. Whatever is already accumulated is
// preserved for the final Digest.
func (u *LeafUpdater) RemoveCutoff() {
	u.cutoff = nil
	u.allowUnderfull = true
}

// IsInScope reports whether key still belongs to the leaf currently being
// built (i.e. is strictly less than the cutoff, or there is no cutoff).
func (u *LeafUpdater) IsInScope(key node.Key) bool {
	return u.cutoff == nil || node.Less(key, *u.cutoff)
}

// flushBase copies any not-yet-consumed base entries strictly less than
// key into the accumulated entries. When hasKey is false, the whole
// remainder of the base is flushed.
func (u *LeafUpdater) flushBase(key node.Key, hasKey bool) {
	if u.base == nil {
		return
	}
	entries := u.base.Node.Entries
	for u.baseConsumed < len(entries) {
		e := entries[u.baseConsumed]
		if hasKey && !node.Less(e.Key, key) {
			break
		}
		u.entries = append(u.entries, e)
		u.baseConsumed++
	}
}

// skipBaseEqual drops the base entry matching key, if present — it is
// being overwritten or deleted by an ingested op — reporting any overflow
// cell it carried so the caller can free its pages later.
func (u *LeafUpdater) skipBaseEqual(key node.Key, onDeleteOverflow func([]byte)) {
	if u.base == nil {
		return
	}
	entries := u.base.Node.Entries
	if u.baseConsumed < len(entries) && node.Compare(entries[u.baseConsumed].Key, key) == 0 {
		e := entries[u.baseConsumed]
		u.baseConsumed++
		if e.Overflow && onDeleteOverflow != nil {
			onDeleteOverflow(e.Value)
		}
	}
}

// Ingest applies one staged change. value/overflow are ignored when
// deleted is true.
func (u *LeafUpdater) Ingest(key node.Key, value []byte, overflow, deleted bool, onDeleteOverflow func([]byte)) {
	u.flushBase(key, true)
	u.skipBaseEqual(key, onDeleteOverflow)
	if !deleted {
		u.entries = append(u.entries, node.LeafEntry{Key: key, Value: value, Overflow: overflow})
	}
}

// Digest finalizes whatever is accumulated for the current base: flushes
// the remainder of the base leaf, then either emits one or more new
// leaves via sink (splitting an overfull result), or reports NeedsMerge
// and preserves the entries for the next base.
func (u *LeafUpdater) Digest(sink LeafSink) DigestResult {
	u.flushBase(node.Key{}, false)
	allowUnderfull := u.allowUnderfull
	u.allowUnderfull = false
	u.base = nil

	if len(u.entries) == 0 {
		return DigestResult{NeedsMerge: true, Cutoff: u.cutoff}
	}

	size := (&node.Leaf{Entries: u.entries}).EncodedSize()
	switch {
	case size > node.PageSize:
		entries := u.entries
		u.entries = nil
		splitOverfull(entries, u.cutoff, sink)
		return DigestResult{}
	case size < node.LeafMinBody && !allowUnderfull:
		return DigestResult{NeedsMerge: true, Cutoff: u.cutoff}
	default:
		entries := u.entries
		u.entries = nil
		sink.HandleNewLeaf(entries[0].Key, &node.Leaf{Entries: entries}, u.cutoff)
		return DigestResult{}
	}
}

// splitOverfull greedily packs entries into page-sized leaves (bin-packed
// by actual encoded size rather than split evenly by count, since
// overflow cells make entries variable-width).
func splitOverfull(entries []node.LeafEntry, cutoff *node.Key, sink LeafSink) {
	i := 0
	for i < len(entries) {
		j := i + 1
		for j < len(entries) {
			candidate := &node.Leaf{Entries: entries[i : j+1]}
			if candidate.EncodedSize() > node.PageSize {
				break
			}
			j++
		}
		chunk := append([]node.LeafEntry(nil), entries[i:j]...)
		var chunkCutoff *node.Key
		if j == len(entries) {
			chunkCutoff = cutoff
		} else {
			nk := entries[j].Key
			chunkCutoff = &nk
		}
		sink.HandleNewLeaf(chunk[0].Key, &node.Leaf{Entries: chunk}, chunkCutoff)
		i = j
	}
}
