package update

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/ioh"
	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
	"github.com/nainya/pagetree/pkg/staging"
)

// LeafChangeset is one leaf-stage output entry: Page is nil when the
// separator was removed entirely rather than replaced.
type LeafChangeset struct {
	Key  node.Key
	Page *pagestore.PageNumber
}

// Output is everything the leaf stage produces for a sync: the
// globally-sorted leaf changeset, every page freed (old leaves, deleted
// overflow cells, merged-away separators), and the number of page writes
// submitted.
type Output struct {
	LeafChangeset []LeafChangeset
	FreedPages    []pagestore.PageNumber
	WrittenPages  []pagestore.PageNumber
	SubmittedIO   int
}

// preparedOp is one changeset entry after oversized values have been
// chunked into overflow pages: Value is either the inline bytes or an
// encoded overflow cell, selected by Overflow.
type preparedOp struct {
	Key      node.Key
	Deleted  bool
	Value    []byte
	Overflow bool
}

// indexedLeaf finds the leaf that would contain key: first the branch
// covering key via the index, then the exact child and its local
// separator/cutoff within that branch.
func indexedLeaf(bbnIndex index.Index, bbnReader *pagestore.Store, key node.Key) (separator node.Key, cutoff *node.Key, leafPN pagestore.PageNumber, ok bool) {
	_, branchPN, found := bbnIndex.Lookup(key)
	if !found {
		return node.Key{}, nil, 0, false
	}

	raw, err := bbnReader.Read(branchPN)
	if err != nil {
		panic(fmt.Errorf("update: read branch %s: %w", branchPN, err))
	}
	branch, err := node.DecodeBranch(raw)
	if err != nil {
		panic(fmt.Errorf("update: decode branch %s: %w", branchPN, err))
	}

	i, pn, found := node.SearchBranch(branch, key)
	if !found {
		return node.Key{}, nil, 0, false
	}
	sep := node.GetKey(branch, i)

	var cut *node.Key
	if i+1 < branch.N() {
		k := node.GetKey(branch, i+1)
		cut = &k
	} else if nk, ok2 := bbnIndex.NextKey(key); ok2 {
		cut = &nk
	}
	return sep, cut, pn, true
}

// prepareOverflow chunks oversized values into overflow pages ahead of
// partitioning, so workers never need to coordinate over shared overflow
// allocation.
func prepareOverflow(writer *pagestore.SyncAllocator, batch *ioh.Batch, changes []staging.Keyed) ([]preparedOp, int, []pagestore.PageNumber) {
	ops := make([]preparedOp, len(changes))
	submitted := 0
	var written []pagestore.PageNumber
	for i, c := range changes {
		if c.Entry.Deleted {
			ops[i] = preparedOp{Key: c.Key, Deleted: true}
			continue
		}

		v := c.Entry.Value
		if len(v) <= node.MaxLeafValueSize {
			ops[i] = preparedOp{Key: c.Key, Value: v}
			continue
		}

		chunks := node.ChunkValue(v)
		pages := make([]pagestore.PageNumber, len(chunks))
		for j, chunk := range chunks {
			pn := writer.Allocate()
			batch.WriteRaw(writer, pn, chunk)
			pages[j] = pn
			written = append(written, pn)
			submitted++
		}
		ops[i] = preparedOp{Key: c.Key, Value: node.EncodeOverflowCell(len(v), pages), Overflow: true}
	}
	return ops, submitted, written
}

// prepareWorkers splits ops into at most workerCount contiguous ranges,
// using the index to find leaf boundaries near even split points so each
// worker's range starts exactly on a leaf separator, and links adjacent
// workers with a range-extension channel.
func prepareWorkers(bbnIndex index.Index, bbnReader *pagestore.Store, ops []preparedOp, workerCount int) []*WorkerParams {
	workers := []*WorkerParams{{OpStart: 0, OpEnd: len(ops)}}
	remaining := workerCount - 1
	changesetRemaining := ops

	for remaining > 0 && len(changesetRemaining) > 0 {
		pivotIdx := len(changesetRemaining) / (remaining + 1)
		if pivotIdx == 0 {
			break
		}

		sep, cutoff, _, ok := indexedLeaf(bbnIndex, bbnReader, changesetRemaining[pivotIdx].Key)
		if !ok || cutoff == nil {
			break
		}

		trailing := 0
		for k := pivotIdx - 1; k >= 0; k-- {
			if !node.Less(changesetRemaining[k].Key, sep) {
				trailing++
			} else {
				break
			}
		}
		prevWorkerOps := pivotIdx - trailing
		if prevWorkerOps == 0 {
			changesetRemaining = changesetRemaining[pivotIdx:]
			continue
		}

		opPartitionIndex := (len(ops) - len(changesetRemaining)) + prevWorkerOps

		left, right := newNeighborLink()
		prevWorker := workers[len(workers)-1]
		sepCopy := sep
		prevWorker.Range.High = &sepCopy
		prevWorker.Right = right
		prevWorker.OpEnd = opPartitionIndex

		workers = append(workers, &WorkerParams{
			Left:    left,
			Range:   SeparatorRange{Low: &sepCopy},
			OpStart: opPartitionIndex,
			OpEnd:   len(ops),
		})
		remaining--
		changesetRemaining = changesetRemaining[prevWorkerOps:]
	}

	return workers
}

// resetLeafBase points updater at the next base leaf, consulting a
// PendingBase from a range extension first, then falling back to a fresh
// index lookup, then — if nothing is left anywhere to the right — making
// this worker build the tree's new rightmost (underfull-permitted) leaf.
// Returns the key actually resolved to, which may differ from key when a
// pending base redirects the worker further right.
func resetLeafBase(bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, tracker *LeavesTracker, updater *LeafUpdater, hasExtendedRange bool, key node.Key) node.Key {
	if !hasExtendedRange {
		resetLeafBaseFresh(bbnIndex, bbnReader, leafReader, tracker, updater, key)
		return key
	}

	if pb := tracker.PendingBase; pb != nil {
		tracker.PendingBase = nil
		updater.ResetBase(&BaseLeaf{Separator: pb.Separator, Node: pb.Node}, pb.NextSeparator)
		return key
	}

	if next, ok := tracker.LastNextSeparator(); ok && next != nil {
		k := key
		if node.Less(k, *next) {
			k = *next
		}
		resetLeafBaseFresh(bbnIndex, bbnReader, leafReader, tracker, updater, k)
		return k
	}

	// Nothing pending and nothing left in the index to our right: we are
	// now building the tree's new rightmost leaf.
	updater.RemoveCutoff()
	return key
}

func resetLeafBaseFresh(bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, tracker *LeavesTracker, updater *LeafUpdater, key node.Key) {
	sep, cutoff, pn, ok := indexedLeaf(bbnIndex, bbnReader, key)
	if !ok {
		return
	}
	tracker.Delete(sep, pn, cutoff)

	raw, err := leafReader.Read(pn)
	if err != nil {
		panic(fmt.Errorf("update: read leaf %s: %w", pn, err))
	}
	leaf, err := node.DecodeLeaf(raw)
	if err != nil {
		panic(fmt.Errorf("update: decode leaf %s: %w", pn, err))
	}
	updater.ResetBase(&BaseLeaf{Separator: sep, Node: leaf}, cutoff)
}

func derefOr(p *node.Key, def node.Key) node.Key {
	if p == nil {
		return def
	}
	return *p
}

type workerResult struct {
	tracker         *LeavesTracker
	overflowDeleted [][]byte
	written         []pagestore.PageNumber
}

func runWorker(bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, leafWriter *pagestore.SyncAllocator, batch *ioh.Batch, ops []preparedOp, w *WorkerParams) workerResult {
	updater := NewLeafUpdater()
	tracker := NewLeavesTracker()
	var overflowDeleted [][]byte
	var written []pagestore.PageNumber
	rightExhausted := false

	sink := leafSinkFunc(func(key node.Key, leaf *node.Leaf, cutoff *node.Key) {
		pn := leafWriter.Allocate()
		batch.WriteRaw(leafWriter, pn, node.EncodeLeaf(leaf))
		tracker.Insert(key, leaf, cutoff, pn)
		written = append(written, pn)
	})

	key := ops[w.OpStart].Key
	resetLeafBase(bbnIndex, bbnReader, leafReader, tracker, updater, false, key)

	onDeleteOverflow := func(cell []byte) { overflowDeleted = append(overflowDeleted, cell) }

	advance := func(k node.Key) {
		tryAnswerLeftNeighbor(w, &key, bbnIndex, bbnReader, leafReader, tracker)

		hasExtended := false
		if w.Range.High != nil && !node.Less(k, *w.Range.High) {
			hasExtended = true
			requestRangeExtension(w, &rightExhausted, tracker)
		}
		key = resetLeafBase(bbnIndex, bbnReader, leafReader, tracker, updater, hasExtended, k)
	}

	for idx := w.OpStart; idx < w.OpEnd; idx++ {
		op := ops[idx]
		for !updater.IsInScope(op.Key) {
			res := updater.Digest(sink)
			advance(derefOr(res.Cutoff, op.Key))
		}
		updater.Ingest(op.Key, op.Value, op.Overflow, op.Deleted, onDeleteOverflow)
	}

	for {
		res := updater.Digest(sink)
		if !res.NeedsMerge {
			break
		}
		if res.Cutoff == nil {
			// Rightmost leaf of the whole tree: there is no right
			// neighbour to merge with, so it may stay underfull. Flush
			// whatever is accumulated (nothing, if every entry was
			// deleted) and stop.
			updater.RemoveCutoff()
			updater.Digest(sink)
			break
		}
		advance(*res.Cutoff)
	}

	if w.Right != nil {
		w.Right.close()
	}

	drainLeftNeighbor(w, &key, bbnIndex, bbnReader, leafReader, tracker)

	return workerResult{tracker: tracker, overflowDeleted: overflowDeleted, written: written}
}

// Run executes the leaf update stage: chunking overflow values, splitting
// the changeset across numWorkers workers, running them concurrently, and
// aggregating their output into a single globally-sorted result.
func Run(bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, leafWriter *pagestore.SyncAllocator, batch *ioh.Batch, changes []staging.Keyed, numWorkers int) Output {
	if len(changes) == 0 {
		return Output{}
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	ops, overflowIO, overflowWritten := prepareOverflow(leafWriter, batch, changes)
	workers := prepareWorkers(bbnIndex, bbnReader, ops, numWorkers)

	results := make([]workerResult, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runWorker(bbnIndex, bbnReader, leafReader, leafWriter, batch, ops, w)
		}()
	}
	wg.Wait()

	out := Output{SubmittedIO: overflowIO, WrittenPages: overflowWritten}
	for _, r := range results {
		out.WrittenPages = append(out.WrittenPages, r.written...)
		for _, cell := range r.overflowDeleted {
			_, pages := node.DecodeOverflowCell(cell)
			out.FreedPages = append(out.FreedPages, pages...)
		}

		changed, freed := r.tracker.Changeset()
		for _, c := range changed {
			if c.Page != nil {
				out.SubmittedIO++
			}
			out.LeafChangeset = append(out.LeafChangeset, LeafChangeset{Key: c.Key, Page: c.Page})
		}
		out.FreedPages = append(out.FreedPages, freed...)

		out.FreedPages = append(out.FreedPages, r.tracker.ExtraFreed...)
	}

	sort.Slice(out.LeafChangeset, func(i, j int) bool {
		return node.Less(out.LeafChangeset[i].Key, out.LeafChangeset[j].Key)
	})
	return out
}
