package update

import (
	"fmt"

	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
)

// SeparatorRange is the half-open key range [Low, High) a worker owns.
// A nil bound means unbounded on that side.
type SeparatorRange struct {
	Low  *node.Key
	High *node.Key
}

// rangeRequest is sent by a worker to its right neighbour asking it to
// give up its next not-yet-claimed leaf.
type rangeRequest struct {
	reply chan *PendingBase
}

// LeftNeighbor is the receiving half of the link to the worker
// immediately to this worker's left: that worker sends requests here
// when it needs to extend its range past its own boundary.
type LeftNeighbor struct {
	ch <-chan rangeRequest
}

// RightNeighbor is the sending half of the link to the worker immediately
// to this worker's right.
type RightNeighbor struct {
	ch chan<- rangeRequest
}

// newNeighborLink returns the two ends of one worker-to-worker link, to
// be installed as the left worker's RightNeighbor and the right worker's
// LeftNeighbor.
func newNeighborLink() (*LeftNeighbor, *RightNeighbor) {
	ch := make(chan rangeRequest)
	return &LeftNeighbor{ch: ch}, &RightNeighbor{ch: ch}
}

// close signals that this worker will never send another range request,
// letting its right neighbour's blocking drainLeftNeighbor loop return.
// Must be called at most once.
func (r *RightNeighbor) close() {
	close(r.ch)
}

// WorkerParams is one leaf-stage worker's slice of the changeset, its
// separator range, and its links to its neighbours.
type WorkerParams struct {
	Left  *LeftNeighbor
	Right *RightNeighbor
	Range SeparatorRange

	OpStart int
	OpEnd   int
}

// requestRangeExtension asks w's right neighbour (if any) to yield its
// next unclaimed leaf. A nil result means the right neighbour (and
// everything beyond it) is fully exhausted — w's range is now unbounded.
func requestRangeExtension(w *WorkerParams, rightExhausted *bool, tracker *LeavesTracker) {
	if w.Right == nil || *rightExhausted {
		w.Range.High = nil
		return
	}

	reply := make(chan *PendingBase)
	w.Right.ch <- rangeRequest{reply: reply}
	pb := <-reply

	if pb == nil {
		w.Range.High = nil
		*rightExhausted = true
		return
	}

	w.Range.High = pb.NextSeparator
	tracker.PendingBase = pb
}

// tryAnswerLeftNeighbor answers a pending request from w's left neighbour
// without blocking, if one has arrived. *key is the leaf w itself was
// about to load next; answering hands that leaf over instead and
// advances *key past it, so w never processes the same leaf twice.
func tryAnswerLeftNeighbor(w *WorkerParams, key *node.Key, bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, tracker *LeavesTracker) {
	if w.Left == nil {
		return
	}
	select {
	case req, ok := <-w.Left.ch:
		if !ok {
			w.Left = nil
			return
		}
		pb, nextKey := peekAndClaim(bbnIndex, bbnReader, leafReader, tracker, *key)
		req.reply <- pb
		if pb != nil {
			*key = nextKey
		}
	default:
	}
}

// drainLeftNeighbor answers every remaining request from w's left
// neighbour, blocking until that neighbour closes its side. Called once
// w has finished its own workload: progress flows strictly left to
// right, so answering is always possible and the rightmost worker always
// finishes, guaranteeing no deadlock (spec §4.5).
func drainLeftNeighbor(w *WorkerParams, key *node.Key, bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, tracker *LeavesTracker) {
	for w.Left != nil {
		req, ok := <-w.Left.ch
		if !ok {
			w.Left = nil
			return
		}
		pb, nextKey := peekAndClaim(bbnIndex, bbnReader, leafReader, tracker, *key)
		req.reply <- pb
		if pb != nil {
			*key = nextKey
		}
	}
}

// peekAndClaim looks up the leaf that would contain key (the same lookup
// resetLeafBaseFresh performs), reads and decodes it, and records it as
// deleted in tracker — claiming it on behalf of whichever worker receives
// it as a PendingBase instead of loading it into this worker's own
// updater.
func peekAndClaim(bbnIndex index.Index, bbnReader, leafReader *pagestore.Store, tracker *LeavesTracker, key node.Key) (*PendingBase, node.Key) {
	sep, cutoff, pn, ok := indexedLeaf(bbnIndex, bbnReader, key)
	if !ok {
		return nil, key
	}

	raw, err := leafReader.Read(pn)
	if err != nil {
		panic(fmt.Errorf("update: read leaf %s: %w", pn, err))
	}
	leaf, err := node.DecodeLeaf(raw)
	if err != nil {
		panic(fmt.Errorf("update: decode leaf %s: %w", pn, err))
	}

	tracker.Delete(sep, pn, cutoff)

	nextKey := key
	if cutoff != nil {
		nextKey = *cutoff
	}
	return &PendingBase{Separator: sep, Node: leaf, NextSeparator: cutoff}, nextKey
}
