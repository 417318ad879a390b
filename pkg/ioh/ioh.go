// Package ioh models the I/O handle contract from spec §6:
// WriteRaw(fd, page_offset, ptr, PAGE_SIZE) submissions that may complete
// out of order, with the caller required to observe as many completions
// as it submitted before treating the batch as durable. pagestore.Store's
// Write is already synchronous, so this package's job is purely to model
// the asynchronous completion-tracking discipline on top of it — each
// submission runs on its own goroutine, and Wait blocks until every
// submission has reported back. The leaf and branch update stages submit
// every page they write through a shared Batch, and the sync coordinator
// calls Wait before reading those pages back to assemble the WAL blob.
package ioh

import (
	"sync"

	"github.com/nainya/pagetree/pkg/pagestore"
)

// PageWriter is the write-side handle a Batch submits pages through.
// Satisfied by both *pagestore.Store and *pagestore.SyncAllocator, so
// callers that already hold a SyncAllocator don't need the raw Store too.
type PageWriter interface {
	Write(pn pagestore.PageNumber, page []byte) error
}

// Batch tracks a set of in-flight page writes submitted together (one
// sync's worth of leaf/branch/overflow pages). Completions may arrive in
// any order; Wait only returns once every submission has completed.
type Batch struct {
	wg sync.WaitGroup

	mu        sync.Mutex
	submitted int
	completed int
	firstErr  error
}

// NewBatch returns an empty batch ready to accept submissions.
func NewBatch() *Batch {
	return &Batch{}
}

// WriteRaw submits one page write asynchronously. Submitted() increases
// immediately; Wait blocks until all submitted writes have completed.
func (b *Batch) WriteRaw(store PageWriter, pn pagestore.PageNumber, page []byte) {
	b.mu.Lock()
	b.submitted++
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := store.Write(pn, page)

		b.mu.Lock()
		b.completed++
		if err != nil && b.firstErr == nil {
			b.firstErr = err
		}
		b.mu.Unlock()
	}()
}

// Wait blocks until every submitted write has completed, then returns
// the first error encountered (nil if all succeeded). Per spec §6, the
// caller must not treat any page as durable until Wait returns nil and
// the completed count matches what was submitted.
func (b *Batch) Wait() error {
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completed != b.submitted {
		panic("ioh: completed count does not match submitted count after Wait")
	}
	return b.firstErr
}

// Submitted returns the number of writes submitted to this batch so far.
func (b *Batch) Submitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted
}
