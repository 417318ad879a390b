package pagestore

// SyncAllocator is the thread-safe handle given to leaf-stage and
// branch-stage workers during a sync. It wraps a *Store so that concurrent
// workers can allocate new pages for the leaves/branches they are
// rewriting without racing on the bump counter or the freelist head.
//
// Store already guards bump/freelist advancement with its own mutex, so
// SyncAllocator is a thin, explicitly-named pass-through — its purpose is
// to make call sites in the update stage state their intent (spec §4.1,
// §4.5, §5), not to add synchronization Store doesn't already provide.
type SyncAllocator struct {
	store *Store
}

// NewSyncAllocator wraps store for concurrent use by update-stage workers.
func NewSyncAllocator(store *Store) *SyncAllocator {
	return &SyncAllocator{store: store}
}

// Allocate returns a fresh page number.
func (a *SyncAllocator) Allocate() PageNumber {
	return a.store.Allocate()
}

// Write durably stages the page at pn.
func (a *SyncAllocator) Write(pn PageNumber, page []byte) error {
	return a.store.Write(pn, page)
}

// StoreReader is a read-only view of a Store, handed to lookups and to
// update-stage workers that need to pull the current contents of a leaf or
// branch page. Reads never block on the sync lock.
type StoreReader struct {
	store *Store
}

// NewStoreReader wraps store for read-only, concurrency-safe access.
func NewStoreReader(store *Store) *StoreReader {
	return &StoreReader{store: store}
}

// Read returns the raw bytes of page pn.
func (r *StoreReader) Read(pn PageNumber) ([]byte, error) {
	return r.store.Read(pn)
}
