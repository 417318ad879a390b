package pagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a fixed-size page slab over a single file (either the "ln" leaf
// file or the "bbn" branch file). It owns the bump allocator and the
// freelist for that file and is safe for concurrent allocation (guarded by
// mu, playing the role spec §4.1 assigns to the "SyncAllocator") alongside
// concurrent, lock-free reads.
type Store struct {
	fd   *os.File
	path string

	mu    sync.Mutex
	bump  PageNumber
	free  *freelist
}

// Open opens (creating if necessary) the page file at path and wires it to
// the given bump and freelist-head snapshot, as recorded in the tree's meta
// state at the last clean shutdown.
func Open(path string, bump PageNumber, freelistHead PageNumber) (*Store, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}

	return &Store{
		fd:   fd,
		path: path,
		bump: bump,
		free: newFreelist(freelistHead),
	}, nil
}

// Create initializes a fresh page file one page long, containing only the
// reserved nil page, and fsyncs the containing directory so the file's
// existence itself is durable.
func Create(path string) error {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pagestore: create %s: %w", path, err)
	}
	defer fd.Close()

	if err := fd.Truncate(PageSize); err != nil {
		return fmt.Errorf("pagestore: truncate %s: %w", path, err)
	}
	if err := fd.Sync(); err != nil {
		return fmt.Errorf("pagestore: fsync %s: %w", path, err)
	}

	dirFd, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("pagestore: open dir for %s: %w", path, err)
	}
	defer dirFd.Close()

	return dirFd.Sync()
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error {
	return s.fd.Close()
}

// Read returns the raw bytes of page pn. Safe for concurrent use.
func (s *Store) Read(pn PageNumber) ([]byte, error) {
	buf := make([]byte, PageSize)
	if _, err := s.fd.ReadAt(buf, pn.Offset()); err != nil {
		return nil, fmt.Errorf("pagestore: read %s: %w", pn, err)
	}
	return buf, nil
}

// Write durably stages page contents at pn. The caller is responsible for
// making sure the write is fsync'd (or covered by the WAL) before the
// change is considered committed.
func (s *Store) Write(pn PageNumber, page []byte) error {
	if len(page) != PageSize {
		panic("pagestore: page size mismatch")
	}
	if _, err := s.fd.WriteAt(page, pn.Offset()); err != nil {
		return fmt.Errorf("pagestore: write %s: %w", pn, err)
	}
	return nil
}

// Fsync flushes all writes made through this store to stable storage.
func (s *Store) Fsync() error {
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("pagestore: fsync: %w", err)
	}
	return nil
}

// Allocate returns a fresh page number, preferring a freelist entry over
// bumping the high-water mark. Safe for concurrent callers; this is the
// "SyncAllocator" role from spec §4.1/§5.
func (s *Store) Allocate() PageNumber {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pn := s.free.pop(func(pn PageNumber) []byte {
		buf, err := s.Read(pn)
		if err != nil {
			panic(err) // freelist corruption is fatal; see spec §7 Corruption
		}
		return buf
	}); pn != FreelistEmpty {
		return pn
	}

	pn := s.bump
	s.bump++
	return pn
}

// Free pushes pn onto the freelist immediately; it is exactly
// CommitFreed([]PageNumber{pn}), with the same rule: call it only once pn
// is unreachable from any live Index.
//
// This method exists to keep the exported surface matching spec §4.1's
// free(PageNumber); in practice the leaf/branch update stages accumulate
// freed pages in their own output and the tree calls CommitFreed once, in
// bulk, at finish_sync.
func (s *Store) Free(pn PageNumber) {
	s.CommitFreed([]PageNumber{pn})
}

// CommitFreed durably pushes a batch of newly-freed page numbers onto the
// on-disk freelist, allocating new freelist pages via the bump allocator.
// Callers must only invoke this once the pages being freed are known to be
// unreachable from any live Index — i.e. from finish_sync.
func (s *Store) CommitFreed(freed []PageNumber) {
	if len(freed) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.free.pushBatch(freed, func() PageNumber {
		pn := s.bump
		s.bump++
		return pn
	}, func(pn PageNumber, page []byte) {
		if err := s.Write(pn, page); err != nil {
			panic(err)
		}
	})
}

// AllTrackedFreelistPages returns every page number currently known to
// belong to the freelist chain, so that reconstruct() can skip them when
// scanning the branch file for live branch pages.
func (s *Store) AllTrackedFreelistPages() map[PageNumber]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.trackedPages()
}

// Snapshot returns the current (bump, freelistHead) pair, for recording in
// the tree's meta state as part of SyncData.
func (s *Store) Snapshot() (bump PageNumber, freelistHead PageNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bump, s.free.head
}

// Exhausted reports whether the bump allocator has reached MaxBump (spec
// §7's "bump exceeded maximum" OutOfSpace condition). The coordinator
// checks this after each update stage and aborts the sync if it trips.
func (s *Store) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bump >= MaxBump
}
