// Package tree implements the engine API described in spec §6: open,
// lookup, commit, prepare_sync, finish_sync, create. It owns the two
// page stores, the WAL, the sync coordinator, and the concurrency model
// of spec §5 — a shared RWMutex for lookups/commits/install, and a sync
// mutex serializing syncs, always acquired before shared.
package tree

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/nainya/pagetree/internal/logger"
	"github.com/nainya/pagetree/internal/metrics"
	"github.com/nainya/pagetree/pkg/coordinator"
	"github.com/nainya/pagetree/pkg/errs"
	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/meta"
	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
	"github.com/nainya/pagetree/pkg/staging"
	"github.com/nainya/pagetree/pkg/wal"
)

const (
	lnFileName   = "ln"
	bbnFileName  = "bbn"
	walFileName  = "wal"
	metaFileName = "meta"
)

// Options configures an open tree.
type Options struct {
	// CommitConcurrency is the number of leaf-stage workers (spec §4.5's
	// W). Defaults to 1 if unset.
	CommitConcurrency int
	Logger            *logger.Logger
	Metrics           *metrics.Metrics
}

// SyncData is the output of PrepareSync that FinishSync installs;
// exposed here for callers that want to observe a sync's result without
// Sync's convenience wrapper doing the install for them.
type SyncData struct {
	NewIndex      index.Index
	LnFreelistPN  pagestore.PageNumber
	LnBump        pagestore.PageNumber
	BbnFreelistPN pagestore.PageNumber
	BbnBump       pagestore.PageNumber

	FreedLeaves   []pagestore.PageNumber
	FreedBranches []pagestore.PageNumber
}

// Tree is the open engine handle for one on-disk tree.
type Tree struct {
	dir      string
	metaPath string

	lnStore  *pagestore.Store
	bbnStore *pagestore.Store
	walLog   *wal.Log
	coord    *coordinator.Coordinator

	shared sync.RWMutex
	index  index.Index
	primary   staging.ChangeSet
	secondary staging.ChangeSet

	syncMu sync.Mutex

	commitConcurrency int
	log               *logger.Logger
	metrics           *metrics.Metrics
}

// Create initializes a fresh tree directory: ln and bbn files one page
// long with a reserved nil page, an empty WAL, and a meta file recording
// the fresh state, fsyncing the directory so the files' existence is
// itself durable (spec §6).
func Create(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.IOError, "tree.Create", err)
	}

	if err := pagestore.Create(filepath.Join(dir, lnFileName)); err != nil {
		return errs.New(errs.IOError, "tree.Create", err)
	}
	if err := pagestore.Create(filepath.Join(dir, bbnFileName)); err != nil {
		return errs.New(errs.IOError, "tree.Create", err)
	}
	if err := wal.Create(filepath.Join(dir, walFileName)); err != nil {
		return errs.New(errs.IOError, "tree.Create", err)
	}

	return meta.Save(filepath.Join(dir, metaFileName), meta.Fresh())
}

// Open opens a tree directory, replaying any in-flight WAL commit left
// by a crash between WAL fsync and Index install (spec §4.7/§4.8, S6),
// then reconstructing the Index from the branch file.
func Open(dir string, opts Options) (*Tree, error) {
	if opts.Logger == nil {
		opts.Logger = logger.GetGlobalLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.CommitConcurrency < 1 {
		opts.CommitConcurrency = 1
	}
	opts.Logger.LogEngineOpen(dir)

	metaPath := filepath.Join(dir, metaFileName)
	m, err := meta.Load(metaPath)
	if err != nil {
		return nil, errs.New(errs.IOError, "tree.Open", err)
	}

	lnPath := filepath.Join(dir, lnFileName)
	bbnPath := filepath.Join(dir, bbnFileName)
	walPath := filepath.Join(dir, walFileName)

	lnStore, err := pagestore.Open(lnPath, m.LnBump, m.LnFreelistHead)
	if err != nil {
		return nil, errs.New(errs.IOError, "tree.Open", err)
	}
	bbnStore, err := pagestore.Open(bbnPath, m.BbnBump, m.BbnFreelistHead)
	if err != nil {
		return nil, errs.New(errs.IOError, "tree.Open", err)
	}

	replayed, entryCount, err := recoverWal(walPath, lnStore, bbnStore)
	if err != nil {
		return nil, errs.New(errs.Corruption, "tree.Open", err)
	}
	opts.Logger.LogWalRecovery(replayed, entryCount)
	if replayed {
		opts.Metrics.WalRecoveryReplays.Inc()
	}

	walLog, err := wal.Open(walPath)
	if err != nil {
		return nil, errs.New(errs.IOError, "tree.Open", err)
	}

	freelistPages := bbnStore.AllTrackedFreelistPages()
	idx, err := index.Reconstruct(bbnStore, freelistPages, m.BbnBump)
	if err != nil {
		return nil, errs.New(errs.Corruption, "tree.Open", err)
	}

	coord := coordinator.New(lnStore, bbnStore, walLog, opts.Logger, opts.Metrics)

	t := &Tree{
		dir:               dir,
		metaPath:          metaPath,
		lnStore:           lnStore,
		bbnStore:          bbnStore,
		walLog:            walLog,
		coord:             coord,
		index:             idx,
		primary:           staging.New(),
		secondary:         nil,
		commitConcurrency: opts.CommitConcurrency,
		log:               opts.Logger,
		metrics:           opts.Metrics,
	}

	opts.Logger.LogEngineReady()
	return t, nil
}

// Metrics exposes the engine's Prometheus collectors so a host process can
// register them on its own registry (spec §6's observability surface);
// mounting an HTTP handler is left to the embedder.
func (t *Tree) Metrics() *metrics.Metrics { return t.metrics }

// Close releases the tree's open file descriptors.
func (t *Tree) Close() error {
	if err := t.walLog.Close(); err != nil {
		return err
	}
	if err := t.bbnStore.Close(); err != nil {
		return err
	}
	return t.lnStore.Close()
}

// Lookup consults primary staging, then secondary staging, then the
// on-disk tree via the Index, in that order (spec §4.4). A staged
// tombstone terminates the search with "not found" even if an older
// on-disk value exists.
func (t *Tree) Lookup(key node.Key) ([]byte, bool, error) {
	t.shared.RLock()
	defer t.shared.RUnlock()

	if e, ok := t.primary.Get(key); ok {
		if e.Deleted {
			return nil, false, nil
		}
		return e.Value, true, nil
	}
	if t.secondary != nil {
		if e, ok := t.secondary.Get(key); ok {
			if e.Deleted {
				return nil, false, nil
			}
			return e.Value, true, nil
		}
	}

	_, branchPN, found := t.index.Lookup(key)
	if !found {
		return nil, false, nil
	}

	raw, err := t.bbnStore.Read(branchPN)
	if err != nil {
		return nil, false, errs.New(errs.IOError, "tree.Lookup", err)
	}
	branch, err := node.DecodeBranch(raw)
	if err != nil {
		return nil, false, errs.New(errs.Corruption, "tree.Lookup", err)
	}
	_, leafPN, found := node.SearchBranch(branch, key)
	if !found {
		return nil, false, nil
	}

	leafReader := pagestore.NewStoreReader(t.lnStore)
	leafRaw, err := leafReader.Read(leafPN)
	if err != nil {
		return nil, false, errs.New(errs.IOError, "tree.Lookup", err)
	}
	t.metrics.RecordPageRead("ln")
	leaf, err := node.DecodeLeaf(leafRaw)
	if err != nil {
		return nil, false, errs.New(errs.Corruption, "tree.Lookup", err)
	}

	i, found := node.SearchLeaf(leaf, key)
	if !found {
		return nil, false, nil
	}
	entry := leaf.Entries[i]
	if !entry.Overflow {
		return entry.Value, true, nil
	}

	length, pages := node.DecodeOverflowCell(entry.Value)
	chunks := make([][]byte, len(pages))
	for j, pn := range pages {
		chunk, err := leafReader.Read(pn)
		if err != nil {
			return nil, false, errs.New(errs.IOError, "tree.Lookup", err)
		}
		chunks[j] = chunk
	}
	return node.ReassembleValue(length, chunks), true, nil
}

// Commit merges changeset into primary staging under the exclusive
// shared lock. An empty changeset is a no-op (spec §6). Purely
// in-memory: infallible against disk state.
func (t *Tree) Commit(changeset []staging.Keyed) {
	if len(changeset) == 0 {
		return
	}
	t.shared.Lock()
	defer t.shared.Unlock()
	for _, c := range changeset {
		t.primary.Apply(c.Key, c.Entry.Value, c.Entry.Deleted)
	}
}

// Sync runs one full prepare/leaf-stage/branch-stage/WAL/install cycle
// and returns once the new Index is live. It composes prepare_sync and
// finish_sync from spec §6 into the one operation most embedders need;
// PrepareSync/FinishSync below expose the two halves separately for
// callers that need to interleave other work between them.
func (t *Tree) Sync() error {
	data, hadWork, err := t.PrepareSync()
	if err != nil {
		return err
	}
	if !hadWork {
		return nil
	}
	return t.FinishSync(data)
}

// PrepareSync takes the sync mutex (serializing syncs), promotes primary
// staging into a frozen secondary snapshot, and runs the leaf and branch
// update stages plus the WAL fsync against that snapshot. On success the
// sync mutex stays held until FinishSync releases it (on failure
// PrepareSync releases it itself), so at most one sync is ever in
// flight, matching spec §5.
func (t *Tree) PrepareSync() (SyncData, bool, error) {
	t.syncMu.Lock()

	t.shared.Lock()
	if len(t.primary) == 0 {
		t.shared.Unlock()
		t.syncMu.Unlock()
		return SyncData{}, false, nil
	}
	secondary := t.primary
	t.primary = staging.New()
	t.secondary = secondary
	oldIndex := t.index.Clone()
	t.shared.Unlock()

	if err := t.coord.Begin(); err != nil {
		t.abortSync()
		return SyncData{}, false, err
	}

	result, err := t.coord.Sync(oldIndex, secondary, t.commitConcurrency)
	if err != nil {
		t.abortSync()
		return SyncData{}, false, err
	}

	return SyncData{
		NewIndex:      result.NewIndex,
		LnFreelistPN:  result.LnFreelistHead,
		LnBump:        result.LnBump,
		BbnFreelistPN: result.BbnFreelistHead,
		BbnBump:       result.BbnBump,
		FreedLeaves:   result.FreedLeaves,
		FreedBranches: result.FreedBranches,
	}, true, nil
}

// FinishSync installs the new Index under the exclusive shared lock,
// clears secondary staging, pushes freed pages onto the freelists,
// persists the new meta snapshot, truncates the WAL, and releases the
// sync mutex PrepareSync took (spec §4.8 steps 6-7).
func (t *Tree) FinishSync(data SyncData) error {
	defer t.syncMu.Unlock()

	t.shared.Lock()
	t.index = data.NewIndex
	t.secondary = nil
	t.shared.Unlock()

	t.lnStore.CommitFreed(data.FreedLeaves)
	t.bbnStore.CommitFreed(data.FreedBranches)
	// CommitFreed allocates freelist pages and moves each freelist head,
	// so the persisted snapshot is taken after it.
	lnBump, lnHead := t.lnStore.Snapshot()
	bbnBump, bbnHead := t.bbnStore.Snapshot()

	if err := t.coord.Install(); err != nil {
		return err
	}

	if err := meta.Save(t.metaPath, meta.State{
		LnBump:          lnBump,
		LnFreelistHead:  lnHead,
		BbnBump:         bbnBump,
		BbnFreelistHead: bbnHead,
	}); err != nil {
		return errs.New(errs.IOError, "tree.FinishSync", err)
	}

	t.metrics.UpdateFreelistSize("ln", freelistDepth(t.lnStore))
	t.metrics.UpdateFreelistSize("bbn", freelistDepth(t.bbnStore))

	return nil
}

func (t *Tree) abortSync() {
	t.coord.Abort()
	t.syncMu.Unlock()
}

func freelistDepth(s *pagestore.Store) int {
	return len(s.AllTrackedFreelistPages())
}
