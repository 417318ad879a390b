// Package coordinator implements the sync state machine from spec §4.8:
// prepare → leaf stage → branch stage → WAL fsync → page fsync → install.
// It is the Go analogue of the teacher's wal.Checkpointer, but driven by a
// sync request rather than a timer, and with an explicit state machine
// instead of a single Checkpoint method, since spec §4.8 requires each
// transition to be validated and the whole sequence to be all-or-nothing.
// As in Checkpointer.Checkpoint, data is flushed before the WAL is
// truncated: the WAL is fsync'd first (so a crash can still redo the
// pages from it), then the page stores themselves are fsync'd, and only
// then does Install truncate the WAL.
package coordinator

import (
	"fmt"
	"time"

	"github.com/nainya/pagetree/internal/logger"
	"github.com/nainya/pagetree/internal/metrics"
	"github.com/nainya/pagetree/pkg/errs"
	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/ioh"
	"github.com/nainya/pagetree/pkg/pagestore"
	"github.com/nainya/pagetree/pkg/staging"
	"github.com/nainya/pagetree/pkg/update"
	"github.com/nainya/pagetree/pkg/wal"
)

// State is one stage of the sync state machine (spec §4.8).
type State int

const (
	Idle State = iota
	Preparing
	LeafWriting
	BranchWriting
	WalDurable
	PagesDurable
	Installing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case LeafWriting:
		return "leaf_writing"
	case BranchWriting:
		return "branch_writing"
	case WalDurable:
		return "wal_durable"
	case PagesDurable:
		return "pages_durable"
	case Installing:
		return "installing"
	default:
		return "unknown"
	}
}

// Result is everything a sync produces for the caller (pkg/tree) to
// install under its exclusive lock at finish_sync, matching spec §6's
// SyncData.
type Result struct {
	NewIndex index.Index

	FreedLeaves   []pagestore.PageNumber
	FreedBranches []pagestore.PageNumber

	LnBump          pagestore.PageNumber
	LnFreelistHead  pagestore.PageNumber
	BbnBump         pagestore.PageNumber
	BbnFreelistHead pagestore.PageNumber
}

// Coordinator drives one sync at a time across the leaf stage, branch
// stage, and WAL. The engine assumes at most one writer (spec §5), so
// the state field needs no locking beyond what the caller already
// provides by serializing syncs with its own sync mutex; transition only
// guards against the coordinator itself being invoked out of order.
type Coordinator struct {
	state State

	lnStore  *pagestore.Store
	bbnStore *pagestore.Store
	walLog   *wal.Log

	log     *logger.Logger
	metrics *metrics.Metrics
}

// New wires a Coordinator to the tree's two page stores and its WAL.
func New(lnStore, bbnStore *pagestore.Store, walLog *wal.Log, log *logger.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		state:    Idle,
		lnStore:  lnStore,
		bbnStore: bbnStore,
		walLog:   walLog,
		log:      log,
		metrics:  m,
	}
}

// State returns the coordinator's current phase.
func (c *Coordinator) State() State { return c.state }

func (c *Coordinator) transition(from, to State) error {
	if c.state != from {
		return errs.New(errs.InvariantViolation, "coordinator.transition",
			fmt.Errorf("expected state %s, got %s (target %s)", from, c.state, to))
	}
	c.state = to
	return nil
}

// Abort resets the coordinator to Idle after any failure. Per spec §4.8,
// every transition must succeed or the sync fails and the old Index
// stays authoritative — nothing this coordinator does before Install has
// touched the live Index, so an abort at any point is safe.
func (c *Coordinator) Abort() {
	c.state = Idle
}

// Begin transitions Idle -> Preparing. The caller is expected to have
// already taken the sync mutex and promoted primary staging to secondary
// before calling this.
func (c *Coordinator) Begin() error {
	return c.transition(Idle, Preparing)
}

// Sync runs the leaf stage, branch stage, page I/O drain, WAL assembly
// and fsync, and page store fsync, in that order, advancing the state
// machine at each step. oldIndex is the snapshot taken at prepare_sync;
// changes is the secondary staging's changeset. A failed state
// transition returns without changing the state; any other failure
// resets the coordinator to Idle via Abort. Either way the caller should
// report the sync as failed, leaving the old Index authoritative.
func (c *Coordinator) Sync(oldIndex index.Index, changes staging.ChangeSet, numWorkers int) (Result, error) {
	phaseDurations := make(map[string]time.Duration)

	if err := c.transition(Preparing, LeafWriting); err != nil {
		return Result{}, err
	}
	start := time.Now()

	lnReader := c.lnStore
	bbnReader := c.bbnStore
	lnWriter := pagestore.NewSyncAllocator(c.lnStore)
	bbnWriter := pagestore.NewSyncAllocator(c.bbnStore)
	batch := ioh.NewBatch()

	sorted := changes.Sorted()
	leafOut := update.Run(oldIndex, bbnReader, lnReader, lnWriter, batch, sorted, numWorkers)
	phaseDurations["leaf_writing"] = time.Since(start)
	c.metrics.RecordPageAllocation("ln", len(leafOut.WrittenPages))
	c.log.LogSyncPhase(LeafWriting.String(), phaseDurations["leaf_writing"], nil)

	if err := c.transition(LeafWriting, BranchWriting); err != nil {
		return Result{}, err
	}
	start = time.Now()

	newIndex, freedBranches, writtenBranches := update.RunBranchStage(oldIndex, bbnReader, bbnWriter, batch, leafOut.LeafChangeset)
	phaseDurations["branch_writing"] = time.Since(start)
	c.metrics.RecordPageAllocation("bbn", len(writtenBranches))
	c.log.LogSyncPhase(BranchWriting.String(), phaseDurations["branch_writing"], nil)

	// Every page submitted by either stage must be observed complete
	// before assembleWal reads them back below, or the WAL could capture
	// stale contents for a page whose write hadn't landed yet.
	if err := batch.Wait(); err != nil {
		c.Abort()
		return Result{}, errs.New(errs.IOError, "coordinator.Sync", err)
	}
	if c.lnStore.Exhausted() || c.bbnStore.Exhausted() {
		c.Abort()
		return Result{}, errs.New(errs.OutOfSpace, "coordinator.Sync", fmt.Errorf("bump allocator exhausted"))
	}

	if err := c.transition(BranchWriting, WalDurable); err != nil {
		return Result{}, err
	}
	start = time.Now()

	blob, err := c.assembleWal(leafOut.WrittenPages, writtenBranches)
	if err != nil {
		c.Abort()
		if errs.Is(err, errs.OutOfSpace) {
			return Result{}, err
		}
		return Result{}, errs.New(errs.IOError, "coordinator.assembleWal", err)
	}
	if err := c.walLog.WriteBlob(blob); err != nil {
		c.Abort()
		return Result{}, errs.New(errs.IOError, "coordinator.WriteBlob", err)
	}
	walDuration := time.Since(start)
	phaseDurations["wal_durable"] = walDuration
	c.metrics.RecordWalWrite(len(blob), walDuration)
	c.log.LogSyncPhase(WalDurable.String(), walDuration, nil)

	if err := c.transition(WalDurable, PagesDurable); err != nil {
		return Result{}, err
	}
	start = time.Now()
	// The WAL blob above is already fsync'd, so a crash here would replay
	// it on recovery even if these page writes are still only sitting in
	// the OS page cache. Fsync'ing the stores here is what lets Install
	// truncate the WAL immediately after: once this returns, the pages
	// themselves are durable and the WAL entries are redundant.
	if err := c.lnStore.Fsync(); err != nil {
		c.Abort()
		return Result{}, errs.New(errs.IOError, "coordinator.Sync.lnFsync", err)
	}
	if err := c.bbnStore.Fsync(); err != nil {
		c.Abort()
		return Result{}, errs.New(errs.IOError, "coordinator.Sync.bbnFsync", err)
	}
	phaseDurations["pages_durable"] = time.Since(start)

	lnBump, lnFreelistHead := c.lnStore.Snapshot()
	bbnBump, bbnFreelistHead := c.bbnStore.Snapshot()

	c.metrics.RecordSync("ok", phaseDurations)

	return Result{
		NewIndex:        newIndex,
		FreedLeaves:     leafOut.FreedPages,
		FreedBranches:   freedBranches,
		LnBump:          lnBump,
		LnFreelistHead:  lnFreelistHead,
		BbnBump:         bbnBump,
		BbnFreelistHead: bbnFreelistHead,
	}, nil
}

// Install transitions PagesDurable -> Installing -> Idle. The caller
// must already have swapped the live Index and cleared secondary staging
// under its exclusive lock before calling this; Install only advances
// the coordinator's own state and truncates the WAL.
func (c *Coordinator) Install() error {
	if err := c.transition(PagesDurable, Installing); err != nil {
		return err
	}
	if err := c.walLog.MarkEnd(); err != nil {
		return errs.New(errs.IOError, "coordinator.MarkEnd", err)
	}
	return c.transition(Installing, Idle)
}

// assembleWal reads back every newly-written leaf and branch page and
// packs them into a single WAL blob tagged with the file they belong to,
// per spec §4.7/§6.
func (c *Coordinator) assembleWal(writtenLeaves, writtenBranches []pagestore.PageNumber) ([]byte, error) {
	b := wal.NewBuilder()

	for _, pn := range writtenLeaves {
		data, err := c.lnStore.Read(pn)
		if err != nil {
			return nil, err
		}
		b.WriteUpdate(wal.LeafFile, pn, data)
	}
	for _, pn := range writtenBranches {
		data, err := c.bbnStore.Read(pn)
		if err != nil {
			return nil, err
		}
		b.WriteUpdate(wal.BranchFile, pn, data)
	}

	if b.Size() > wal.MaxBlobSize {
		return nil, errs.New(errs.OutOfSpace, "coordinator.assembleWal", fmt.Errorf("wal blob size %d exceeds %d", b.Size(), wal.MaxBlobSize))
	}

	return b.Finalize(), nil
}
