package coordinator

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/nainya/pagetree/internal/logger"
	"github.com/nainya/pagetree/internal/metrics"
	"github.com/nainya/pagetree/pkg/errs"
	"github.com/nainya/pagetree/pkg/index"
	"github.com/nainya/pagetree/pkg/node"
	"github.com/nainya/pagetree/pkg/pagestore"
	"github.com/nainya/pagetree/pkg/staging"
	"github.com/nainya/pagetree/pkg/wal"
)

// testMetrics is shared across this package's tests: promauto registers
// collectors against the default registry, so constructing a fresh Metrics
// per test would panic on the second call with AlreadyRegisteredError.
var (
	testMetricsOnce sync.Once
	testMetricsVal  *metrics.Metrics
)

func testMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() { testMetricsVal = metrics.NewMetrics() })
	return testMetricsVal
}

func testLogger() *logger.Logger {
	return logger.NewLogger(logger.Config{Level: "error"})
}

func key(n int) node.Key {
	var k node.Key
	k[node.KeySize-1] = byte(n)
	return k
}

// newFixture builds a Coordinator wired to fresh ln/bbn stores (seeded
// with a single leaf-and-branch tree) and a fresh WAL, mirroring
// pkg/update's seedSingleLeafTree fixture.
func newFixture(t *testing.T) (*Coordinator, index.Index, *pagestore.Store, *pagestore.Store) {
	t.Helper()
	dir := t.TempDir()

	lnPath := filepath.Join(dir, "ln")
	bbnPath := filepath.Join(dir, "bbn")
	walPath := filepath.Join(dir, "wal")
	if err := pagestore.Create(lnPath); err != nil {
		t.Fatalf("Create ln: %v", err)
	}
	if err := pagestore.Create(bbnPath); err != nil {
		t.Fatalf("Create bbn: %v", err)
	}
	if err := wal.Create(walPath); err != nil {
		t.Fatalf("Create wal: %v", err)
	}

	lnStore, err := pagestore.Open(lnPath, 1, pagestore.FreelistEmpty)
	if err != nil {
		t.Fatalf("Open ln: %v", err)
	}
	bbnStore, err := pagestore.Open(bbnPath, 1, pagestore.FreelistEmpty)
	if err != nil {
		t.Fatalf("Open bbn: %v", err)
	}
	t.Cleanup(func() { lnStore.Close(); bbnStore.Close() })

	leafPN := lnStore.Allocate()
	leaf := &node.Leaf{Entries: []node.LeafEntry{{Key: key(10), Value: []byte("ten")}}}
	if err := lnStore.Write(leafPN, node.EncodeLeaf(leaf)); err != nil {
		t.Fatalf("Write leaf: %v", err)
	}
	branchPN := bbnStore.Allocate()
	branch := &node.Branch{Separators: []node.Key{key(0)}, Children: []pagestore.PageNumber{leafPN}}
	if err := bbnStore.Write(branchPN, node.EncodeBranch(branch)); err != nil {
		t.Fatalf("Write branch: %v", err)
	}
	idx := index.New([]index.Entry{{Separator: key(0), Branch: branchPN}})

	walLog, err := wal.Open(walPath)
	if err != nil {
		t.Fatalf("Open wal: %v", err)
	}
	t.Cleanup(func() { walLog.Close() })

	c := New(lnStore, bbnStore, walLog, testLogger(), testMetrics())
	return c, idx, lnStore, bbnStore
}

func TestBeginFromIdleSucceeds(t *testing.T) {
	c, _, _, _ := newFixture(t)
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if c.State() != Preparing {
		t.Fatalf("State() = %s, want preparing", c.State())
	}
}

func TestBeginTwiceFailsWithInvariantViolation(t *testing.T) {
	c, _, _, _ := newFixture(t)
	if err := c.Begin(); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	err := c.Begin()
	if err == nil {
		t.Fatalf("second Begin should fail, coordinator is already in Preparing")
	}
	if !errs.Is(err, errs.InvariantViolation) {
		t.Fatalf("second Begin error = %v, want an InvariantViolation", err)
	}
}

func TestAbortResetsToIdleFromAnyState(t *testing.T) {
	c, _, _, _ := newFixture(t)
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	c.Abort()
	if c.State() != Idle {
		t.Fatalf("State() after Abort = %s, want idle", c.State())
	}
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin after Abort: %v", err)
	}
}

func TestSyncWithoutBeginFailsInvariantViolation(t *testing.T) {
	c, idx, _, _ := newFixture(t)
	_, err := c.Sync(idx, staging.New(), 1)
	if err == nil {
		t.Fatalf("Sync before Begin should fail")
	}
	if !errs.Is(err, errs.InvariantViolation) {
		t.Fatalf("Sync-before-Begin error = %v, want an InvariantViolation", err)
	}
}

func TestFullSyncAdvancesToPagesDurableAndInstalls(t *testing.T) {
	c, idx, _, _ := newFixture(t)

	changes := staging.New()
	changes.Apply(key(20), []byte("twenty"), false)

	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	result, err := c.Sync(idx, changes, 2)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if c.State() != PagesDurable {
		t.Fatalf("State() after Sync = %s, want pages_durable", c.State())
	}

	_, pn, ok := result.NewIndex.Lookup(key(20))
	if !ok {
		t.Fatalf("new index has no entry covering key 20")
	}
	if pn == 0 {
		t.Fatalf("new index resolved key 20 to page 0")
	}

	if err := c.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("State() after Install = %s, want idle", c.State())
	}
}
