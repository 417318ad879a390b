package pagestore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openFreshStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages")
	if err := Create(path); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, err := Open(path, 1, FreelistEmpty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllocateWriteRead(t *testing.T) {
	s := openFreshStore(t)

	pn := s.Allocate()
	if pn.IsNil() {
		t.Fatalf("Allocate returned nil page")
	}

	page := bytes.Repeat([]byte{0xAB}, PageSize)
	if err := s.Write(pn, page); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(pn)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatalf("read page does not match written page")
	}
}

func TestCommitFreedAndReuse(t *testing.T) {
	s := openFreshStore(t)

	pn1 := s.Allocate()
	pn2 := s.Allocate()
	s.CommitFreed([]PageNumber{pn1, pn2})

	bumpBefore, _ := s.Snapshot()

	reused := s.Allocate()
	if reused != pn2 && reused != pn1 {
		t.Fatalf("Allocate after CommitFreed = %s, want a reused page", reused)
	}

	bumpAfter, _ := s.Snapshot()
	if bumpAfter != bumpBefore {
		t.Fatalf("bump advanced on a reused allocation: before=%s after=%s", bumpBefore, bumpAfter)
	}
}

func TestFreelistPagesTrackedAndSkippedByReconstruct(t *testing.T) {
	s := openFreshStore(t)

	freed := make([]PageNumber, 0, freelistCap+5)
	for i := 0; i < freelistCap+5; i++ {
		freed = append(freed, s.Allocate())
	}
	s.CommitFreed(freed)

	tracked := s.AllTrackedFreelistPages()
	if len(tracked) == 0 {
		t.Fatalf("expected at least one tracked freelist page")
	}
}

func TestSnapshotReflectsBumpAndHead(t *testing.T) {
	s := openFreshStore(t)
	bump, head := s.Snapshot()
	if bump != 1 || head != FreelistEmpty {
		t.Fatalf("Snapshot() = (%s, %s), want (1, FreelistEmpty)", bump, head)
	}

	s.Allocate()
	bump2, _ := s.Snapshot()
	if bump2 != 2 {
		t.Fatalf("Snapshot() bump after one Allocate = %s, want 2", bump2)
	}
}
