package wal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/nainya/pagetree/pkg/pagestore"
)

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, pagestore.PageSize)
}

func TestBuilderRoundTripViaReadEntry(t *testing.T) {
	b := NewBuilder()
	b.WriteUpdate(LeafFile, 7, page(0xAA))
	b.WriteUpdate(BranchFile, 9, page(0xBB))
	b.WriteClear(LeafFile, 3)
	blob := b.Finalize()

	if len(blob)%pagestore.PageSize != 0 {
		t.Fatalf("finalized blob not page-aligned: %d bytes", len(blob))
	}

	off := 0
	e, n, err := readEntry(blob[off:])
	if err != nil || !e.IsUpdate() || e.File != LeafFile || e.Page != 7 || !bytes.Equal(e.Data, page(0xAA)) {
		t.Fatalf("entry 0 = %+v err=%v, want leaf update page 7", e, err)
	}
	off += n

	e, n, err = readEntry(blob[off:])
	if err != nil || !e.IsUpdate() || e.File != BranchFile || e.Page != 9 || !bytes.Equal(e.Data, page(0xBB)) {
		t.Fatalf("entry 1 = %+v err=%v, want branch update page 9", e, err)
	}
	off += n

	e, n, err = readEntry(blob[off:])
	if err != nil || !e.IsClear() || e.File != LeafFile || e.Page != 3 {
		t.Fatalf("entry 2 = %+v err=%v, want leaf clear page 3", e, err)
	}
	off += n

	e, _, err = readEntry(blob[off:])
	if err != nil || !e.IsEnd() {
		t.Fatalf("entry 3 = %+v err=%v, want END", e, err)
	}
}

func TestLogWriteBlobThenMarkEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	if err := Create(path); err != nil {
		t.Fatalf("Create: %v", err)
	}
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	b := NewBuilder()
	b.WriteUpdate(LeafFile, 1, page(0x11))
	blob := b.Finalize()

	if err := log.WriteBlob(blob); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}

	entries, ok, err := Recover(path)
	if err != nil || !ok || len(entries) != 1 {
		t.Fatalf("Recover after WriteBlob = (%v entries, ok=%v, err=%v), want 1 entry", len(entries), ok, err)
	}

	if err := log.MarkEnd(); err != nil {
		t.Fatalf("MarkEnd: %v", err)
	}

	entries, ok, err = Recover(path)
	if err != nil || !ok || len(entries) != 0 {
		t.Fatalf("Recover after MarkEnd = (%d entries, ok=%v, err=%v), want 0 entries", len(entries), ok, err)
	}
}

func TestRecoverTruncatedBlobIsNotOk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	if err := Create(path); err != nil {
		t.Fatalf("Create: %v", err)
	}
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	b := NewBuilder()
	b.WriteUpdate(LeafFile, 1, page(0x22))
	blob := b.Finalize()
	// Truncate before the END tag, simulating a crash mid-write.
	half := blob[:len(blob)/2]
	if err := log.WriteBlob(half); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	log.Close()

	_, ok, err := Recover(path)
	if err != nil {
		t.Fatalf("Recover on truncated blob returned an error: %v", err)
	}
	if ok {
		t.Fatalf("Recover on truncated blob reported ok=true, want false")
	}
}
