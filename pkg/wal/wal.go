package wal

import (
	"os"

	"github.com/nainya/pagetree/pkg/pagestore"
)

// MaxBlobSize is the largest a single commit's WAL blob is allowed to
// grow to (spec §7's "WAL exceeded 128 GiB" OutOfSpace condition). The
// coordinator checks this before handing the blob to Log.WriteBlob.
const MaxBlobSize = 128 << 30

// Builder assembles one commit's worth of WAL entries into a page-aligned
// blob, per spec §4.7. It replaces the teacher's per-entry file-rotation
// writer: here the whole commit is one blob, built in memory and handed to
// the Log as a single fsync'd write.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WriteUpdate appends a page-image intention: page's full contents, so
// that recovery can rewrite the page from the log alone.
func (b *Builder) WriteUpdate(file File, page pagestore.PageNumber, data []byte) {
	b.buf = appendEntry(b.buf, UpdateEntry(file, page, data))
}

// WriteClear appends a page-freed intention.
func (b *Builder) WriteClear(file File, page pagestore.PageNumber) {
	b.buf = appendEntry(b.buf, ClearEntry(file, page))
}

// Size returns the number of bytes accumulated so far, before Finalize's
// END-tag and page-alignment padding.
func (b *Builder) Size() int {
	return len(b.buf)
}

// Finalize appends the END tag, rounds the blob up to a page boundary
// with zero padding, and returns it. The builder is left empty and ready
// for the next commit.
func (b *Builder) Finalize() []byte {
	b.buf = appendEntry(b.buf, endEntry())

	padded := ((len(b.buf) + pagestore.PageSize - 1) / pagestore.PageSize) * pagestore.PageSize
	if padded > len(b.buf) {
		b.buf = append(b.buf, make([]byte, padded-len(b.buf))...)
	}

	out := b.buf
	b.buf = nil
	return out
}

// Log is the on-disk WAL file: a single blob, rewritten each commit and
// truncated to an END marker once the commit's pages are durably
// installed.
type Log struct {
	fd   *os.File
	path string
}

// Create creates an empty WAL file at path.
func Create(path string) error {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return fd.Close()
}

// Open opens the WAL file at path for reading and writing.
func Open(path string) (*Log, error) {
	fd, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Log{fd: fd, path: path}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.fd.Close()
}

// WriteBlob writes a finalized blob at the start of the file and fsyncs
// it. The coordinator calls it after the commit's pages have been
// written to the page files but before those files are fsync'd.
func (l *Log) WriteBlob(blob []byte) error {
	if err := l.fd.Truncate(int64(len(blob))); err != nil {
		return err
	}
	if _, err := l.fd.WriteAt(blob, 0); err != nil {
		return err
	}
	return l.fd.Sync()
}

// MarkEnd truncates the log to a single END-tagged byte. Called once the
// commit's pages have all become durable: the entries are no longer
// needed for recovery, and overwriting the first byte is sufficient to
// make recovery see an immediately-empty log (spec §4.7).
func (l *Log) MarkEnd() error {
	if err := l.fd.Truncate(1); err != nil {
		return err
	}
	if _, err := l.fd.WriteAt([]byte{tagEnd}, 0); err != nil {
		return err
	}
	return l.fd.Sync()
}
