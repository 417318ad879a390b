// Package wal implements the write-ahead log described in spec §4.7: a
// single page-aligned append-only blob per commit, written and fsync'd
// before any of the commit's page writes are allowed to become durable.
package wal

import "errors"

var (
	// ErrCorrupted indicates a WAL entry failed to decode.
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrNoEndTag indicates the blob was scanned to its end without
	// finding an END tag; the commit it belongs to never finished
	// writing and must be discarded.
	ErrNoEndTag = errors.New("wal: no end tag found")

	// ErrLogClosed indicates an operation on a closed WAL file.
	ErrLogClosed = errors.New("wal: log closed")
)
