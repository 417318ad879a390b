// Package pagestore implements the fixed-size page slab that backs a single
// on-disk file (the "ln" leaf file or the "bbn" branch file). It owns the
// bump allocator and the freelist, and is the only thing in the repository
// that understands raw page offsets.
package pagestore

import "fmt"

// PageSize is the size, in bytes, of every page in every file the engine
// manages. Branch pages and leaf pages both fit exactly one page.
const PageSize = 4096

// PageNumber is a 32-bit, non-zero index into a page file. Page 0 is the
// reserved nil page and is never allocated.
type PageNumber uint32

// FreelistEmpty is the sentinel used to mean "no freelist head", as distinct
// from page 0, which is never a legal page number.
const FreelistEmpty PageNumber = 0

// MaxBump is the highest page number the bump allocator may hand out. It
// stops short of the uint32 ceiling so arithmetic on a PageNumber never
// wraps. Reaching it is the "bump exceeded maximum" OutOfSpace condition
// from spec §7 and is fatal to the sync in progress.
const MaxBump PageNumber = 0xFFFFFFF0

// IsNil reports whether pn is the reserved nil page.
func (pn PageNumber) IsNil() bool {
	return pn == 0
}

func (pn PageNumber) String() string {
	return fmt.Sprintf("pn(%d)", uint32(pn))
}

// Offset returns the byte offset of the page within its file.
func (pn PageNumber) Offset() int64 {
	return int64(pn) * PageSize
}
