package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/pagetree/pkg/pagestore"
)

// Tag bytes identify the three entry kinds a WAL blob can hold. These
// values are fixed for the lifetime of the on-disk format and must never
// change: tagEnd is zero on purpose, so the zero-filled tail finalize()
// writes past the last real entry reads back as an immediate END on the
// next recovery scan.
const (
	tagEnd    byte = 0x00
	tagUpdate byte = 0x01
	tagClear  byte = 0x02
)

// entryHeaderSize is tag(1) + file(1) + page number(4).
const entryHeaderSize = 1 + 1 + 4

// File discriminates which of the tree's two page files (spec §6: "ln"
// and "bbn") an entry's page number belongs to, since a single WAL blob
// covers intentions for both.
type File byte

const (
	LeafFile   File = 0
	BranchFile File = 1
)

// Entry is one decoded WAL record. Data is only meaningful when Kind is
// tagUpdate.
type Entry struct {
	Kind byte
	File File
	Page pagestore.PageNumber
	Data []byte
}

func (e Entry) IsUpdate() bool { return e.Kind == tagUpdate }
func (e Entry) IsClear() bool  { return e.Kind == tagClear }
func (e Entry) IsEnd() bool    { return e.Kind == tagEnd }

// UpdateEntry builds a page-image intention carrying page's new contents.
func UpdateEntry(file File, page pagestore.PageNumber, data []byte) Entry {
	return Entry{Kind: tagUpdate, File: file, Page: page, Data: data}
}

// ClearEntry builds a page-freed intention.
func ClearEntry(file File, page pagestore.PageNumber) Entry {
	return Entry{Kind: tagClear, File: file, Page: page}
}

// endEntry is the blob terminator.
func endEntry() Entry { return Entry{Kind: tagEnd} }

// appendEntry writes e's encoded form onto buf and returns the result.
func appendEntry(buf []byte, e Entry) []byte {
	switch e.Kind {
	case tagUpdate:
		if len(e.Data) != pagestore.PageSize {
			panic("wal: update entry page data must be exactly one page")
		}
		head := make([]byte, entryHeaderSize)
		head[0] = tagUpdate
		head[1] = byte(e.File)
		binary.LittleEndian.PutUint32(head[2:6], uint32(e.Page))
		buf = append(buf, head...)
		buf = append(buf, e.Data...)
		return buf
	case tagClear:
		head := make([]byte, entryHeaderSize)
		head[0] = tagClear
		head[1] = byte(e.File)
		binary.LittleEndian.PutUint32(head[2:6], uint32(e.Page))
		return append(buf, head...)
	default:
		return append(buf, tagEnd)
	}
}

// readEntry decodes one entry starting at buf[0], returning the entry and
// the number of bytes consumed. A tagEnd entry with nil error means the
// caller has reached the end of the committed portion of the blob.
func readEntry(buf []byte) (Entry, int, error) {
	if len(buf) < 1 {
		return Entry{}, 0, ErrCorrupted
	}
	switch buf[0] {
	case tagEnd:
		return endEntry(), 1, nil
	case tagClear:
		if len(buf) < entryHeaderSize {
			return Entry{}, 0, fmt.Errorf("wal: %w: truncated clear entry", ErrCorrupted)
		}
		file := File(buf[1])
		pn := pagestore.PageNumber(binary.LittleEndian.Uint32(buf[2:6]))
		return ClearEntry(file, pn), entryHeaderSize, nil
	case tagUpdate:
		need := entryHeaderSize + pagestore.PageSize
		if len(buf) < need {
			return Entry{}, 0, fmt.Errorf("wal: %w: truncated update entry", ErrCorrupted)
		}
		file := File(buf[1])
		pn := pagestore.PageNumber(binary.LittleEndian.Uint32(buf[2:6]))
		data := make([]byte, pagestore.PageSize)
		copy(data, buf[entryHeaderSize:need])
		return UpdateEntry(file, pn, data), need, nil
	default:
		return Entry{}, 0, fmt.Errorf("wal: %w: unknown tag %#x", ErrCorrupted, buf[0])
	}
}
