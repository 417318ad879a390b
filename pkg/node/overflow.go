package node

import (
	"encoding/binary"

	"github.com/nainya/pagetree/pkg/pagestore"
)

// An overflow cell is the value stored in a leaf entry whose Overflow flag
// is set: an 8-byte total value length followed by the page numbers
// holding the chunked payload, one PageNumber (4 bytes) each, in order.
//
// PagePayload is the number of payload bytes that fit in a single overflow
// page; the whole page is payload, since overflow pages carry no header of
// their own (they are never read except through a leaf entry that already
// knows the exact byte length to expect).
const PagePayload = PageSize

// EncodeOverflowCell builds the cell bytes for a value of the given total
// length, stored across pages in order.
func EncodeOverflowCell(length int, pages []pagestore.PageNumber) []byte {
	cell := make([]byte, 8+4*len(pages))
	binary.LittleEndian.PutUint64(cell[0:8], uint64(length))
	for i, pn := range pages {
		binary.LittleEndian.PutUint32(cell[8+4*i:], uint32(pn))
	}
	return cell
}

// DecodeOverflowCell parses a cell previously built by EncodeOverflowCell.
func DecodeOverflowCell(cell []byte) (length int, pages []pagestore.PageNumber) {
	length = int(binary.LittleEndian.Uint64(cell[0:8]))
	n := (len(cell) - 8) / 4
	pages = make([]pagestore.PageNumber, n)
	for i := 0; i < n; i++ {
		pages[i] = pagestore.PageNumber(binary.LittleEndian.Uint32(cell[8+4*i:]))
	}
	return length, pages
}

// ChunkCount returns how many overflow pages a value of the given length
// needs.
func ChunkCount(length int) int {
	return (length + PagePayload - 1) / PagePayload
}

// ChunkValue splits value into PagePayload-sized (zero-padded, for the
// last chunk) page-sized slices ready to be written via the store.
func ChunkValue(value []byte) [][]byte {
	n := ChunkCount(len(value))
	chunks := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * PagePayload
		end := start + PagePayload
		if end > len(value) {
			end = len(value)
		}
		page := make([]byte, PagePayload)
		copy(page, value[start:end])
		chunks[i] = page
	}
	return chunks
}

// ReassembleValue concatenates the given overflow pages (each exactly
// PagePayload bytes, as returned by a page store read) back into the
// original value of the given length.
func ReassembleValue(length int, chunks [][]byte) []byte {
	out := make([]byte, 0, length)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out[:length]
}
