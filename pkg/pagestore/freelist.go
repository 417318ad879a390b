package pagestore

import "encoding/binary"

// Freelist pages are themselves ordinary pages: a 4-byte little-endian
// next-pointer, a 4-byte count, followed by up to freelistCap page numbers
// (also little-endian uint32). This is the concrete layout named in spec
// §6: "first 4 bytes next-pointer, remainder batched freed PNs."
const (
	freelistHeaderSize = 8
	freelistCap        = (PageSize - freelistHeaderSize) / 4
)

type freelistPage []byte

func (p freelistPage) next() PageNumber {
	return PageNumber(binary.LittleEndian.Uint32(p[0:4]))
}

func (p freelistPage) setNext(pn PageNumber) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(pn))
}

func (p freelistPage) count() int {
	return int(binary.LittleEndian.Uint32(p[4:8]))
}

func (p freelistPage) setCount(n int) {
	binary.LittleEndian.PutUint32(p[4:8], uint32(n))
}

func (p freelistPage) entry(i int) PageNumber {
	off := freelistHeaderSize + i*4
	return PageNumber(binary.LittleEndian.Uint32(p[off : off+4]))
}

func (p freelistPage) setEntry(i int, pn PageNumber) {
	off := freelistHeaderSize + i*4
	binary.LittleEndian.PutUint32(p[off:off+4], uint32(pn))
}

func encodeFreelistPage(next PageNumber, entries []PageNumber) []byte {
	if len(entries) > freelistCap {
		panic("freelist batch exceeds page capacity")
	}
	buf := make([]byte, PageSize)
	p := freelistPage(buf)
	p.setNext(next)
	p.setCount(len(entries))
	for i, pn := range entries {
		p.setEntry(i, pn)
	}
	return buf
}

// freelist tracks the head of the on-disk freelist chain and lazily buffers
// the batch of page numbers held by the page currently at the head.
//
// Pages freed by a sync are never spliced into this structure directly:
// per spec §4.1/§4.8, freed pages only become reusable once the sync that
// freed them has durably completed, so callers stage frees separately and
// hand them to pushBatch only from finishSync.
type freelist struct {
	head    PageNumber
	pending []PageNumber // decoded batch from the page currently at head
	tracked map[PageNumber]struct{}
}

func newFreelist(head PageNumber) *freelist {
	return &freelist{
		head:    head,
		tracked: make(map[PageNumber]struct{}),
	}
}

// pop removes and returns one page number from the freelist, or
// FreelistEmpty if the list is exhausted. read must return the raw bytes
// of the given page.
func (fl *freelist) pop(read func(PageNumber) []byte) PageNumber {
	for len(fl.pending) == 0 {
		if fl.head == FreelistEmpty {
			return FreelistEmpty
		}
		page := freelistPage(read(fl.head))
		fl.tracked[fl.head] = struct{}{}

		n := page.count()
		batch := make([]PageNumber, n)
		for i := 0; i < n; i++ {
			batch[i] = page.entry(i)
		}
		fl.head = page.next()
		fl.pending = batch
	}

	pn := fl.pending[0]
	fl.pending = fl.pending[1:]
	return pn
}

// pushBatch prepends freed page numbers onto the freelist as one or more
// new freelist pages, allocated via alloc and durably written via write.
// It returns the new head.
func (fl *freelist) pushBatch(freed []PageNumber, alloc func() PageNumber, write func(PageNumber, []byte)) PageNumber {
	if len(freed) == 0 {
		return fl.head
	}

	next := fl.head
	for start := 0; start < len(freed); start += freelistCap {
		end := start + freelistCap
		if end > len(freed) {
			end = len(freed)
		}
		pn := alloc()
		fl.tracked[pn] = struct{}{}
		write(pn, encodeFreelistPage(next, freed[start:end]))
		next = pn
	}
	fl.head = next
	return fl.head
}

// trackedPages returns the set of pages currently known to belong to the
// freelist chain, so that branch-file reconstruction can skip them.
func (fl *freelist) trackedPages() map[PageNumber]struct{} {
	out := make(map[PageNumber]struct{}, len(fl.tracked))
	for pn := range fl.tracked {
		out[pn] = struct{}{}
	}
	return out
}
