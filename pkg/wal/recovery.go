package wal

import (
	"os"
)

// Recover reads the WAL file at path and returns the entries of the
// commit recorded there, in order, stopping at the first END tag.
//
// If the scan runs out of bytes, or hits a decode error, before ever
// reaching END, the blob write itself never completed, so the commit it
// belongs to was never installed: its page writes went only to pages
// allocated for that commit, and there is nothing to replay. That case
// is reported via ok == false, not an error: it is the normal shape of
// "no in-flight commit to recover", not corruption of durable state.
func Recover(path string) (entries []Entry, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	off := 0
	for off < len(data) {
		e, n, derr := readEntry(data[off:])
		if derr != nil {
			return nil, false, nil
		}
		off += n
		if e.IsEnd() {
			return entries, true, nil
		}
		entries = append(entries, e)
	}

	// Ran off the end of the file without an END tag.
	return nil, false, nil
}
