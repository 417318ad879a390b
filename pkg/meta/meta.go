// Package meta persists the small amount of state a tree needs to
// survive a restart that index.Reconstruct cannot re-derive by scanning
// pages alone: where each file's bump allocator stood, and where each
// file's freelist chain starts. Recovery (spec §4.7, §4.8) replays the
// WAL into the page files first; meta.State is what tells open() where
// bump stops so reconstruct() knows which pages in that range are live.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nainya/pagetree/pkg/pagestore"
)

// State is the tree's durable superblock.
type State struct {
	LnBump         pagestore.PageNumber
	LnFreelistHead pagestore.PageNumber
	BbnBump        pagestore.PageNumber
	BbnFreelistHead pagestore.PageNumber
}

// Fresh returns the state of a brand-new, empty tree: page 0 is the
// reserved nil page in both files, so bump starts at 1 and the
// freelists are empty.
func Fresh() State {
	return State{
		LnBump:          1,
		LnFreelistHead:  pagestore.FreelistEmpty,
		BbnBump:         1,
		BbnFreelistHead: pagestore.FreelistEmpty,
	}
}

// Load reads the meta file at path. A missing file is not an error: it
// means the tree has never been synced, and Fresh() is returned.
func Load(path string) (State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Fresh(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("meta: read %s: %w", path, err)
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("meta: decode %s: %w", path, err)
	}
	return s, nil
}

// Save durably replaces the meta file at path with s, using the
// standard write-to-temp, fsync, rename-over idiom so a crash mid-write
// can never leave a half-written meta file behind: the rename is the
// only step that can make the new state visible, and a single rename is
// atomic within a filesystem.
func Save(path string, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("meta: encode: %w", err)
	}

	tmp := path + ".tmp"
	fd, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("meta: create %s: %w", tmp, err)
	}

	if _, err := fd.Write(raw); err != nil {
		fd.Close()
		return fmt.Errorf("meta: write %s: %w", tmp, err)
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return fmt.Errorf("meta: fsync %s: %w", tmp, err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("meta: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("meta: rename %s -> %s: %w", tmp, path, err)
	}

	dirFd, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("meta: open dir for %s: %w", path, err)
	}
	defer dirFd.Close()
	return dirFd.Sync()
}
