package fsroot

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to dir/finalName such that readers never
// observe a partial write: the content lands in a temp file in the
// same directory first, is fsynced, then renamed into place. Rename
// within one filesystem is the atomicity boundary; dir and finalName
// must therefore share a filesystem, which every caller in this repo
// guarantees by writing under a single fsroot.Layout subdirectory.
func WriteAtomic(dir, finalName string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsroot: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+finalName+".tmp-*")
	if err != nil {
		return fmt.Errorf("fsroot: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fsroot: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsroot: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsroot: close temp file: %w", err)
	}

	finalPath := filepath.Join(dir, finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("fsroot: rename into %s: %w", finalPath, err)
	}

	success = true
	return nil
}

// SwitchCurrent atomically repoints the current install symlink at
// installDir. It stages the new link under a temp name in root and
// renames it over the old link, so a reader always sees either the
// previous or the new target, never a missing link.
func SwitchCurrent(root, currentLink, installDir string) error {
	tmpLink := currentLink + ".tmp"
	_ = os.Remove(tmpLink)

	rel, err := filepath.Rel(root, installDir)
	if err != nil {
		rel = installDir
	}
	if err := os.Symlink(rel, tmpLink); err != nil {
		return fmt.Errorf("fsroot: create staged symlink: %w", err)
	}
	if err := os.Rename(tmpLink, currentLink); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("fsroot: rename symlink into place: %w", err)
	}
	return nil
}
