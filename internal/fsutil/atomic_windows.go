//go:build windows

package fsutil

import (
	"os"
)

// WriteFileAtomic writes to a sibling temp file and renames it over path.
// renameio does not support Windows; the rename is atomic on one volume.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
