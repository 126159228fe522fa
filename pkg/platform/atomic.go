package platform

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// AtomicReplace durably replaces the file at path with data: write to
// a temp file in the same directory, fsync it, rename over path, then
// fsync the directory so the rename itself survives a crash. This is
// the publish primitive behind the checkpoint and manifest writers;
// the superblock is updated in place through its mapping instead.
func AtomicReplace(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic replace %s: %w", path, err)
	}
	if err := FsyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("atomic replace %s: %w", path, err)
	}
	return nil
}
