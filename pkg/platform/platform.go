// Package platform wraps the filesystem primitives the persistence
// core needs for durable, positional I/O: positional reads/writes,
// memory-mapping, fsync of files and directories, and atomic
// replacement of published artifacts (checkpoint, manifest).
package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Pread reads len(buf) bytes from f at offset, mirroring pread(2). A
// short read at EOF is not an error; callers check the returned count.
func Pread(f *os.File, buf []byte, offset int64) (int, error) {
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("pread at offset %d: %w", offset, err)
	}
	return n, nil
}

// Pwrite writes buf to f at offset, mirroring pwrite(2).
func Pwrite(f *os.File, buf []byte, offset int64) (int, error) {
	n, err := f.WriteAt(buf, offset)
	if err != nil {
		return n, fmt.Errorf("pwrite at offset %d: %w", offset, err)
	}
	return n, nil
}

// FsyncFile flushes f's data and metadata to stable storage.
func FsyncFile(f *os.File) error {
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", f.Name(), err)
	}
	return nil
}

// FsyncDir flushes a directory's own metadata (entry additions,
// renames) to stable storage. Required after AtomicReplace so the
// rename itself survives a crash, not just the file contents.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s for fsync: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}
	return nil
}

// Truncate resizes f to size, used to preallocate delta log chunks
// and segment files.
func Truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", f.Name(), size, err)
	}
	return nil
}

// Fallocate preallocates size bytes for f starting at offset without
// extending apparent EOF semantics beyond what Truncate would, when
// the platform supports it; falls back to Truncate otherwise.
func Fallocate(f *os.File, offset, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, offset, size); err != nil {
		if err == unix.ENOSYS || err == unix.EOPNOTSUPP {
			return Truncate(f, offset+size)
		}
		return fmt.Errorf("fallocate %s: %w", f.Name(), err)
	}
	return nil
}

// AtomicReplacePath returns the target path AtomicReplace would use
// for a logical artifact name within dir, for callers that need to
// know the final path before writing (e.g. to record it in a
// manifest).
func AtomicReplacePath(dir, name string) string {
	return filepath.Join(dir, name)
}
