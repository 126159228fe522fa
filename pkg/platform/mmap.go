package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedRegion is a memory-mapped view of a file, used for the
// superblock's seqlock region, checkpoint snapshots, and resident
// segment data.
type MappedRegion struct {
	data []byte
}

// MapReadWrite maps length bytes of f starting at offset for shared
// read-write access: writes through the mapping are visible to other
// mappers of the same file and persisted with Msync/Sync.
func MapReadWrite(f *os.File, offset int64, length int) (*MappedRegion, error) {
	data, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s (off=%d len=%d): %w", f.Name(), offset, length, err)
	}
	return &MappedRegion{data: data}, nil
}

// MapReadOnly maps length bytes of f starting at offset for
// read-only access, used for checkpoint consumers and recovery.
func MapReadOnly(f *os.File, offset int64, length int) (*MappedRegion, error) {
	data, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap read-only %s (off=%d len=%d): %w", f.Name(), offset, length, err)
	}
	return &MappedRegion{data: data}, nil
}

// Bytes returns the mapped region as a byte slice. The slice is only
// valid until Unmap is called.
func (m *MappedRegion) Bytes() []byte {
	return m.data
}

// Sync flushes dirty pages in the mapping to the backing file.
func (m *MappedRegion) Sync() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Unmap releases the mapping. The MappedRegion must not be used
// afterward.
func (m *MappedRegion) Unmap() error {
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	m.data = nil
	return nil
}
