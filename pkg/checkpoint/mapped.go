package checkpoint

import (
	"fmt"
	"os"

	"github.com/cuemby/xtreestore/pkg/platform"
)

// MappedSnapshot is a checkpoint opened read-only via mmap, used on
// the cold-start path so recovery never has to materialize the whole
// checkpoint in heap memory before restoring it.
type MappedSnapshot struct {
	file   *os.File
	region *platform.MappedRegion
	header Header
}

// OpenMapped mmaps the checkpoint at path read-only and validates its
// header and entries checksum without copying the entry array.
func OpenMapped(path string) (*MappedSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("checkpoint: %s is empty", path)
	}
	region, err := platform.MapReadOnly(f, 0, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: mmap %s: %w", path, err)
	}
	data := region.Bytes()
	if len(data) < HeaderSize {
		region.Unmap()
		f.Close()
		return nil, fmt.Errorf("checkpoint: %s shorter than header", path)
	}
	h, err := decodeHeader(data[0:HeaderSize])
	if err != nil {
		region.Unmap()
		f.Close()
		return nil, err
	}
	body := data[HeaderSize:]
	want := int(h.EntryCount) * entryWireSize
	if len(body) < want {
		region.Unmap()
		f.Close()
		return nil, fmt.Errorf("checkpoint: %s body truncated", path)
	}
	if !verifyEntries(body[:want], h.EntriesCRC) {
		region.Unmap()
		f.Close()
		return nil, fmt.Errorf("checkpoint: %s entries checksum mismatch", path)
	}
	return &MappedSnapshot{file: f, region: region, header: h}, nil
}

// Epoch returns the epoch this checkpoint was taken at.
func (m *MappedSnapshot) Epoch() uint64 {
	return m.header.Epoch
}

// EntryCount returns the number of entries in the checkpoint.
func (m *MappedSnapshot) EntryCount() uint64 {
	return m.header.EntryCount
}

// EntryAt decodes the i'th entry directly out of the mapped region.
func (m *MappedSnapshot) EntryAt(i uint64) Entry {
	body := m.region.Bytes()[HeaderSize:]
	off := int(i) * entryWireSize
	return decodeEntry(body[off : off+entryWireSize])
}

// ForEach decodes every entry in order, calling fn for each.
func (m *MappedSnapshot) ForEach(fn func(Entry)) {
	for i := uint64(0); i < m.header.EntryCount; i++ {
		fn(m.EntryAt(i))
	}
}

// Restore replays every entry out of the mapped region into r without
// materializing a decoded Snapshot slice first.
func (m *MappedSnapshot) Restore(r Restorer) error {
	var restoreErr error
	m.ForEach(func(e Entry) {
		if restoreErr != nil {
			return
		}
		if err := r.RestoreHandle(e.HandleIdx, e.Record); err != nil {
			restoreErr = fmt.Errorf("checkpoint: restore handle %d: %w", e.HandleIdx, err)
		}
	})
	return restoreErr
}

// Close unmaps and closes the checkpoint file.
func (m *MappedSnapshot) Close() error {
	err := m.region.Unmap()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
