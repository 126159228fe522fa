// Package segment implements the size-classed, append-only segment
// allocator: variable-length node payloads are packed into per-class
// segment files by bump allocation, with a free bitmap that lets
// reclaimed ranges be reused without ever rewriting history in place.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/xtreestore/pkg/platform"
)

// Granularity is the allocation unit the free bitmap tracks. All
// allocations are rounded up to a whole number of units; this bounds
// bitmap size at the cost of some internal fragmentation.
const Granularity = 64

// DefaultSegmentCapacity is the size of a new segment file when no
// override is configured.
const DefaultSegmentCapacity = 64 << 20 // 64MB

// Addr locates an allocation within one size class's segment files.
type Addr struct {
	FileID    uint32
	SegmentID uint32
	Offset    uint64
	Length    uint32
}

// Stats reports per-class allocator occupancy.
type Stats struct {
	LiveBytes    uint64
	DeadBytes    uint64
	SegmentCount int
}

// segmentFile is one append-only backing file for a size class.
type segmentFile struct {
	id       uint32
	file     *os.File
	capacity uint64
	tail     uint64 // bump cursor: bytes allocated so far, monotonically non-decreasing
	bitmap   []uint64
	units    uint64 // number of Granularity-sized units covered by bitmap
}

func unitsFor(capacity uint64) uint64 {
	return (capacity + Granularity - 1) / Granularity
}

func newSegmentFile(id uint32, f *os.File, capacity uint64) *segmentFile {
	u := unitsFor(capacity)
	return &segmentFile{
		id:       id,
		file:     f,
		capacity: capacity,
		bitmap:   make([]uint64, (u+63)/64),
		units:    u,
	}
}

// markUsed clears the free bits (0 = used) covering [offset, offset+length).
func (s *segmentFile) markUsed(offset uint64, length uint32) {
	s.setRange(offset, length, false)
}

// markFree sets the free bits (1 = free) covering [offset, offset+length).
func (s *segmentFile) markFree(offset uint64, length uint32) {
	s.setRange(offset, length, true)
}

func (s *segmentFile) setRange(offset uint64, length uint32, free bool) {
	startUnit := offset / Granularity
	endUnit := (offset + uint64(length) + Granularity - 1) / Granularity
	for u := startUnit; u < endUnit && u < s.units; u++ {
		word, bit := u/64, u%64
		if free {
			s.bitmap[word] |= 1 << bit
		} else {
			s.bitmap[word] &^= 1 << bit
		}
	}
}

// findFreeRun scans the bitmap starting at cursor for a contiguous run
// of `units` free bits, wrapping once. Returns the starting unit and
// ok=true on success; advances cursor past the run found.
func (s *segmentFile) findFreeRun(units uint64, cursor *uint64) (uint64, bool) {
	if units == 0 || units > s.units {
		return 0, false
	}
	start := *cursor % s.units
	var run uint64
	var runStart uint64
	for scanned := uint64(0); scanned < s.units; scanned++ {
		u := (start + scanned) % s.units
		word, bit := u/64, u%64
		free := s.bitmap[word]&(1<<bit) != 0
		if free {
			if run == 0 {
				runStart = u
			}
			run++
			if run == units {
				*cursor = (runStart + units) % s.units
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Allocator manages segment files for a single size class.
type Allocator struct {
	mu              sync.Mutex
	dir             string
	classID         uint8
	segmentCapacity uint64

	segments      []*segmentFile
	nextSegmentID uint32
	reuseCursor   uint64 // unit cursor into segments[reuseSegmentIdx]
	reuseSegIdx   int

	liveBytes uint64
	deadBytes uint64
}

// Open opens or creates the allocator for classID rooted at dir,
// picking up any existing segment files named by NameFor.
func Open(dir string, classID uint8, segmentCapacity uint64) (*Allocator, error) {
	if segmentCapacity == 0 {
		segmentCapacity = DefaultSegmentCapacity
	}
	a := &Allocator{
		dir:             dir,
		classID:         classID,
		segmentCapacity: segmentCapacity,
	}
	if err := a.adoptExistingSegments(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// adoptExistingSegments reopens this class's segment files left by a
// previous run. Their exact occupancy is not persisted, so they are
// adopted conservatively: tail at capacity and every unit marked
// used. Reclaim marks ranges free again as the object table's retire
// stream is processed, and fresh allocations that find no free run
// land in new segments.
func (a *Allocator) adoptExistingSegments() error {
	for id := uint32(0); ; id++ {
		path := filepath.Join(a.dir, NameFor(a.classID, id))
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return fmt.Errorf("reopen segment %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat segment %s: %w", path, err)
		}
		capacity := uint64(info.Size())
		if capacity < a.segmentCapacity {
			capacity = a.segmentCapacity
		}
		sf := newSegmentFile(id, f, capacity)
		sf.tail = capacity
		a.segments = append(a.segments, sf)
		a.liveBytes += capacity
		a.nextSegmentID = id + 1
	}
	return nil
}

// NameFor returns the on-disk filename for a (classID, segmentID) pair.
func NameFor(classID uint8, segmentID uint32) string {
	return fmt.Sprintf("class-%05d-seg-%08d.dat", classID, segmentID)
}

func (a *Allocator) openNewSegment() (*segmentFile, error) {
	id := a.nextSegmentID
	a.nextSegmentID++
	path := filepath.Join(a.dir, NameFor(a.classID, id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	if err := platform.Fallocate(f, 0, int64(a.segmentCapacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate segment %s: %w", path, err)
	}
	sf := newSegmentFile(id, f, a.segmentCapacity)
	a.segments = append(a.segments, sf)
	return sf, nil
}

// Allocate reserves length bytes for classID, preferring a reclaimed
// free run over growing the bump cursor, and returns its address.
func (a *Allocator) Allocate(length uint32) (Addr, error) {
	if length == 0 {
		return Addr{}, fmt.Errorf("segment: zero-length allocation")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	units := (uint64(length) + Granularity - 1) / Granularity

	// O(1)-amortized reuse: scan from the cursor in the current reuse segment.
	if a.reuseSegIdx < len(a.segments) {
		sf := a.segments[a.reuseSegIdx]
		if unitStart, ok := sf.findFreeRun(units, &a.reuseCursor); ok {
			offset := unitStart * Granularity
			sf.markUsed(offset, length)
			a.liveBytes += uint64(length)
			if a.deadBytes >= uint64(length) {
				a.deadBytes -= uint64(length)
			} else {
				a.deadBytes = 0
			}
			return Addr{FileID: uint32(a.classID), SegmentID: sf.id, Offset: offset, Length: length}, nil
		}
		a.reuseSegIdx++
		a.reuseCursor = 0
	}

	// No reuse found anywhere; bump-allocate at the tail of the current
	// (or a freshly created) segment.
	var sf *segmentFile
	if n := len(a.segments); n > 0 {
		last := a.segments[n-1]
		if last.tail+uint64(length) <= last.capacity {
			sf = last
		}
	}
	if sf == nil {
		var err error
		sf, err = a.openNewSegment()
		if err != nil {
			return Addr{}, err
		}
	}

	offset := sf.tail
	sf.tail += uint64(length)
	sf.markUsed(offset, length)
	a.liveBytes += uint64(length)

	return Addr{FileID: uint32(a.classID), SegmentID: sf.id, Offset: offset, Length: length}, nil
}

// Free returns addr's bytes to the free bitmap, making them eligible
// for reuse by a later Allocate call. Segment files are never
// shrunk; ranges are tracked as dead, not punched.
func (a *Allocator) Free(addr Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sf := a.segmentByID(addr.SegmentID)
	if sf == nil {
		return fmt.Errorf("segment: free of unknown segment %d (class %d)", addr.SegmentID, a.classID)
	}
	sf.markFree(addr.Offset, addr.Length)
	// Move the reuse cursor back when the freed range lies in a segment
	// it has already passed, so a later Allocate can find it.
	for i, s := range a.segments {
		if s == sf && i < a.reuseSegIdx {
			a.reuseSegIdx = i
			a.reuseCursor = addr.Offset / Granularity
		}
	}
	if a.liveBytes >= uint64(addr.Length) {
		a.liveBytes -= uint64(addr.Length)
	}
	a.deadBytes += uint64(addr.Length)
	return nil
}

func (a *Allocator) segmentByID(id uint32) *segmentFile {
	for _, sf := range a.segments {
		if sf.id == id {
			return sf
		}
	}
	return nil
}

// Read reads length bytes at addr.Offset from its segment file.
func (a *Allocator) Read(addr Addr, buf []byte) (int, error) {
	a.mu.Lock()
	sf := a.segmentByID(addr.SegmentID)
	a.mu.Unlock()
	if sf == nil {
		return 0, fmt.Errorf("segment: read from unknown segment %d (class %d)", addr.SegmentID, a.classID)
	}
	return platform.Pread(sf.file, buf, int64(addr.Offset))
}

// Write writes data at addr.Offset into its segment file.
func (a *Allocator) Write(addr Addr, data []byte) error {
	a.mu.Lock()
	sf := a.segmentByID(addr.SegmentID)
	a.mu.Unlock()
	if sf == nil {
		return fmt.Errorf("segment: write to unknown segment %d (class %d)", addr.SegmentID, a.classID)
	}
	_, err := platform.Pwrite(sf.file, data, int64(addr.Offset))
	return err
}

// Stats returns the allocator's current per-class occupancy.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		LiveBytes:    a.liveBytes,
		DeadBytes:    a.deadBytes,
		SegmentCount: len(a.segments),
	}
}

// Sync fsyncs every open segment file in this class.
func (a *Allocator) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sf := range a.segments {
		if err := platform.FsyncFile(sf.file); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open segment file.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, sf := range a.segments {
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
