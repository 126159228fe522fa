// Package superblock implements the store's single, fixed-size,
// crash-safe record of the currently committed root and epoch. It is
// published via a seqlock so concurrent readers never observe a torn
// mix of an old and a new (root, epoch) pair, and so a reader never
// blocks behind a writer.
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cuemby/xtreestore/pkg/checksum"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/platform"
)

// magicValue identifies a superblock file: "XTREEBLK".
var magicValue = [8]byte{'X', 'T', 'R', 'E', 'E', 'B', 'L', 'K'}

// Version is the current on-disk superblock format version.
const Version uint32 = 1

// Size is the fixed, ABI-stable size of a superblock file: everything
// beyond the header fields is reserved padding, keeping the layout
// stable for future fields without changing the file size.
const Size = 320

// Fixed field offsets within the 320-byte block. offSeq and offCRC are
// deliberately excluded from the CRC computation: offSeq changes after
// the CRC is computed (it is bumped to its final even value only once
// the rest of the header is written, before the mapping is flushed),
// and offCRC holds the
// checksum itself.
const (
	offMagic        = 0
	offVersion      = 8
	offHeaderSize   = 12
	offSeq          = 16
	offRootNodeID   = 24
	offCommitEpoch  = 32
	offGeneration   = 40
	offCreationTime = 48
	offCRC          = 56
	fixedHeaderEnd  = 60
)

// ErrAbsent is returned by Load when the file fails its magic or CRC
// check: cold start treats this the same as no superblock existing at
// all, falling back to the manifest's roots catalog.
var ErrAbsent = errors.New("superblock: absent or corrupt")

// Snapshot is a torn-read-safe (root, epoch) pair observed at a
// particular generation.
type Snapshot struct {
	Root       nodeid.ID
	Epoch      uint64
	Generation uint64
}

// Superblock is a memory-mapped superblock file.
type Superblock struct {
	file   *os.File
	region *platform.MappedRegion
	mu     sync.Mutex // serializes Publish calls; Load never blocks
}

// Create initializes a new, zeroed superblock file at path and maps
// it, stamping the magic, version and creation time. No root is
// committed yet (Load on a fresh block returns Epoch 0).
func Create(path string) (*Superblock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("superblock: create %s: %w", path, err)
	}
	if err := platform.Truncate(f, Size); err != nil {
		f.Close()
		return nil, err
	}
	sb, err := mapExisting(f)
	if err != nil {
		return nil, err
	}

	data := sb.region.Bytes()
	copy(data[offMagic:offMagic+8], magicValue[:])
	binary.LittleEndian.PutUint32(data[offVersion:offVersion+4], Version)
	binary.LittleEndian.PutUint32(data[offHeaderSize:offHeaderSize+4], fixedHeaderEnd)
	binary.LittleEndian.PutUint64(data[offCreationTime:offCreationTime+8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(data[offRootNodeID:offRootNodeID+8], uint64(nodeid.Invalid))
	sb.writeCRC()

	if err := sb.region.Sync(); err != nil {
		sb.Close()
		return nil, err
	}
	return sb, nil
}

// Open maps an existing superblock file at path read-write.
func Open(path string) (*Superblock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("superblock: open %s: %w", path, err)
	}
	return mapExisting(f)
}

func mapExisting(f *os.File) (*Superblock, error) {
	region, err := platform.MapReadWrite(f, 0, Size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Superblock{file: f, region: region}, nil
}

func (sb *Superblock) seqPtr() *uint64 {
	data := sb.region.Bytes()
	return (*uint64)(unsafe.Pointer(&data[offSeq]))
}

// writeCRC recomputes and stores the header CRC. Must be called with
// mu held, after every field except seq has its final value.
func (sb *Superblock) writeCRC() {
	data := sb.region.Bytes()
	w := checksum.NewWriter()
	w.Write(data[0:offSeq])               // magic, version, header_size
	w.Write(data[offRootNodeID:offCRC])    // root, epoch, generation, creation_time
	binary.LittleEndian.PutUint32(data[offCRC:offCRC+4], w.Sum32())
}

// Publish atomically commits root at epoch: bumps the seqlock to odd,
// writes the new fields and a fresh CRC, then bumps the seqlock to
// its next even value, flushes the mapping and fsyncs the containing
// directory so the publish survives a crash. Concurrent Publish calls
// are serialized; Load never blocks on a Publish in progress, it
// simply retries.
func (sb *Superblock) Publish(root nodeid.ID, epoch uint64) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	cur, err := sb.loadLocked()
	if err == nil && epoch <= cur.Epoch {
		return fmt.Errorf("superblock: non-monotonic epoch %d (current %d)", epoch, cur.Epoch)
	}

	seq := atomic.LoadUint64(sb.seqPtr())
	atomic.StoreUint64(sb.seqPtr(), seq+1) // odd: publish in progress

	data := sb.region.Bytes()
	binary.LittleEndian.PutUint64(data[offRootNodeID:offRootNodeID+8], root.Raw())
	binary.LittleEndian.PutUint64(data[offCommitEpoch:offCommitEpoch+8], epoch)
	generation := binary.LittleEndian.Uint64(data[offGeneration:offGeneration+8]) + 1
	binary.LittleEndian.PutUint64(data[offGeneration:offGeneration+8], generation)
	sb.writeCRC()

	atomic.StoreUint64(sb.seqPtr(), seq+2) // even: publish complete

	if err := sb.region.Sync(); err != nil {
		return fmt.Errorf("superblock: sync: %w", err)
	}
	if err := platform.FsyncDir(filepath.Dir(sb.file.Name())); err != nil {
		return fmt.Errorf("superblock: %w", err)
	}
	return nil
}

// Load reads the current (root, epoch, generation) using the seqlock
// read protocol: retry while the sequence is odd (a publish is in
// flight) or changes mid-read; return ErrAbsent if the magic or CRC
// check fails, since that is indistinguishable from "never written".
// Load does not take mu; the seqlock retry loop alone guards it
// against a concurrent Publish.
func (sb *Superblock) Load() (Snapshot, error) {
	return sb.loadLocked()
}

func (sb *Superblock) loadLocked() (Snapshot, error) {
	data := sb.region.Bytes()
	for attempt := 0; attempt < 10000; attempt++ {
		seq1 := atomic.LoadUint64(sb.seqPtr())
		if seq1%2 != 0 {
			runtime.Gosched()
			continue
		}

		var magic [8]byte
		copy(magic[:], data[offMagic:offMagic+8])
		if magic != magicValue {
			return Snapshot{}, ErrAbsent
		}

		root := binary.LittleEndian.Uint64(data[offRootNodeID : offRootNodeID+8])
		epoch := binary.LittleEndian.Uint64(data[offCommitEpoch : offCommitEpoch+8])
		generation := binary.LittleEndian.Uint64(data[offGeneration : offGeneration+8])
		storedCRC := binary.LittleEndian.Uint32(data[offCRC : offCRC+4])

		w := checksum.NewWriter()
		w.Write(data[0:offSeq])
		w.Write(data[offRootNodeID:offCRC])
		computed := w.Sum32()

		seq2 := atomic.LoadUint64(sb.seqPtr())
		if seq1 != seq2 {
			continue // torn by a concurrent publish; retry
		}
		if computed != storedCRC {
			return Snapshot{}, ErrAbsent
		}
		return Snapshot{Root: nodeid.FromRaw(root), Epoch: epoch, Generation: generation}, nil
	}
	return Snapshot{}, fmt.Errorf("superblock: load did not converge after repeated retries")
}

// Close unmaps and closes the superblock file.
func (sb *Superblock) Close() error {
	err := sb.region.Unmap()
	if cerr := sb.file.Close(); err == nil {
		err = cerr
	}
	return err
}
