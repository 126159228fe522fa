// Package deltalog implements the write-ahead delta log: an append-
// only, crash-consistent record of object table mutations. Appends
// claim their offset with a single atomic fetch-add so concurrent
// writers never contend on a lock in the common case; preallocated
// chunks keep the file from needing frequent, serializing growth.
package deltalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cuemby/xtreestore/pkg/checksum"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/platform"
)

// DefaultPreallocChunk is the amount of file space reserved each time
// the log needs to grow, amortizing fallocate calls across many appends.
const DefaultPreallocChunk = 16 << 20 // 16MB

// ErrClosing is returned by Append once PrepareClose has been called:
// no new appends are admitted while the log drains in-flight writers
// ahead of rotation.
var ErrClosing = fmt.Errorf("deltalog: log is closing")

// Log is one append-only delta log segment file.
type Log struct {
	file          *os.File
	path          string
	preallocChunk int64

	endOffset atomic.Uint64 // next unclaimed byte offset; claimed via fetch-add
	capacity  atomic.Int64  // bytes currently fallocated in the file
	growMu    sync.Mutex    // serializes file growth only

	maxEpoch atomic.Uint64

	closing    atomic.Bool
	inFlight   sync.WaitGroup // appends that have claimed an offset but not yet written
}

// Open creates or reopens a delta log file at path, preallocating an
// initial chunk if it is new.
func Open(path string, preallocChunk int64) (*Log, error) {
	if preallocChunk <= 0 {
		preallocChunk = DefaultPreallocChunk
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deltalog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("deltalog: stat %s: %w", path, err)
	}
	l := &Log{
		file:          f,
		path:          path,
		preallocChunk: preallocChunk,
	}
	l.capacity.Store(info.Size())
	if info.Size() == 0 {
		if err := l.growBy(preallocChunk); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// Path returns the log file's path.
func (l *Log) Path() string {
	return l.path
}

// EndOffset returns the next unclaimed byte offset, i.e. how many
// bytes of this log have been appended so far.
func (l *Log) EndOffset() uint64 {
	return l.endOffset.Load()
}

// MaxEpoch returns the highest epoch observed across every delta
// appended so far.
func (l *Log) MaxEpoch() uint64 {
	return l.maxEpoch.Load()
}

func (l *Log) bumpMaxEpoch(epoch uint64) {
	for {
		cur := l.maxEpoch.Load()
		if epoch <= cur {
			return
		}
		if l.maxEpoch.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

func (l *Log) growBy(extra int64) error {
	l.growMu.Lock()
	defer l.growMu.Unlock()
	newCap := l.capacity.Load() + extra
	if err := platform.Fallocate(l.file, 0, newCap); err != nil {
		return fmt.Errorf("deltalog: grow %s: %w", l.path, err)
	}
	l.capacity.Store(newCap)
	return nil
}

// ensureCapacity grows the file until it covers through endOffset,
// retrying as needed since multiple appenders may race past capacity
// between the check and the grow.
func (l *Log) ensureCapacity(through uint64) error {
	for uint64(l.capacity.Load()) < through {
		step := l.preallocChunk
		if need := int64(through) - l.capacity.Load(); need > step {
			step = need
		}
		if err := l.growBy(step); err != nil {
			return err
		}
	}
	return nil
}

// claim reserves frameSize bytes starting at the returned offset via a
// single atomic fetch-add, then grows the file if the claim runs past
// currently preallocated capacity.
func (l *Log) claim(frameSize uint64) (uint64, error) {
	if l.closing.Load() {
		return 0, ErrClosing
	}
	l.inFlight.Add(1)
	offset := l.endOffset.Add(frameSize) - frameSize
	if err := l.ensureCapacity(offset + frameSize); err != nil {
		l.inFlight.Done()
		return 0, err
	}
	return offset, nil
}

// Append writes rec as a FrameTypeDelta frame and returns the byte
// offset it was written at.
func (l *Log) Append(rec otentry.Record) (uint64, error) {
	payload := make([]byte, otentry.RecordWireSize)
	rec.Encode(payload)
	return l.appendFrame(FrameTypeDelta, payload, rec)
}

// AppendWithPayload writes rec immediately followed by data as a
// FrameTypeDeltaPayload frame (EVENTUAL durability mode, where the
// object's bytes ride along in the WAL instead of only in the segment
// file). len(data) must equal rec.Length.
func (l *Log) AppendWithPayload(rec otentry.Record, data []byte) (uint64, error) {
	if uint32(len(data)) != rec.Length {
		return 0, fmt.Errorf("deltalog: payload length %d does not match record length %d", len(data), rec.Length)
	}
	payload := make([]byte, otentry.RecordWireSize+len(data))
	rec.Encode(payload[:otentry.RecordWireSize])
	copy(payload[otentry.RecordWireSize:], data)
	return l.appendFrame(FrameTypeDeltaPayload, payload, rec)
}

func (l *Log) appendFrame(frameType uint32, payload []byte, rec otentry.Record) (uint64, error) {
	frameSize := uint64(FrameHeaderSize + len(payload))
	offset, err := l.claim(frameSize)
	if err != nil {
		return 0, err
	}
	defer l.inFlight.Done()

	buf := make([]byte, frameSize)
	h := frameHeader{
		FrameType:   frameType,
		PayloadSize: uint32(len(payload)),
		PayloadCRC:  checksum.CRC32C(payload),
	}
	h.encode(buf[0:FrameHeaderSize])
	copy(buf[FrameHeaderSize:], payload)

	if _, err := platform.Pwrite(l.file, buf, int64(offset)); err != nil {
		return 0, fmt.Errorf("deltalog: write frame at %d: %w", offset, err)
	}

	if rec.BirthEpoch > 0 {
		l.bumpMaxEpoch(rec.BirthEpoch)
	}
	if rec.RetireEpoch != otentry.RetireEpochNone {
		l.bumpMaxEpoch(rec.RetireEpoch)
	}
	return offset, nil
}

// Sync flushes the log file's data and metadata to stable storage.
func (l *Log) Sync() error {
	return platform.FsyncFile(l.file)
}

// PrepareClose stops admitting new appends and blocks until every
// appender that had already claimed an offset has finished writing,
// so a subsequent Close/rotation sees a file with no in-flight tears
// at the tail beyond what a genuine crash could have produced.
func (l *Log) PrepareClose() {
	l.closing.Store(true)
	l.inFlight.Wait()
}

// Close syncs and closes the underlying file. Callers must call
// PrepareClose first when closing for rotation (as opposed to final
// shutdown) so no writer is left appending to a file about to be
// superseded in the manifest.
func (l *Log) Close() error {
	if err := l.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// NameFor returns the conventional delta log filename for a given
// monotonically increasing log sequence number.
func NameFor(seq uint64) string {
	return fmt.Sprintf("wal-%010d.log", seq)
}

// OpenInDir opens (or creates) the delta log with sequence number seq
// inside dir.
func OpenInDir(dir string, seq uint64, preallocChunk int64) (*Log, error) {
	return Open(filepath.Join(dir, NameFor(seq)), preallocChunk)
}
