// Package store is the persistence core's public surface: it wires
// the segment allocator, object table, delta log, checkpoint,
// manifest, superblock, MVCC context, reclaimer and checkpoint
// coordinator into one handle-based object store with explicit
// durability modes.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/xtreestore/pkg/checkpoint"
	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/coordinator"
	"github.com/cuemby/xtreestore/pkg/deltalog"
	"github.com/cuemby/xtreestore/pkg/log"
	"github.com/cuemby/xtreestore/pkg/manifest"
	"github.com/cuemby/xtreestore/pkg/metrics"
	"github.com/cuemby/xtreestore/pkg/mvcc"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/objecttable"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/reclaim"
	"github.com/cuemby/xtreestore/pkg/recovery"
	"github.com/cuemby/xtreestore/pkg/segment"
	"github.com/cuemby/xtreestore/pkg/superblock"
	"github.com/rs/zerolog"
)

const (
	manifestName   = "manifest.json"
	superblockName = "superblock.xtb"
)

var (
	// ErrNotPresent is the normal outcome of reading a NodeID whose
	// handle was retired and reused, or that was never published.
	ErrNotPresent = errors.New("store: node not present")
	// ErrTooLarge is returned for allocations above the largest size
	// class.
	ErrTooLarge = errors.New("store: allocation exceeds largest size class")
	// ErrCapacityExceeded is returned by publish when the payload is
	// larger than the reserved allocation.
	ErrCapacityExceeded = errors.New("store: payload exceeds reserved capacity")
)

// Table is the object table surface the store drives; both
// objecttable.Table and objecttable.Sharded satisfy it.
type Table interface {
	Allocate(kind nodeid.Kind, classID uint8, addr otentry.Addr) (nodeid.ID, error)
	MarkLiveReserve(id nodeid.ID) (nodeid.ID, error)
	MarkLiveCommit(id nodeid.ID, birthEpoch uint64) error
	AbortReservation(id nodeid.ID) error
	Retire(id nodeid.ID, retireEpoch uint64) error
	TryGet(id nodeid.ID) (otentry.Entry, bool)
	IsValid(id nodeid.ID) bool
	ReclaimBeforeEpoch(safeEpoch uint64) []objecttable.ReclaimedHandle
	BeginRecovery()
	EndRecovery()
	ApplyDeltaRecord(rec otentry.Record) error
	RestoreHandle(handleIdx uint64, rec otentry.Record) error
	IterateLiveSnapshot(fn func(handleIdx uint64, rec otentry.Record))
	Stats() objecttable.Stats
}

// Options configures Open.
type Options struct {
	// Policy is the durability and checkpoint policy. The zero value
	// means config.Default().
	Policy *config.Policy
	// Shards > 1 uses an ObjectTableSharded with that many shards.
	Shards int
	// SegmentCapacity overrides the per-segment file size; 0 uses
	// segment.DefaultSegmentCapacity.
	SegmentCapacity uint64
	// NoCoordinator leaves the background coordinator stopped, for
	// tests and offline tooling that drive maintenance explicitly.
	NoCoordinator bool
	// OnError and OnMetrics are forwarded to the coordinator.
	OnError   func(error)
	OnMetrics func(coordinator.Stats)
}

// Store is one open persistence core instance rooted at a directory.
type Store struct {
	dir    string
	policy config.Policy
	logger zerolog.Logger

	table    Table
	segments *segment.Manager
	mvccCtx  *mvcc.Context
	sb       *superblock.Superblock
	coord    *coordinator.Coordinator
	reclaimer *reclaim.Reclaimer

	wal    atomic.Pointer[deltalog.Log]
	walSeq atomic.Uint64

	manMu    sync.Mutex
	man      *manifest.Manifest
	manPath  string
	ckptPath string // current checkpoint file, deleted after replacement

	rootMu    sync.Mutex
	root      nodeid.ID
	rootEpoch uint64

	bytesSinceCkpt atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open recovers (or initializes) the store rooted at dir and starts
// its background coordinator.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	policy := config.Default()
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	entriesPerSlab := config.EntriesPerSlab(objecttable.DefaultEntriesPerSlab)
	var table Table
	if opts.Shards > 1 {
		sharded, err := objecttable.NewSharded(opts.Shards, entriesPerSlab)
		if err != nil {
			return nil, err
		}
		table = sharded
	} else {
		table = objecttable.New(entriesPerSlab)
	}

	s := &Store{
		dir:      dir,
		policy:   policy,
		logger:   log.WithComponent("store"),
		table:    table,
		segments: segment.NewManager(dir, opts.SegmentCapacity),
		manPath:  filepath.Join(dir, manifestName),
		root:     nodeid.Invalid,
	}

	timer := metrics.NewTimer()
	res, err := recovery.Recover(s.manPath, table, s.segments, recovery.Options{})
	if err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.RecoveryDuration)
	metrics.RecoveryReplayedFrames.Set(float64(res.FramesReplayed))

	s.man = res.Manifest
	s.ckptPath = s.man.Checkpoint.Path
	if res.ManifestAbsent {
		s.man.SuperblockPath = filepath.Join(dir, superblockName)
	}
	s.mvccCtx = mvcc.NewContext(res.HighWaterEpoch)
	s.reclaimer = reclaim.New(table, s.segments, s.mvccCtx)

	if err := s.openSuperblock(); err != nil {
		return nil, err
	}
	s.adoptRoot(res)

	if err := s.openActiveLog(); err != nil {
		s.sb.Close()
		return nil, err
	}
	if err := s.saveManifestLocked(); err != nil {
		s.sb.Close()
		return nil, err
	}

	s.coord = coordinator.New(s, policy, coordinator.Options{
		OnError:   opts.OnError,
		OnMetrics: opts.OnMetrics,
	})
	if !opts.NoCoordinator {
		s.coord.Start()
	}

	s.logger.Info().
		Str("dir", dir).
		Int("checkpoint_entries", res.CheckpointEntries).
		Int("frames_replayed", res.FramesReplayed).
		Uint64("epoch", res.HighWaterEpoch).
		Bool("superblock_valid", res.SuperblockValid).
		Msg("Store opened")
	return s, nil
}

func (s *Store) openSuperblock() error {
	path := s.man.SuperblockPath
	if _, err := os.Stat(path); err == nil {
		sb, err := superblock.Open(path)
		if err == nil {
			s.sb = sb
			return nil
		}
		s.logger.Warn().Err(err).Msg("Superblock unreadable, recreating")
	}
	sb, err := superblock.Create(path)
	if err != nil {
		return err
	}
	s.sb = sb
	return nil
}

// adoptRoot seeds the in-memory committed root from what recovery
// found: the superblock when it validated, the manifest's default
// root entry otherwise.
func (s *Store) adoptRoot(res recovery.Result) {
	if res.SuperblockValid {
		s.root = res.Root
		s.rootEpoch = res.RootEpoch
		return
	}
	for _, r := range res.Roots {
		if r.Name == "" {
			s.root = nodeid.FromRaw(r.RootNodeID)
			return
		}
	}
}

// openActiveLog opens a fresh delta log one past the highest known
// sequence. Reopened stores never append to a prior log: recovery may
// have truncated its tail, and its preallocated zero region makes its
// true end offset unknowable without a second replay, so rotation on
// open is both simpler and safer.
func (s *Store) openActiveLog() error {
	var maxSeq uint64
	for i := range s.man.DeltaLogs {
		e := &s.man.DeltaLogs[i]
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		if !e.Closed {
			// Stale active entry from before the crash/shutdown;
			// finalize it with what is known post-replay.
			var size uint64
			if info, err := os.Stat(e.Path); err == nil {
				size = uint64(info.Size())
			}
			e.Closed = true
			e.SizeBytes = size
		}
	}
	seq := maxSeq + 1
	l, err := deltalog.OpenInDir(s.dir, seq, 0)
	if err != nil {
		return err
	}
	s.wal.Store(l)
	s.walSeq.Store(seq)
	s.man.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: seq})
	return nil
}

func (s *Store) saveManifestLocked() error {
	return s.man.Save(s.manPath)
}

// appendDelta appends one WAL frame, retrying across a concurrent log
// rotation. payload non-nil selects the delta-with-payload frame type.
func (s *Store) appendDelta(rec otentry.Record, payload []byte) error {
	for {
		l := s.wal.Load()
		var err error
		if payload != nil {
			_, err = l.AppendWithPayload(rec, payload)
		} else {
			_, err = l.Append(rec)
		}
		if errors.Is(err, deltalog.ErrClosing) {
			// The coordinator is mid-rotation; the fresh log appears
			// in s.wal momentarily.
			time.Sleep(50 * time.Microsecond)
			continue
		}
		if err != nil {
			return err
		}
		size := uint64(deltalog.FrameHeaderSize + otentry.RecordWireSize + len(payload))
		s.bytesSinceCkpt.Add(size)
		metrics.ReplayBytesSinceCheckpoint.Add(float64(size))
		return nil
	}
}

// MVCC returns the store's epoch context, which the tree layer uses
// to open reader snapshots.
func (s *Store) MVCC() *mvcc.Context {
	return s.mvccCtx
}

// Coordinator returns the background coordinator, e.g. to request an
// explicit checkpoint after bulk ingest.
func (s *Store) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// TableStats returns object table occupancy counters.
func (s *Store) TableStats() objecttable.Stats {
	return s.table.Stats()
}

// SegmentStats returns per-class segment allocator occupancy.
func (s *Store) SegmentStats() map[uint8]segment.Stats {
	return s.segments.AllStats()
}

// Close stops the coordinator, finalizes the active delta log in the
// manifest, and releases every file handle and mapping.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.coord.Stop()

		l := s.wal.Load()
		err := l.Close()

		s.manMu.Lock()
		if mErr := s.man.CloseDeltaLog(s.walSeq.Load(), l.MaxEpoch(), l.EndOffset()); mErr == nil {
			if sErr := s.saveManifestLocked(); sErr != nil && err == nil {
				err = sErr
			}
		}
		s.manMu.Unlock()

		if sbErr := s.sb.Close(); sbErr != nil && err == nil {
			err = sbErr
		}
		if segErr := s.segments.Close(); segErr != nil && err == nil {
			err = segErr
		}
		s.closeErr = err
		s.logger.Info().Str("dir", s.dir).Msg("Store closed")
	})
	return s.closeErr
}

// The store is the coordinator's Target.

// WriteCheckpoint snapshots every LIVE handle at the current epoch,
// atomically publishes the new checkpoint file, repoints the manifest
// and prunes delta logs the checkpoint subsumes.
func (s *Store) WriteCheckpoint() (coordinator.CheckpointResult, error) {
	epoch := s.mvccCtx.CurrentEpoch()
	var entries []checkpoint.Entry
	s.table.IterateLiveSnapshot(func(handleIdx uint64, rec otentry.Record) {
		entries = append(entries, checkpoint.Entry{HandleIdx: handleIdx, Record: rec})
	})

	path := filepath.Join(s.dir, fmt.Sprintf("checkpoint-%020d.ckpt", epoch))
	if err := checkpoint.Write(path, epoch, entries); err != nil {
		return coordinator.CheckpointResult{}, err
	}
	replayBytes := s.bytesSinceCkpt.Swap(0)

	s.manMu.Lock()
	old := s.ckptPath
	activeSeq := s.walSeq.Load()
	s.man.Checkpoint = manifest.CheckpointInfo{
		Path:          path,
		Epoch:         epoch,
		EntryCount:    uint64(len(entries)),
		ThroughLogSeq: activeSeq,
	}
	pruned := s.man.PruneOldDeltaLogs(activeSeq)
	err := s.saveManifestLocked()
	if err == nil {
		s.ckptPath = path
	}
	s.manMu.Unlock()
	if err != nil {
		os.Remove(path)
		return coordinator.CheckpointResult{}, err
	}

	// The manifest rename was the linearization point; the files it
	// no longer names can go.
	if old != "" && old != path {
		os.Remove(old)
	}
	for _, p := range pruned {
		os.Remove(p.Path)
	}

	s.publishOccupancyMetrics()
	return coordinator.CheckpointResult{
		Epoch:       epoch,
		EntryCount:  len(entries),
		ReplayBytes: replayBytes,
	}, nil
}

// RotateActiveLog swaps in a fresh delta log: the old log stops
// admitting appends, drains, closes, and the manifest records the
// handover.
func (s *Store) RotateActiveLog() error {
	old := s.wal.Load()
	oldSeq := s.walSeq.Load()
	newSeq := oldSeq + 1

	old.PrepareClose()
	if err := old.Close(); err != nil {
		return err
	}
	l, err := deltalog.OpenInDir(s.dir, newSeq, 0)
	if err != nil {
		return err
	}
	s.wal.Store(l)
	s.walSeq.Store(newSeq)

	s.manMu.Lock()
	defer s.manMu.Unlock()
	if err := s.man.CloseDeltaLog(oldSeq, old.MaxEpoch(), old.EndOffset()); err != nil {
		return err
	}
	s.man.AddDeltaLog(manifest.DeltaLogInfo{Path: l.Path(), Seq: newSeq})
	return s.saveManifestLocked()
}

// PublishSuperblock durably installs (root, epoch) as the committed
// snapshot and mirrors it into the in-memory root.
func (s *Store) PublishSuperblock(root nodeid.ID, epoch uint64) error {
	if err := s.sb.Publish(root, epoch); err != nil {
		return err
	}
	s.rootMu.Lock()
	if epoch > s.rootEpoch {
		s.root = root
		s.rootEpoch = epoch
	}
	s.rootMu.Unlock()
	return nil
}

// SyncWAL fsyncs the active delta log.
func (s *Store) SyncWAL() error {
	return s.wal.Load().Sync()
}

// BytesSinceCheckpoint reports WAL growth since the last checkpoint.
func (s *Store) BytesSinceCheckpoint() uint64 {
	return s.bytesSinceCkpt.Load()
}

// ActiveLogSize reports the active delta log's end offset.
func (s *Store) ActiveLogSize() uint64 {
	return s.wal.Load().EndOffset()
}

func (s *Store) publishOccupancyMetrics() {
	st := s.table.Stats()
	live := st.TotalAllocations - st.TotalRetires
	metrics.ObjectTableLiveHandles.Set(float64(live))
	metrics.ObjectTableFreeHandles.Set(float64(st.FreeHandles))
	metrics.ObjectTableRetiredHandles.Set(float64(st.RetiredHandles))
	for classID, cs := range s.segments.AllStats() {
		label := fmt.Sprintf("%d", classID)
		metrics.SegmentLiveBytes.WithLabelValues(label).Set(float64(cs.LiveBytes))
		metrics.SegmentDeadBytes.WithLabelValues(label).Set(float64(cs.DeadBytes))
		metrics.SegmentCount.WithLabelValues(label).Set(float64(cs.SegmentCount))
	}
}
