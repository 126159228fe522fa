// Package recovery implements the store's cold-start sequence:
// load the manifest, restore the latest checkpoint, replay every
// delta log written after it, then load the superblock (falling back
// to the manifest's roots catalog when the superblock is absent or
// corrupt). The object table is driven through its recovery mode for
// the duration so every handle lands at its exact original index
// instead of being reissued through the normal allocator path.
package recovery

import (
	"fmt"

	"github.com/cuemby/xtreestore/pkg/checkpoint"
	"github.com/cuemby/xtreestore/pkg/deltalog"
	"github.com/cuemby/xtreestore/pkg/manifest"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/otentry"
	"github.com/cuemby/xtreestore/pkg/segment"
	"github.com/cuemby/xtreestore/pkg/superblock"
)

// ObjectTable is the subset of objecttable.Table/Sharded recovery
// needs: checkpoint restoration, WAL delta replay, and the
// recovery-mode lifecycle bracketing both.
type ObjectTable interface {
	checkpoint.Restorer
	BeginRecovery()
	EndRecovery()
	ApplyDeltaRecord(rec otentry.Record) error
}

// Options controls how Recover behaves.
type Options struct {
	// ReadOnly skips WAL replay (step 3), accepting whatever the last
	// checkpoint captured. A caller that only needs a fast, slightly
	// stale read-only snapshot sets this instead of paying for a full
	// replay before it can serve anything.
	ReadOnly bool
}

// Result summarizes what cold start found.
type Result struct {
	Manifest *manifest.Manifest

	ManifestAbsent    bool
	CheckpointEntries int
	FramesReplayed    int
	PayloadsRehydrated int
	TornLogs          []string // logs whose tail was truncated after a torn-frame replay

	// SuperblockValid is true when the superblock loaded and verified
	// cleanly; Root/Epoch are then the authoritative committed root.
	// When false, the caller falls back to Roots, the manifest's
	// named-roots catalog.
	SuperblockValid bool
	Root            nodeid.ID
	RootEpoch       uint64
	Roots           []manifest.RootEntry

	// HighWaterEpoch is the highest epoch observed across the
	// checkpoint, WAL replay and superblock: a caller constructs its
	// mvcc.Context from this so newly issued epochs never collide
	// with anything already durable.
	HighWaterEpoch uint64
}

// Recover runs the cold-start sequence against an already-constructed,
// empty table. segments is used only to rehydrate EVENTUAL-mode
// payloads that rode along in the WAL instead of (or ahead of) their
// segment-file write.
func Recover(manifestPath string, table ObjectTable, segments *segment.Manager, opts Options) (Result, error) {
	var result Result

	m, err := manifest.Load(manifestPath)
	if err != nil {
		// Step 1: absent or corrupt manifest proceeds with empty state
		// rather than failing cold start outright.
		result.ManifestAbsent = true
		m = manifest.New("")
	}
	result.Manifest = m

	table.BeginRecovery()

	if m.Checkpoint.Path != "" {
		n, epoch, err := restoreCheckpoint(m.Checkpoint.Path, table)
		if err == nil {
			result.CheckpointEntries = n
			bumpEpoch(&result.HighWaterEpoch, epoch)
		}
		// A checkpoint that fails to open or validate is treated like
		// no checkpoint at all: WAL replay from the oldest retained
		// log still reconstructs a consistent table, just more slowly.
	}

	if !opts.ReadOnly {
		for _, logInfo := range m.GetLogsAfterCheckpoint() {
			frames, rehydrated, maxEpoch, torn, err := replayLog(logInfo.Path, table, segments)
			if err != nil {
				return result, fmt.Errorf("recovery: replay %s: %w", logInfo.Path, err)
			}
			result.FramesReplayed += frames
			result.PayloadsRehydrated += rehydrated
			bumpEpoch(&result.HighWaterEpoch, maxEpoch)
			if torn {
				result.TornLogs = append(result.TornLogs, logInfo.Path)
			}
		}
	}

	table.EndRecovery()

	if m.SuperblockPath != "" {
		if sb, err := superblock.Open(m.SuperblockPath); err == nil {
			snap, loadErr := sb.Load()
			sb.Close()
			if loadErr == nil {
				result.SuperblockValid = true
				result.Root = snap.Root
				result.RootEpoch = snap.Epoch
				bumpEpoch(&result.HighWaterEpoch, snap.Epoch)
			}
		}
	}
	if !result.SuperblockValid {
		result.Roots = m.Roots
	}

	return result, nil
}

func bumpEpoch(cur *uint64, candidate uint64) {
	if candidate > *cur {
		*cur = candidate
	}
}

// restoreCheckpoint mmaps the checkpoint at path read-only and
// restores every entry into table without materializing the whole
// file in heap memory first.
func restoreCheckpoint(path string, table ObjectTable) (entries int, epoch uint64, err error) {
	ms, err := checkpoint.OpenMapped(path)
	if err != nil {
		return 0, 0, err
	}
	defer ms.Close()

	if err := ms.Restore(table); err != nil {
		return 0, 0, err
	}
	return int(ms.EntryCount()), ms.Epoch(), nil
}

// replayLog replays a single delta log in file order, applying every
// well-formed frame to table and rehydrating EVENTUAL-mode inline
// payloads back into the segment allocator. A torn tail frame is
// truncated away so the log is clean for future appends once recovery
// hands it back to the coordinator.
func replayLog(path string, table ObjectTable, segments *segment.Manager) (frames, rehydrated int, maxEpoch uint64, torn bool, err error) {
	result, err := deltalog.Replay(path)
	if err != nil {
		return 0, 0, 0, false, err
	}

	for _, frame := range result.Frames {
		if frame.Record.HandleIdx == 0 {
			// Handle 0 is reserved system-wide; a WAL that names it is
			// adversarial or corrupt. Skip the record rather than let
			// it reach the table or the free list.
			continue
		}
		if err := table.ApplyDeltaRecord(frame.Record); err != nil {
			return frames, rehydrated, maxEpoch, result.TornTail, fmt.Errorf("apply delta at offset %d: %w", frame.Offset, err)
		}
		frames++
		if frame.Record.BirthEpoch > maxEpoch {
			maxEpoch = frame.Record.BirthEpoch
		}
		if frame.Record.RetireEpoch != otentry.RetireEpochNone && frame.Record.RetireEpoch > maxEpoch {
			maxEpoch = frame.Record.RetireEpoch
		}

		if frame.Payload != nil && segments != nil {
			if err := rehydratePayload(segments, frame.Record, frame.Payload); err != nil {
				return frames, rehydrated, maxEpoch, result.TornTail, fmt.Errorf("rehydrate payload at offset %d: %w", frame.Offset, err)
			}
			rehydrated++
		}
	}

	if result.TornTail {
		if err := deltalog.TruncateToLastGood(path, result.LastGoodOffset); err != nil {
			return frames, rehydrated, maxEpoch, true, err
		}
	}
	return frames, rehydrated, maxEpoch, result.TornTail, nil
}

// rehydratePayload writes an EVENTUAL-mode inline WAL payload back to
// its segment address, covering the case where the process crashed
// after the WAL append but before the deferred segment-file write.
func rehydratePayload(segments *segment.Manager, rec otentry.Record, payload []byte) error {
	alloc, err := segments.Class(rec.ClassID)
	if err != nil {
		return err
	}
	addr := segment.Addr{FileID: rec.FileID, SegmentID: rec.SegmentID, Offset: rec.Offset, Length: rec.Length}
	return alloc.Write(addr, payload)
}
