// Package manifest implements the store's root JSON document: where
// the superblock lives, which checkpoint is current, the delta log
// inventory, the segment data files, and the catalog of named roots
// (each an MBR-tagged entry point into the tree). The manifest is the
// first thing recovery reads, and the last thing a checkpoint or
// rotation updates.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/cuemby/xtreestore/pkg/platform"
	"github.com/google/uuid"
)

// SchemaVersion is bumped whenever the manifest's JSON shape changes
// incompatibly.
const SchemaVersion = 1

// CheckpointInfo records which checkpoint is current and the delta
// log sequence recovery must resume replay from.
type CheckpointInfo struct {
	Path          string `json:"path"`
	Epoch         uint64 `json:"epoch"`
	EntryCount    uint64 `json:"entry_count"`
	ThroughLogSeq uint64 `json:"through_log_seq"`
}

// DeltaLogInfo describes one delta log file in the inventory.
type DeltaLogInfo struct {
	Path      string `json:"path"`
	Seq       uint64 `json:"seq"`
	Closed    bool   `json:"closed"`
	MaxEpoch  uint64 `json:"max_epoch"`
	SizeBytes uint64 `json:"size_bytes"`
}

// DataFileInfo describes one segment data file backing a size class.
type DataFileInfo struct {
	ClassID   uint8  `json:"class_id"`
	SegmentID uint32 `json:"segment_id"`
	Path      string `json:"path"`
}

// MBR is a minimum bounding rectangle over an arbitrary number of
// dimensions, used to describe a named root's spatial extent without
// requiring a reader to walk the tree.
type MBR struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// RootEntry is one named entry point into the tree.
type RootEntry struct {
	Name       string `json:"name"`
	RootNodeID uint64 `json:"root_node_id"`
	MBR        MBR    `json:"mbr"`
}

// Manifest is the store's root document.
type Manifest struct {
	SchemaVersion  int            `json:"schema_version"`
	StoreID        string         `json:"store_id"`
	SuperblockPath string         `json:"superblock_path"`
	Checkpoint     CheckpointInfo `json:"checkpoint"`
	DeltaLogs      []DeltaLogInfo `json:"delta_logs"`
	DataFiles      []DataFileInfo `json:"data_files"`
	Roots          []RootEntry    `json:"roots"`
}

// New creates a fresh manifest for a new store, stamping a random
// store instance id.
func New(superblockPath string) *Manifest {
	return &Manifest{
		SchemaVersion:  SchemaVersion,
		StoreID:        uuid.NewString(),
		SuperblockPath: superblockPath,
	}
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if m.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("manifest: schema version %d is newer than supported %d", m.SchemaVersion, SchemaVersion)
	}
	return &m, nil
}

// Save atomically publishes the manifest to path: marshal to JSON,
// write to a temp file in the same directory, fsync, rename over
// path, fsync the directory.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	return platform.AtomicReplace(path, data)
}

// AddDeltaLog registers a new delta log in the inventory.
func (m *Manifest) AddDeltaLog(info DeltaLogInfo) {
	m.DeltaLogs = append(m.DeltaLogs, info)
}

// CloseDeltaLog marks the delta log with the given sequence number
// closed (no further appends), recording its final size and max
// epoch so rotation and pruning can reason about it without reopening
// the file.
func (m *Manifest) CloseDeltaLog(seq uint64, maxEpoch, sizeBytes uint64) error {
	for i := range m.DeltaLogs {
		if m.DeltaLogs[i].Seq == seq {
			m.DeltaLogs[i].Closed = true
			m.DeltaLogs[i].MaxEpoch = maxEpoch
			m.DeltaLogs[i].SizeBytes = sizeBytes
			return nil
		}
	}
	return fmt.Errorf("manifest: no delta log with seq %d", seq)
}

// GetLogsAfterCheckpoint returns, in sequence order, every delta log
// recovery must replay after loading the current checkpoint: those
// with Seq >= Checkpoint.ThroughLogSeq.
func (m *Manifest) GetLogsAfterCheckpoint() []DeltaLogInfo {
	var out []DeltaLogInfo
	for _, l := range m.DeltaLogs {
		if l.Seq >= m.Checkpoint.ThroughLogSeq {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// PruneOldDeltaLogs removes, and returns, every closed delta log with
// a sequence number strictly below keepFromSeq: logs a checkpoint has
// made redundant. Callers are responsible for deleting the
// corresponding files after Save succeeds.
func (m *Manifest) PruneOldDeltaLogs(keepFromSeq uint64) []DeltaLogInfo {
	var pruned []DeltaLogInfo
	var kept []DeltaLogInfo
	for _, l := range m.DeltaLogs {
		if l.Closed && l.Seq < keepFromSeq {
			pruned = append(pruned, l)
		} else {
			kept = append(kept, l)
		}
	}
	m.DeltaLogs = kept
	return pruned
}

// SetRoot upserts a named root entry.
func (m *Manifest) SetRoot(name string, rootNodeID uint64, mbr MBR) {
	for i := range m.Roots {
		if m.Roots[i].Name == name {
			m.Roots[i].RootNodeID = rootNodeID
			m.Roots[i].MBR = mbr
			return
		}
	}
	m.Roots = append(m.Roots, RootEntry{Name: name, RootNodeID: rootNodeID, MBR: mbr})
}

// GetRoot looks up a named root entry.
func (m *Manifest) GetRoot(name string) (RootEntry, bool) {
	for _, r := range m.Roots {
		if r.Name == name {
			return r, true
		}
	}
	return RootEntry{}, false
}

// RegisterDataFile adds a segment data file to the inventory if it is
// not already present.
func (m *Manifest) RegisterDataFile(info DataFileInfo) {
	for _, f := range m.DataFiles {
		if f.ClassID == info.ClassID && f.SegmentID == info.SegmentID {
			return
		}
	}
	m.DataFiles = append(m.DataFiles, info)
}
