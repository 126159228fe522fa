package store

import (
	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/manifest"
	"github.com/cuemby/xtreestore/pkg/metrics"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/cuemby/xtreestore/pkg/reclaim"
)

// SetRoot records id in the named-roots catalog with its MBR. The
// unnamed ("") root additionally becomes the store's current root,
// committed to the superblock by the next Commit. The manifest save
// is the linearization point for catalog updates.
func (s *Store) SetRoot(id nodeid.ID, epoch uint64, mbr manifest.MBR, name string) error {
	s.manMu.Lock()
	s.man.SetRoot(name, id.Raw(), mbr)
	err := s.saveManifestLocked()
	s.manMu.Unlock()
	if err != nil {
		return err
	}
	if name == "" {
		s.rootMu.Lock()
		s.root = id
		s.rootEpoch = epoch
		s.rootMu.Unlock()
	}
	return nil
}

// GetRoot resolves a named root. The empty name returns the current
// committed root.
func (s *Store) GetRoot(name string) (nodeid.ID, bool) {
	if name == "" {
		s.rootMu.Lock()
		defer s.rootMu.Unlock()
		return s.root, s.root.Valid()
	}
	s.manMu.Lock()
	defer s.manMu.Unlock()
	entry, ok := s.man.GetRoot(name)
	if !ok {
		return nodeid.Invalid, false
	}
	return nodeid.FromRaw(entry.RootNodeID), true
}

// Roots returns a copy of the named-roots catalog.
func (s *Store) Roots() []manifest.RootEntry {
	s.manMu.Lock()
	defer s.manMu.Unlock()
	out := make([]manifest.RootEntry, len(s.man.Roots))
	copy(out, s.man.Roots)
	return out
}

// Commit is the durability barrier: it publishes the current root at
// epoch to the superblock under the configured mode. STRICT fsyncs
// the WAL and every segment file before the superblock write;
// BALANCED coalesces concurrent commits into one fsync; EVENTUAL
// batches and skips the fsync, relying on eager checkpoints.
func (s *Store) Commit(epoch uint64) error {
	s.rootMu.Lock()
	root := s.root
	s.rootMu.Unlock()

	if s.policy.DurabilityMode == config.Strict {
		if err := s.segments.SyncAll(); err != nil {
			return err
		}
	}
	return s.coord.TryPublish(root, epoch)
}

// ReclaimOnce runs one epoch-gated reclaim pass, returning freed
// handles to the object table and their bytes to the segment bitmap.
func (s *Store) ReclaimOnce() (reclaim.Stats, error) {
	stats, err := s.reclaimer.ReclaimOnce()
	if err != nil {
		return stats, err
	}
	metrics.ReclaimedHandlesTotal.Add(float64(stats.HandlesReclaimed))
	metrics.ReclaimedBytesTotal.Add(float64(stats.BytesFreed))
	return stats, nil
}
