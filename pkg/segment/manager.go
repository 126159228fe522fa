package segment

import (
	"fmt"
	"sync"
)

// Manager owns one Allocator per size class and lazily opens classes
// on first use, matching the original's "segments created lazily per
// size class" lifecycle.
type Manager struct {
	mu              sync.Mutex
	dir             string
	segmentCapacity uint64
	allocators      map[uint8]*Allocator
}

// NewManager creates a Manager rooted at dir. segmentCapacity of 0
// uses DefaultSegmentCapacity for every class.
func NewManager(dir string, segmentCapacity uint64) *Manager {
	return &Manager{
		dir:             dir,
		segmentCapacity: segmentCapacity,
		allocators:      make(map[uint8]*Allocator),
	}
}

// Class returns the allocator for classID, creating it on first use.
func (m *Manager) Class(classID uint8) (*Allocator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.allocators[classID]; ok {
		return a, nil
	}
	a, err := Open(m.dir, classID, m.segmentCapacity)
	if err != nil {
		return nil, fmt.Errorf("segment: open class %d: %w", classID, err)
	}
	m.allocators[classID] = a
	return a, nil
}

// AllStats returns a snapshot of every class's Stats opened so far,
// keyed by class id. It is the source for the segment allocator's
// per-class metrics gauges.
func (m *Manager) AllStats() map[uint8]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint8]Stats, len(m.allocators))
	for id, a := range m.allocators {
		out[id] = a.Stats()
	}
	return out
}

// SyncAll fsyncs every segment file across every class, the STRICT
// durability barrier's segment half.
func (m *Manager) SyncAll() error {
	m.mu.Lock()
	allocators := make([]*Allocator, 0, len(m.allocators))
	for _, a := range m.allocators {
		allocators = append(allocators, a)
	}
	m.mu.Unlock()
	for _, a := range allocators {
		if err := a.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every class's allocator.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, a := range m.allocators {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FragmentationRatio returns a class's dead/(dead+live) byte ratio,
// the signal an external compactor uses to pick compaction
// candidates. It is zero when the class has no allocations yet.
func (m *Manager) FragmentationRatio(classID uint8) float64 {
	m.mu.Lock()
	a, ok := m.allocators[classID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	s := a.Stats()
	total := s.LiveBytes + s.DeadBytes
	if total == 0 {
		return 0
	}
	return float64(s.DeadBytes) / float64(total)
}

// CompactionCandidate is a size class whose fragmentation has crossed
// the caller's threshold.
type CompactionCandidate struct {
	ClassID uint8
	Ratio   float64
}

// CompactionCandidates returns every opened class whose fragmentation
// ratio exceeds threshold, most-fragmented first. Compaction itself
// (copying live ranges to a fresh segment) is driven externally; this
// only identifies candidates.
func (m *Manager) CompactionCandidates(threshold float64) []CompactionCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CompactionCandidate
	for id, a := range m.allocators {
		s := a.Stats()
		total := s.LiveBytes + s.DeadBytes
		if total == 0 {
			continue
		}
		ratio := float64(s.DeadBytes) / float64(total)
		if ratio > threshold {
			out = append(out, CompactionCandidate{ClassID: id, Ratio: ratio})
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Ratio > out[i].Ratio {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
