// Package config loads the store's durability and checkpoint policy
// from a YAML document and applies environment overrides on top
// (XTREE_INGEST_MODE, XTREE_CACHE_POLICY, XTREE_OT_SLAB_KB).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DurabilityMode selects how aggressively commits are made durable.
type DurabilityMode string

const (
	// Strict fsyncs the WAL on every publish and the superblock on
	// every commit.
	Strict DurabilityMode = "STRICT"
	// Balanced coalesces commit fsyncs within a group-commit window.
	Balanced DurabilityMode = "BALANCED"
	// Eventual skips commit fsyncs entirely and inlines small node
	// payloads into the WAL so recovery does not depend on segment
	// flushes having happened.
	Eventual DurabilityMode = "EVENTUAL"
)

// IngestMode escalates checkpoint thresholds during bulk loads.
type IngestMode string

const (
	IngestNormal IngestMode = "NORMAL"
	IngestHeavy  IngestMode = "HEAVY"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m"
// parse the way a human writes them.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for humane duration
// strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Policy is the checkpoint coordinator's full knob set, as described
// by the store's configuration surface.
type Policy struct {
	// MaxReplayBytes triggers a checkpoint once this many WAL bytes
	// have accumulated since the last one during active ingest.
	MaxReplayBytes uint64 `yaml:"max_replay_bytes"`
	// SteadyReplayBytes is the same trigger under steady (non-burst)
	// load.
	SteadyReplayBytes uint64 `yaml:"steady_replay_bytes"`
	// MaxAge triggers a checkpoint on elapsed time alone.
	MaxAge Duration `yaml:"max_age"`
	// QueryOnlyAge is the shorter age trigger used when no writes
	// have been observed since the last checkpoint.
	QueryOnlyAge Duration `yaml:"query_only_age"`
	// MinInterval is the minimum gap enforced between checkpoints.
	MinInterval Duration `yaml:"min_interval"`
	// RotateBytes closes and replaces the active delta log once it
	// reaches this size.
	RotateBytes uint64 `yaml:"rotate_bytes"`
	// RotateAge closes and replaces the active delta log on age.
	RotateAge Duration `yaml:"rotate_age"`
	// MaxPayloadInWAL is the cutoff above which node payloads go to
	// segment files only, never inline in the WAL.
	MaxPayloadInWAL uint32 `yaml:"max_payload_in_wal"`
	// DurabilityMode selects STRICT, BALANCED, or EVENTUAL.
	DurabilityMode DurabilityMode `yaml:"durability_mode"`
	// GroupCommitInterval is the coalescing window for BALANCED and
	// EVENTUAL commits.
	GroupCommitInterval Duration `yaml:"group_commit_interval"`
	// IngestMode HEAVY escalates every checkpoint threshold upward.
	IngestMode IngestMode `yaml:"ingest_mode"`
}

// Default returns the policy used when no configuration file is
// present.
func Default() Policy {
	return Policy{
		MaxReplayBytes:      256 << 20, // 256 MiB
		SteadyReplayBytes:   64 << 20,
		MaxAge:              Duration(5 * time.Minute),
		QueryOnlyAge:        Duration(30 * time.Second),
		MinInterval:         Duration(2 * time.Second),
		RotateBytes:         128 << 20,
		RotateAge:           Duration(10 * time.Minute),
		MaxPayloadInWAL:     4096,
		DurabilityMode:      Balanced,
		GroupCommitInterval: Duration(2 * time.Millisecond),
		IngestMode:          IngestNormal,
	}
}

// Load reads a YAML policy file, fills unset fields from Default, and
// applies environment overrides.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.ApplyEnv()
	return p, nil
}

// Validate rejects nonsensical policies before they reach the
// coordinator.
func (p *Policy) Validate() error {
	switch p.DurabilityMode {
	case Strict, Balanced, Eventual:
	default:
		return fmt.Errorf("config: unknown durability_mode %q", p.DurabilityMode)
	}
	switch p.IngestMode {
	case IngestNormal, IngestHeavy, "":
	default:
		return fmt.Errorf("config: unknown ingest_mode %q", p.IngestMode)
	}
	if p.MaxReplayBytes == 0 || p.RotateBytes == 0 {
		return fmt.Errorf("config: max_replay_bytes and rotate_bytes must be > 0")
	}
	if p.SteadyReplayBytes > p.MaxReplayBytes {
		return fmt.Errorf("config: steady_replay_bytes %d exceeds max_replay_bytes %d",
			p.SteadyReplayBytes, p.MaxReplayBytes)
	}
	return nil
}

// ApplyEnv overlays environment overrides. XTREE_INGEST_MODE=HEAVY
// escalates every checkpoint and rotation threshold upward so bulk
// loads are not throttled by checkpoint churn.
func (p *Policy) ApplyEnv() {
	if os.Getenv("XTREE_INGEST_MODE") == string(IngestHeavy) {
		p.IngestMode = IngestHeavy
	}
	if p.IngestMode == IngestHeavy {
		p.MaxReplayBytes *= 8
		p.SteadyReplayBytes *= 8
		p.RotateBytes *= 4
		p.MaxAge = Duration(time.Duration(p.MaxAge) * 4)
		p.QueryOnlyAge = Duration(time.Duration(p.QueryOnlyAge) * 4)
		p.RotateAge = Duration(time.Duration(p.RotateAge) * 4)
	}
}

// CachePolicy returns the XTREE_CACHE_POLICY value for the in-memory
// bucket cache, an external collaborator of this store. The store
// itself only transports the setting.
func CachePolicy() string {
	return os.Getenv("XTREE_CACHE_POLICY")
}

// Object table slab sizing. The slab size is overridable through
// XTREE_OT_SLAB_KB, bounded and rounded down to a power of two so the
// handle index always splits by shift and mask.
const (
	slabEnvVar = "XTREE_OT_SLAB_KB"

	minSlabKB = 64
	maxSlabKB = 65536

	// approximate in-memory footprint of one object table entry,
	// used to convert a slab byte budget into an entry count
	entryFootprintBytes = 64
)

// EntriesPerSlab returns the object table slab entry count, honoring
// the XTREE_OT_SLAB_KB override when present and valid. fallback is
// returned for an unset or malformed variable.
func EntriesPerSlab(fallback uint64) uint64 {
	raw := os.Getenv(slabEnvVar)
	if raw == "" {
		return fallback
	}
	kb, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	if kb < minSlabKB {
		kb = minSlabKB
	}
	if kb > maxSlabKB {
		kb = maxSlabKB
	}
	entries := kb * 1024 / entryFootprintBytes
	return floorPow2(entries)
}

func floorPow2(v uint64) uint64 {
	p := uint64(1)
	for p<<1 <= v {
		p <<= 1
	}
	return p
}
