package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesDurationsAndMode(t *testing.T) {
	path := writePolicy(t, `
durability_mode: STRICT
max_age: 90s
query_only_age: 10s
min_interval: 500ms
rotate_age: 15m
group_commit_interval: 3ms
max_replay_bytes: 1048576
steady_replay_bytes: 524288
rotate_bytes: 2097152
max_payload_in_wal: 2048
`)
	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Strict, p.DurabilityMode)
	assert.Equal(t, 90*time.Second, p.MaxAge.Std())
	assert.Equal(t, 10*time.Second, p.QueryOnlyAge.Std())
	assert.Equal(t, 500*time.Millisecond, p.MinInterval.Std())
	assert.Equal(t, 15*time.Minute, p.RotateAge.Std())
	assert.Equal(t, 3*time.Millisecond, p.GroupCommitInterval.Std())
	assert.Equal(t, uint64(1048576), p.MaxReplayBytes)
	assert.Equal(t, uint32(2048), p.MaxPayloadInWAL)
}

func TestLoadFillsDefaultsForUnsetFields(t *testing.T) {
	path := writePolicy(t, `durability_mode: EVENTUAL`)
	p, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, Eventual, p.DurabilityMode)
	assert.Equal(t, def.MaxReplayBytes, p.MaxReplayBytes)
	assert.Equal(t, def.RotateBytes, p.RotateBytes)
	assert.Equal(t, def.MaxAge, p.MaxAge)
}

func TestLoadRejectsBadDurabilityMode(t *testing.T) {
	path := writePolicy(t, `durability_mode: SOMETIMES`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writePolicy(t, `max_age: yesterday`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsInvertedReplayBounds(t *testing.T) {
	p := Default()
	p.SteadyReplayBytes = p.MaxReplayBytes + 1
	assert.Error(t, p.Validate())
}

func TestHeavyIngestEscalatesThresholds(t *testing.T) {
	t.Setenv("XTREE_INGEST_MODE", "HEAVY")

	p := Default()
	base := Default()
	p.ApplyEnv()

	assert.Equal(t, IngestHeavy, p.IngestMode)
	assert.Equal(t, base.MaxReplayBytes*8, p.MaxReplayBytes)
	assert.Equal(t, base.SteadyReplayBytes*8, p.SteadyReplayBytes)
	assert.Equal(t, base.RotateBytes*4, p.RotateBytes)
	assert.Equal(t, base.MaxAge.Std()*4, p.MaxAge.Std())
}

func TestEntriesPerSlabEnvOverride(t *testing.T) {
	t.Setenv("XTREE_OT_SLAB_KB", "256")
	// 256 KB / 64 B per entry = 4096 entries, already a power of two.
	assert.Equal(t, uint64(4096), EntriesPerSlab(1024))
}

func TestEntriesPerSlabClampsAndRounds(t *testing.T) {
	t.Setenv("XTREE_OT_SLAB_KB", "1") // below the floor, clamped to 64 KB
	assert.Equal(t, uint64(1024), EntriesPerSlab(99))

	t.Setenv("XTREE_OT_SLAB_KB", "1000000") // above the ceiling
	assert.Equal(t, uint64(1048576), EntriesPerSlab(99))

	t.Setenv("XTREE_OT_SLAB_KB", "banana")
	assert.Equal(t, uint64(99), EntriesPerSlab(99))

	t.Setenv("XTREE_OT_SLAB_KB", "")
	assert.Equal(t, uint64(99), EntriesPerSlab(99))
}

func TestCachePolicyPassthrough(t *testing.T) {
	t.Setenv("XTREE_CACHE_POLICY", "lru2q")
	assert.Equal(t, "lru2q", CachePolicy())
}
