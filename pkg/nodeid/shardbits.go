package nodeid

// Sharded object tables split the 48-bit handle index into a shard
// selector and a per-shard local index, so the shard a handle belongs
// to can be recovered from the handle alone without a lookup.
//
//	bit 47                 bit 42 41                bit 0
//	┌───────────────────────┬───────────────────────────┐
//	│      shard_id (6)     │         local (42)        │
//	└───────────────────────┴───────────────────────────┘
const (
	ShardBits     = 6
	LocalBits     = handleBits - ShardBits // 42
	MaxShards     = uint64(1) << ShardBits
	localIndexMax = (uint64(1) << LocalBits) - 1
)

// MakeGlobalHandleIndex packs a shard id and a per-shard local index
// into a single 48-bit handle index.
func MakeGlobalHandleIndex(shardID uint64, local uint64) uint64 {
	return (shardID << LocalBits) | (local & localIndexMax)
}

// ShardFromHandleIndex extracts the shard id from a handle index.
func ShardFromHandleIndex(handleIndex uint64) uint64 {
	return handleIndex >> LocalBits
}

// LocalFromHandleIndex extracts the per-shard local index from a
// handle index.
func LocalFromHandleIndex(handleIndex uint64) uint64 {
	return handleIndex & localIndexMax
}
