/*
Package metrics provides Prometheus metrics for the persistence core:
checkpoint coordinator activity, object table occupancy, segment
allocator per-class usage, and recovery timing. Metrics are registered
at package init and exposed via an HTTP handler for scraping.

# Categories

Checkpoint / coordinator:

	xtree_checkpoints_written_total
	xtree_checkpoint_duration_seconds
	xtree_checkpoint_entries
	xtree_delta_log_rotations_total
	xtree_replay_bytes_since_checkpoint
	xtree_last_checkpoint_epoch
	xtree_group_commit_batch_size
	xtree_superblock_publishes_total

Recovery:

	xtree_recovery_duration_seconds
	xtree_recovery_replayed_frames

Object table:

	xtree_object_table_live_handles
	xtree_object_table_free_handles
	xtree_object_table_retired_handles
	xtree_reclaimed_handles_total
	xtree_reclaimed_bytes_total

Segment allocator (labeled by class_id):

	xtree_segment_live_bytes
	xtree_segment_dead_bytes
	xtree_segment_file_count

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	writeCheckpoint()
	timer.ObserveDuration(metrics.CheckpointDuration)
	metrics.CheckpointsWritten.Inc()

	metrics.SegmentLiveBytes.WithLabelValues("4").Set(float64(liveBytes))
*/
package metrics
