package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Checkpoint coordinator metrics
	CheckpointsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xtree_checkpoints_written_total",
			Help: "Total number of checkpoints written by the coordinator",
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xtree_checkpoint_duration_seconds",
			Help:    "Time taken to write a checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_checkpoint_entries",
			Help: "Number of live entries captured in the last checkpoint",
		},
	)

	DeltaLogRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xtree_delta_log_rotations_total",
			Help: "Total number of delta log rotations performed",
		},
	)

	ReplayBytesSinceCheckpoint = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_replay_bytes_since_checkpoint",
			Help: "Bytes appended to delta logs since the last checkpoint",
		},
	)

	LastCheckpointEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_last_checkpoint_epoch",
			Help: "Epoch captured by the most recent checkpoint",
		},
	)

	GroupCommitBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xtree_group_commit_batch_size",
			Help:    "Number of publish calls (leader plus followers) coalesced into a single superblock publish",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	SuperblockPublishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xtree_superblock_publishes_total",
			Help: "Total number of superblock publish operations",
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xtree_recovery_duration_seconds",
			Help:    "Time taken for cold-start recovery",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryReplayedFrames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_recovery_replayed_frames",
			Help: "Number of delta frames replayed during the last recovery",
		},
	)

	// Object table metrics
	ObjectTableLiveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_object_table_live_handles",
			Help: "Number of LIVE handles in the object table",
		},
	)

	ObjectTableFreeHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_object_table_free_handles",
			Help: "Number of FREE handles available for reuse",
		},
	)

	ObjectTableRetiredHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xtree_object_table_retired_handles",
			Help: "Number of RETIRED handles awaiting reclaim",
		},
	)

	ReclaimedHandlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xtree_reclaimed_handles_total",
			Help: "Total number of handles returned to FREE by the reclaimer",
		},
	)

	ReclaimedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xtree_reclaimed_bytes_total",
			Help: "Total number of segment bytes returned to the free bitmap",
		},
	)

	// Segment allocator metrics, keyed by size class
	SegmentLiveBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xtree_segment_live_bytes",
			Help: "Live bytes per allocator size class",
		},
		[]string{"class_id"},
	)

	SegmentDeadBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xtree_segment_dead_bytes",
			Help: "Dead (reclaimed but unpunched) bytes per allocator size class",
		},
		[]string{"class_id"},
	)

	SegmentCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xtree_segment_file_count",
			Help: "Number of segment files per allocator size class",
		},
		[]string{"class_id"},
	)
)

func init() {
	// Register coordinator/checkpoint/recovery metrics
	prometheus.MustRegister(CheckpointsWritten)
	prometheus.MustRegister(CheckpointDuration)
	prometheus.MustRegister(CheckpointEntries)
	prometheus.MustRegister(DeltaLogRotations)
	prometheus.MustRegister(ReplayBytesSinceCheckpoint)
	prometheus.MustRegister(LastCheckpointEpoch)
	prometheus.MustRegister(GroupCommitBatchSize)
	prometheus.MustRegister(SuperblockPublishes)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(RecoveryReplayedFrames)

	// Register object table occupancy metrics
	prometheus.MustRegister(ObjectTableLiveHandles)
	prometheus.MustRegister(ObjectTableFreeHandles)
	prometheus.MustRegister(ObjectTableRetiredHandles)
	prometheus.MustRegister(ReclaimedHandlesTotal)
	prometheus.MustRegister(ReclaimedBytesTotal)

	// Register segment allocator metrics
	prometheus.MustRegister(SegmentLiveBytes)
	prometheus.MustRegister(SegmentDeadBytes)
	prometheus.MustRegister(SegmentCount)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
