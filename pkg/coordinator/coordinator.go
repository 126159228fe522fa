// Package coordinator runs the store's background maintenance thread:
// it triggers checkpoints when the WAL has grown or aged past policy
// bounds, rotates the active delta log, and funnels superblock
// publishes through a group-commit path so write storms do not pay
// one fsync per commit.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/log"
	"github.com/cuemby/xtreestore/pkg/metrics"
	"github.com/cuemby/xtreestore/pkg/nodeid"
	"github.com/rs/zerolog"
)

// CheckpointResult reports what a checkpoint pass captured.
type CheckpointResult struct {
	Epoch      uint64
	EntryCount int
	// ReplayBytes is the WAL byte count the checkpoint subsumed.
	ReplayBytes uint64
}

// Target is the store surface the coordinator drives. The store
// implements it; the indirection keeps this package free of a
// dependency on the store's concrete type.
type Target interface {
	// WriteCheckpoint snapshots all LIVE handles to a new checkpoint
	// file, repoints the manifest, and prunes subsumed delta logs.
	WriteCheckpoint() (CheckpointResult, error)
	// RotateActiveLog closes the active delta log and swaps in a
	// fresh one: prepare_close, drain, close, open, swap, manifest.
	RotateActiveLog() error
	// PublishSuperblock durably installs (root, epoch) as the
	// committed snapshot.
	PublishSuperblock(root nodeid.ID, epoch uint64) error
	// SyncWAL fsyncs the active delta log.
	SyncWAL() error
	// BytesSinceCheckpoint reports WAL bytes appended since the last
	// checkpoint.
	BytesSinceCheckpoint() uint64
	// ActiveLogSize reports the active delta log's current end offset.
	ActiveLogSize() uint64
}

// Stats is the coordinator's cumulative activity summary, delivered
// through the metrics callback after every checkpoint or rotation.
type Stats struct {
	CheckpointsWritten  uint64
	Rotations           uint64
	LastReplayBytes     uint64
	LastCheckpointEpoch uint64
	GroupPublishes      uint64
}

// Options carries the optional callbacks and tuning knobs.
type Options struct {
	// OnMetrics, when set, receives a Stats snapshot after each
	// checkpoint or rotation.
	OnMetrics func(Stats)
	// OnError, when set, receives every background failure. Errors
	// are also logged either way; the loop keeps running.
	OnError func(error)
	// PollInterval overrides how often the trigger conditions are
	// evaluated. Zero means the default.
	PollInterval time.Duration
}

const defaultPollInterval = 100 * time.Millisecond

// Coordinator is the background maintenance thread. Construct with
// New, then Start; Stop waits for the loop to exit.
type Coordinator struct {
	target Target
	policy config.Policy
	opts   Options
	logger zerolog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	requestCh chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	mu             sync.Mutex
	stats          Stats
	lastCheckpoint time.Time
	lastRotation   time.Time
	lastBytes      uint64 // BytesSinceCheckpoint at the previous poll
	writesSeen     bool   // any WAL growth observed since last checkpoint

	// group-commit state
	gcMu    sync.Mutex
	gcBatch *publishBatch
}

// New creates a stopped coordinator over target.
func New(target Target, policy config.Policy, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	now := time.Now()
	return &Coordinator{
		target:         target,
		policy:         policy,
		opts:           opts,
		logger:         log.WithComponent("coordinator"),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		requestCh:      make(chan struct{}, 1),
		lastCheckpoint: now,
		lastRotation:   now,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run()
	})
}

// Stop signals the loop and waits for in-flight work to complete.
// In-flight checkpoint or rotation work finishes; nothing new starts.
// Stopping a coordinator that was never started is a no-op.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.started.Load() {
			<-c.doneCh
		}
	})
}

// RequestCheckpoint asks the loop to checkpoint at its next
// iteration, e.g. after recovery observed a large replay. An explicit
// request bypasses the size and age thresholds.
func (c *Coordinator) RequestCheckpoint() {
	select {
	case c.requestCh <- struct{}{}:
	default: // one request is already pending
	}
}

// Stats returns a snapshot of cumulative activity.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.logger.Info().
		Str("durability_mode", string(c.policy.DurabilityMode)).
		Msg("Checkpoint coordinator started")

	for {
		select {
		case <-ticker.C:
			c.iterate(false)
		case <-c.requestCh:
			c.iterate(true)
		case <-c.stopCh:
			c.logger.Info().Msg("Checkpoint coordinator stopped")
			return
		}
	}
}

// iterate evaluates every trigger once. explicit marks a foreground
// RequestCheckpoint.
func (c *Coordinator) iterate(explicit bool) {
	if c.shouldRotate() {
		if err := c.target.RotateActiveLog(); err != nil {
			c.fail(err)
		} else {
			c.noteRotation()
		}
	}
	if explicit || c.shouldCheckpoint() {
		c.runCheckpoint()
	}
}

func (c *Coordinator) shouldRotate() bool {
	c.mu.Lock()
	age := time.Since(c.lastRotation)
	c.mu.Unlock()

	if c.target.ActiveLogSize() >= c.policy.RotateBytes {
		return true
	}
	return c.policy.RotateAge.Std() > 0 && age >= c.policy.RotateAge.Std()
}

func (c *Coordinator) shouldCheckpoint() bool {
	bytes := c.target.BytesSinceCheckpoint()

	c.mu.Lock()
	defer c.mu.Unlock()

	if bytes > c.lastBytes {
		c.writesSeen = true
	}
	burst := bytes > c.lastBytes
	c.lastBytes = bytes

	since := time.Since(c.lastCheckpoint)
	if since < c.policy.MinInterval.Std() {
		return false
	}

	// Replay-size bound: the burst threshold while writes keep
	// arriving, the lower steady threshold once they pause.
	sizeBound := c.policy.SteadyReplayBytes
	if burst {
		sizeBound = c.policy.MaxReplayBytes
	}
	if c.policy.DurabilityMode == config.Eventual {
		// EVENTUAL leans on checkpoints for durability, so take them
		// eagerly.
		sizeBound /= 2
	}
	if bytes >= sizeBound {
		return true
	}

	// Age bound, shortened in query-only periods. A checkpoint with
	// nothing to subsume is skipped either way.
	if bytes == 0 {
		return false
	}
	ageBound := c.policy.MaxAge.Std()
	if !c.writesSeen && c.policy.QueryOnlyAge.Std() > 0 {
		ageBound = c.policy.QueryOnlyAge.Std()
	}
	return ageBound > 0 && since >= ageBound
}

func (c *Coordinator) runCheckpoint() {
	timer := metrics.NewTimer()
	res, err := c.target.WriteCheckpoint()
	if err != nil {
		c.fail(err)
		return
	}
	timer.ObserveDuration(metrics.CheckpointDuration)
	metrics.CheckpointsWritten.Inc()
	metrics.CheckpointEntries.Set(float64(res.EntryCount))
	metrics.LastCheckpointEpoch.Set(float64(res.Epoch))
	metrics.ReplayBytesSinceCheckpoint.Set(0)

	c.mu.Lock()
	c.stats.CheckpointsWritten++
	c.stats.LastReplayBytes = res.ReplayBytes
	c.stats.LastCheckpointEpoch = res.Epoch
	c.lastCheckpoint = time.Now()
	c.lastBytes = 0
	c.writesSeen = false
	snapshot := c.stats
	c.mu.Unlock()

	c.logger.Info().
		Uint64("epoch", res.Epoch).
		Int("entries", res.EntryCount).
		Uint64("replay_bytes", res.ReplayBytes).
		Msg("Checkpoint written")
	c.emit(snapshot)
}

func (c *Coordinator) noteRotation() {
	metrics.DeltaLogRotations.Inc()

	c.mu.Lock()
	c.stats.Rotations++
	c.lastRotation = time.Now()
	snapshot := c.stats
	c.mu.Unlock()

	c.logger.Info().Msg("Delta log rotated")
	c.emit(snapshot)
}

func (c *Coordinator) emit(s Stats) {
	if c.opts.OnMetrics != nil {
		c.opts.OnMetrics(s)
	}
}

func (c *Coordinator) fail(err error) {
	c.logger.Error().Err(err).Msg("Background maintenance failed")
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
