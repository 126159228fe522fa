package coordinator

import (
	"time"

	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/metrics"
	"github.com/cuemby/xtreestore/pkg/nodeid"
)

// publishBatch collects concurrent TryPublish callers behind one
// superblock write. The first caller becomes the leader; followers
// block on done and share the leader's result.
type publishBatch struct {
	root  nodeid.ID
	epoch uint64
	count int
	done  chan struct{}
	err   error
}

// TryPublish commits (root, epoch) to the superblock under the
// configured durability mode.
//
// STRICT publishes immediately: the WAL is fsynced and the superblock
// written before the call returns. BALANCED and EVENTUAL group-commit:
// the first caller in a window becomes the leader, sleeps out the
// coalescing interval while followers pile on, then performs a single
// publish carrying the highest (epoch, root) pair seen. EVENTUAL
// additionally skips the WAL fsync, leaving durability to the eager
// checkpoint cadence.
func (c *Coordinator) TryPublish(root nodeid.ID, epoch uint64) error {
	if c.policy.DurabilityMode == config.Strict {
		if err := c.target.SyncWAL(); err != nil {
			return err
		}
		metrics.GroupCommitBatchSize.Observe(1)
		return c.publish(root, epoch)
	}

	c.gcMu.Lock()
	batch := c.gcBatch
	leader := batch == nil
	if leader {
		batch = &publishBatch{root: root, epoch: epoch, count: 1, done: make(chan struct{})}
		c.gcBatch = batch
	} else {
		batch.count++
		if epoch > batch.epoch {
			batch.epoch = epoch
			batch.root = root
		}
	}
	c.gcMu.Unlock()

	if !leader {
		<-batch.done
		return batch.err
	}

	if interval := c.policy.GroupCommitInterval.Std(); interval > 0 {
		time.Sleep(interval)
	}

	// Detach the batch so the next caller starts a fresh window;
	// late followers must not join a batch whose publish is underway.
	c.gcMu.Lock()
	c.gcBatch = nil
	c.gcMu.Unlock()

	if c.policy.DurabilityMode == config.Balanced {
		if err := c.target.SyncWAL(); err != nil {
			batch.err = err
			close(batch.done)
			return err
		}
	}
	batch.err = c.publish(batch.root, batch.epoch)
	metrics.GroupCommitBatchSize.Observe(float64(batch.count))

	c.mu.Lock()
	c.stats.GroupPublishes++
	c.mu.Unlock()

	close(batch.done)
	return batch.err
}

func (c *Coordinator) publish(root nodeid.ID, epoch uint64) error {
	if err := c.target.PublishSuperblock(root, epoch); err != nil {
		return err
	}
	metrics.SuperblockPublishes.Inc()
	return nil
}
