package metrics

import (
	"context"
	"time"
)

// NeighborCounter reports the size of the current neighbor set.
type NeighborCounter interface {
	NeighborCount() int
}

// PendingCounter reports how many correlation ids are tracked.
type PendingCounter interface {
	Pending() int
}

// LockCounter reports how many lock table entries are held.
type LockCounter interface {
	HeldLocks() int
}

// CollectorConfig holds the sources a Collector samples.
// Nil sources are skipped.
type CollectorConfig struct {
	Neighbors NeighborCounter
	Pending   PendingCounter
	Locks     LockCounter
}

// Collector periodically samples gauges from the running node.
type Collector struct {
	metrics *NodeMetrics
	config  CollectorConfig
}

// NewCollector creates a new metrics collector.
func NewCollector(m *NodeMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		config:  cfg,
	}
}

// Collect samples all configured sources once.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	if c.config.Neighbors != nil {
		c.metrics.Neighbors.Set(float64(c.config.Neighbors.NeighborCount()))
	}
	if c.config.Pending != nil {
		c.metrics.PendingRequests.Set(float64(c.config.Pending.Pending()))
	}
	if c.config.Locks != nil {
		c.metrics.HeldLocks.Set(float64(c.config.Locks.HeldLocks()))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
