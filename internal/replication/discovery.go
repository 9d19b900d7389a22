package replication

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lukw00heck/av-service/internal/metrics"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	defaultDiscoveryInterval = 20 * time.Second
	defaultReadyPoll         = 50 * time.Millisecond
)

// Neighbors is an immutable snapshot of the peers found by one discovery
// cycle. Readers keep a snapshot for the duration of an operation.
type Neighbors struct {
	ids []string // sorted, distinct, never includes this node
}

// IDs returns a copy of the neighbor ids in sorted order.
func (n *Neighbors) IDs() []string {
	if n == nil {
		return nil
	}
	return slices.Clone(n.ids)
}

// Len returns the number of neighbors.
func (n *Neighbors) Len() int {
	if n == nil {
		return 0
	}
	return len(n.ids)
}

// Contains reports whether id is a neighbor.
func (n *Neighbors) Contains(id string) bool {
	if n == nil {
		return false
	}
	_, found := slices.BinarySearch(n.ids, id)
	return found
}

func (n *Neighbors) equal(other *Neighbors) bool {
	return slices.Equal(n.IDs(), other.IDs())
}

// readiness is anything discovery waits on before its first cycle.
type readiness interface {
	Ready() bool
}

// topologyListener is told when the neighbor set changes.
type topologyListener interface {
	OnTopologyChanged()
}

// DiscoveryConfig contains configuration for neighbor discovery.
type DiscoveryConfig struct {
	NodeID          string
	Transport       Transport
	Correlator      *Correlator
	Listener        topologyListener // notified on every neighbor set change
	WaitFor         []readiness      // polled until all are ready before the first cycle
	Logger          zerolog.Logger
	Metrics         *metrics.NodeMetrics
	Interval        time.Duration // Delay between the end of one cycle and the next (default: 20s)
	ResponseTimeout time.Duration // How long each cycle collects READY replies
}

// Discovery periodically refreshes the set of reachable peers.
type Discovery struct {
	nodeID          string
	transport       Transport
	correlator      *Correlator
	listener        topologyListener
	waitFor         []readiness
	logger          zerolog.Logger
	metrics         *metrics.NodeMetrics
	interval        time.Duration
	responseTimeout time.Duration

	current atomic.Pointer[Neighbors]
	changes atomic.Uint64
	cycles  atomic.Uint64

	// Serializes cycles started by the loop and by Refresh.
	cycleMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery creates a discovery task. The neighbor set starts empty.
func NewDiscovery(config DiscoveryConfig) *Discovery {
	if config.Interval == 0 {
		config.Interval = defaultDiscoveryInterval
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = defaultResponseTimeout
	}

	d := &Discovery{
		nodeID:          config.NodeID,
		transport:       config.Transport,
		correlator:      config.Correlator,
		listener:        config.Listener,
		waitFor:         config.WaitFor,
		logger:          config.Logger.With().Str("component", "discovery").Logger(),
		metrics:         config.Metrics,
		interval:        config.Interval,
		responseTimeout: config.ResponseTimeout,
	}
	d.current.Store(&Neighbors{})
	return d
}

// Start launches the discovery loop.
func (d *Discovery) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Neighbors returns the snapshot from the last completed cycle.
func (d *Discovery) Neighbors() *Neighbors {
	return d.current.Load()
}

// NeighborCount returns the size of the current neighbor set.
func (d *Discovery) NeighborCount() int {
	return d.current.Load().Len()
}

// TopologyChanges returns how many cycles changed the neighbor set.
func (d *Discovery) TopologyChanges() uint64 {
	return d.changes.Load()
}

// Cycles returns how many cycles completed.
func (d *Discovery) Cycles() uint64 {
	return d.cycles.Load()
}

func (d *Discovery) run(ctx context.Context) {
	defer d.wg.Done()

	if !d.awaitReady(ctx) {
		return
	}
	d.logger.Info().Dur("interval", d.interval).Msg("Starting neighbor discovery")

	for {
		d.safeCycle(ctx)

		// Fixed delay: the next cycle is scheduled after this one completes
		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// awaitReady polls the dependencies until all of them are ready.
func (d *Discovery) awaitReady(ctx context.Context) bool {
	ticker := time.NewTicker(defaultReadyPoll)
	defer ticker.Stop()

	for {
		ready := true
		for _, r := range d.waitFor {
			if !r.Ready() {
				ready = false
				break
			}
		}
		if ready {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// safeCycle runs one cycle, logging instead of propagating any failure.
func (d *Discovery) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("discovery cycle panicked")
		}
	}()

	if _, err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn().Err(err).Msg("discovery cycle failed")
	}
}

// Refresh runs one discovery cycle and replaces the neighbor set with its
// result, even when empty. It reports whether the set changed.
func (d *Discovery) Refresh(ctx context.Context) (bool, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	msg, err := proto.NewBuilder(uuid.New().String()).
		Command(proto.CommandDiscover).
		Routing(proto.RoutingBroadcast).
		From(d.nodeID).
		Build()
	if err != nil {
		return false, err
	}

	if err := d.correlator.Register(msg.ID); err != nil {
		return false, fmt.Errorf("register discovery: %w", err)
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		d.correlator.Forget(msg.ID)
		return false, fmt.Errorf("send discover: %w", err)
	}
	d.metrics.MessageSent(string(proto.CommandDiscover))

	replies := d.correlator.AwaitAny(ctx, msg.ID, d.responseTimeout)
	if err := ctx.Err(); err != nil {
		// A cut-short cycle is partial and must not replace the set
		return false, err
	}

	next := d.collect(replies)
	prev := d.current.Load()
	changed := !prev.equal(next)

	if changed {
		d.logger.Info().
			Strs("previous", prev.IDs()).
			Strs("current", next.IDs()).
			Msg("Neighbor set changed")
		d.changes.Add(1)
		if d.listener != nil {
			d.listener.OnTopologyChanged()
		}
		d.metrics.TopologyChanged(next.Len())
	}

	d.current.Store(next)
	d.cycles.Add(1)
	return changed, nil
}

// collect builds a snapshot from the distinct senders of READY replies.
func (d *Discovery) collect(replies []*proto.ReplicationMessage) *Neighbors {
	ids := make([]string, 0, len(replies))
	for _, r := range replies {
		if r.Status != proto.StatusReady || r.FromID == "" || r.FromID == d.nodeID {
			continue
		}
		ids = append(ids, r.FromID)
	}
	slices.Sort(ids)
	return &Neighbors{ids: slices.Compact(ids)}
}
