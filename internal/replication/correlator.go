package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

const (
	defaultMaxPending      = 10000
	defaultReplyRetention  = 30 * time.Second
	defaultJanitorInterval = 5 * time.Second
)

// CorrelatorConfig contains configuration for the response correlator.
type CorrelatorConfig struct {
	Logger          zerolog.Logger
	MaxPending      int           // Maximum tracked correlation ids (default: 10000)
	Retention       time.Duration // How long unclaimed replies are kept (default: 30s)
	JanitorInterval time.Duration // How often unclaimed replies are swept (default: 5s)
}

// Correlator matches asynchronous replies to outstanding requests.
//
// Each correlation id owns an independent entry; the delivery path only
// appends and wakes, so it never blocks on a waiter.
type Correlator struct {
	logger     zerolog.Logger
	entries    *xsync.MapOf[string, *pendingEntry]
	maxPending int
	retention  time.Duration
	interval   time.Duration

	ready   atomic.Bool
	dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingEntry accumulates replies for one correlation id.
type pendingEntry struct {
	mu      sync.Mutex
	replies []*proto.ReplicationMessage
	notify  chan struct{} // closed and replaced on every append
	waiting bool
	created time.Time
}

func newPendingEntry() *pendingEntry {
	return &pendingEntry{
		notify:  make(chan struct{}),
		created: time.Now(),
	}
}

func (e *pendingEntry) append(msg *proto.ReplicationMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.replies = append(e.replies, msg)
	close(e.notify)
	e.notify = make(chan struct{})
}

// state returns a copy of the replies and the channel signalling the next append.
func (e *pendingEntry) state() ([]*proto.ReplicationMessage, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	replies := make([]*proto.ReplicationMessage, len(e.replies))
	copy(replies, e.replies)
	return replies, e.notify
}

// NewCorrelator creates a correlator. Start must be called before it
// reports ready.
func NewCorrelator(config CorrelatorConfig) *Correlator {
	if config.MaxPending == 0 {
		config.MaxPending = defaultMaxPending
	}
	if config.Retention == 0 {
		config.Retention = defaultReplyRetention
	}
	if config.JanitorInterval == 0 {
		config.JanitorInterval = defaultJanitorInterval
	}

	return &Correlator{
		logger:     config.Logger.With().Str("component", "correlator").Logger(),
		entries:    xsync.NewMapOf[string, *pendingEntry](),
		maxPending: config.MaxPending,
		retention:  config.Retention,
		interval:   config.JanitorInterval,
	}
}

// Start launches the janitor and marks the correlator ready.
func (c *Correlator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.janitor(ctx)

	c.ready.Store(true)
}

// Stop halts the janitor.
func (c *Correlator) Stop() {
	c.ready.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Ready reports whether the correlator is accepting replies.
func (c *Correlator) Ready() bool {
	return c.ready.Load()
}

// Pending returns the number of tracked correlation ids.
func (c *Correlator) Pending() int {
	return c.entries.Size()
}

// Dropped returns how many replies were discarded because the table was full.
func (c *Correlator) Dropped() uint64 {
	return c.dropped.Load()
}

// Register starts tracking id. It must be called before the request is
// sent so that no reply can be missed.
func (c *Correlator) Register(id string) error {
	if _, ok := c.entries.Load(id); ok {
		return nil
	}
	if c.entries.Size() >= c.maxPending {
		c.logger.Warn().
			Int("pending", c.entries.Size()).
			Int("limit", c.maxPending).
			Str("id", id).
			Msg("refusing request: pending limit reached")
		return ErrTooManyPending
	}
	c.entries.LoadOrCompute(id, newPendingEntry)
	return nil
}

// Forget stops tracking id and discards its replies.
func (c *Correlator) Forget(id string) {
	c.entries.Delete(id)
}

// Deliver hands an inbound reply to whoever awaits its id.
// Replies for ids nobody awaits yet are kept until the retention window
// passes. It returns false when the reply was dropped.
func (c *Correlator) Deliver(msg *proto.ReplicationMessage) bool {
	if msg == nil || msg.ID == "" {
		return false
	}

	e, ok := c.entries.Load(msg.ID)
	if !ok {
		if c.entries.Size() >= c.maxPending {
			c.dropped.Add(1)
			c.logger.Warn().
				Str("id", msg.ID).
				Str("from", msg.FromID).
				Msg("dropping reply: pending limit reached")
			return false
		}
		e, _ = c.entries.LoadOrCompute(msg.ID, newPendingEntry)
	}

	e.append(msg)
	return true
}

// AwaitAny waits the full maxWait and returns every reply for id that
// arrived, possibly none. The id is forgotten afterwards.
func (c *Correlator) AwaitAny(ctx context.Context, id string, maxWait time.Duration) []*proto.ReplicationMessage {
	return c.await(ctx, id, maxWait, 0)
}

// AwaitCount returns as soon as n replies for id have arrived, or at
// maxWait with whatever arrived. A short result is not an error here;
// callers decide what a shortfall means.
func (c *Correlator) AwaitCount(ctx context.Context, id string, maxWait time.Duration, n int) []*proto.ReplicationMessage {
	if n <= 0 {
		c.Forget(id)
		return nil
	}
	return c.await(ctx, id, maxWait, n)
}

func (c *Correlator) await(ctx context.Context, id string, maxWait time.Duration, n int) []*proto.ReplicationMessage {
	e, _ := c.entries.LoadOrCompute(id, newPendingEntry)
	e.mu.Lock()
	e.waiting = true
	e.mu.Unlock()
	defer c.entries.Delete(id)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		replies, notify := e.state()
		if n > 0 && len(replies) >= n {
			return replies
		}

		select {
		case <-notify:
		case <-timer.C:
			replies, _ = e.state()
			return replies
		case <-ctx.Done():
			replies, _ = e.state()
			return replies
		}
	}
}

// janitor removes unclaimed replies older than the retention window.
func (c *Correlator) janitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Correlator) sweep(now time.Time) int {
	removed := 0
	c.entries.Range(func(id string, e *pendingEntry) bool {
		e.mu.Lock()
		stale := !e.waiting && now.Sub(e.created) > c.retention
		e.mu.Unlock()

		if stale {
			c.entries.Compute(id, func(old *pendingEntry, loaded bool) (*pendingEntry, bool) {
				// Only delete the entry we inspected
				return old, loaded && old == e
			})
			removed++
		}
		return true
	})
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("swept unclaimed replies")
	}
	return removed
}
