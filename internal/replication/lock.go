package replication

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lukw00heck/av-service/internal/metrics"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

const (
	defaultLockWaitTimeout = 5 * time.Second
	defaultLockHoldTimeout = 60 * time.Second

	minLockRetryDelay = 5 * time.Millisecond
	maxLockRetryDelay = 200 * time.Millisecond
)

// LockConfig contains configuration for the cluster lock.
type LockConfig struct {
	NodeID          string
	Transport       Transport
	Correlator      *Correlator
	Logger          zerolog.Logger
	Metrics         *metrics.NodeMetrics
	ResponseTimeout time.Duration // How long to wait for peer acknowledgements
	WaitTimeout     time.Duration // How long Acquire keeps trying before giving up (default: 5s)
	HoldTimeout     time.Duration // How long a grant lives without release (default: 60s)
}

// Lock provides cluster-wide mutual exclusion over (filename, owner) keys.
//
// Each node keeps a lock table of grants. Acquiring claims the key in the
// local table and asks every neighbor to record the same claim; a neighbor
// refuses while another node holds an unexpired grant. Every attempt is a
// round with its own id; UNLOCK names the round it ends, so a late UNLOCK
// never removes a newer grant. It is not a consensus lock: two nodes racing
// for the same key may both be refused and retry.
type Lock struct {
	nodeID          string
	transport       Transport
	correlator      *Correlator
	logger          zerolog.Logger
	metrics         *metrics.NodeMetrics
	responseTimeout time.Duration
	waitTimeout     time.Duration
	holdTimeout     time.Duration

	slots  *xsync.MapOf[string, *slot] // serializes goroutines of this node per key
	grants *xsync.MapOf[string, grant] // lock table: key -> holder node
	epoch  atomic.Uint64               // bumped on every topology change

	ready  atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type slot struct {
	ch   chan struct{}
	refs int // modified only inside slots.Compute
}

type grant struct {
	holder  string
	round   string
	expires time.Time
}

func (g grant) expired(now time.Time) bool {
	return !now.Before(g.expires)
}

// Lease is a granted lock. Release is safe on a nil Lease and may be
// called more than once.
type Lease struct {
	lock      *Lock
	filename  string
	owner     string
	round     string
	peerCount int
	once      sync.Once
}

// NewLock creates a cluster lock.
func NewLock(config LockConfig) *Lock {
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = defaultResponseTimeout
	}
	if config.WaitTimeout == 0 {
		config.WaitTimeout = defaultLockWaitTimeout
	}
	if config.HoldTimeout == 0 {
		config.HoldTimeout = defaultLockHoldTimeout
	}

	return &Lock{
		nodeID:          config.NodeID,
		transport:       config.Transport,
		correlator:      config.Correlator,
		logger:          config.Logger.With().Str("component", "lock").Logger(),
		metrics:         config.Metrics,
		responseTimeout: config.ResponseTimeout,
		waitTimeout:     config.WaitTimeout,
		holdTimeout:     config.HoldTimeout,
		slots:           xsync.NewMapOf[string, *slot](),
		grants:          xsync.NewMapOf[string, grant](),
	}
}

// Start launches expiry of stale grants and marks the lock ready.
func (l *Lock) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.expiryWorker(ctx)

	l.ready.Store(true)
}

// Stop halts the expiry worker.
func (l *Lock) Stop() {
	l.ready.Store(false)
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Ready reports whether the lock can serve acquisitions.
func (l *Lock) Ready() bool {
	return l.ready.Load()
}

// HeldLocks returns the number of unexpired grants in the lock table.
func (l *Lock) HeldLocks() int {
	now := time.Now()
	held := 0
	l.grants.Range(func(_ string, g grant) bool {
		if !g.expired(now) {
			held++
		}
		return true
	})
	return held
}

// Acquire locks (filename, owner) across the cluster. It succeeds only when
// at least requiredPeerCount peers acknowledge and membership did not change
// meanwhile; requiredPeerCount 0 locks this node only.
//
// While the key is held elsewhere, or peers still hold the previous
// holder's grant, Acquire retries with backoff until the wait timeout and
// then returns ErrCannotAcquireLock. Partial grants of a refused round are
// undone. Context cancellation returns ErrInterrupted.
func (l *Lock) Acquire(ctx context.Context, filename, owner string, requiredPeerCount int) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}
	key := proto.FileKey(filename, owner)
	deadline := time.Now().Add(l.waitTimeout)

	if err := l.takeSlot(ctx, key, deadline); err != nil {
		l.metrics.LockAttempt(false)
		return nil, err
	}

	delay := minLockRetryDelay
	for attempt := 1; ; attempt++ {
		lease, err := l.tryAcquire(ctx, key, filename, owner, requiredPeerCount)
		if err == nil {
			l.metrics.LockAttempt(true)
			return lease, nil
		}

		remaining := time.Until(deadline)
		if !errors.Is(err, ErrCannotAcquireLock) || remaining <= 0 {
			l.releaseSlot(key)
			l.metrics.LockAttempt(false)
			l.logger.Debug().
				Err(err).
				Str("filename", filename).
				Str("owner", owner).
				Int("attempts", attempt).
				Msg("lock not acquired")
			return nil, err
		}

		if err := sleepCtx(ctx, min(jitter(delay), remaining)); err != nil {
			l.releaseSlot(key)
			l.metrics.LockAttempt(false)
			return nil, interrupted(err)
		}
		delay = min(delay*2, maxLockRetryDelay)
	}
}

// tryAcquire runs one lock round. The node-local slot is already held.
func (l *Lock) tryAcquire(ctx context.Context, key, filename, owner string, required int) (*Lease, error) {
	round := uuid.New().String()
	if !l.claim(key, l.nodeID, round) {
		return nil, ErrCannotAcquireLock
	}

	lease := &Lease{lock: l, filename: filename, owner: owner, round: round, peerCount: required}
	if required <= 0 {
		return lease, nil
	}

	epoch := l.epoch.Load()
	granted, err := l.collectGrants(ctx, round, filename, owner, required)
	if err == nil && !granted {
		err = ErrCannotAcquireLock
	}
	if err == nil && l.epoch.Load() != epoch {
		l.logger.Debug().Str("filename", filename).Str("owner", owner).Msg("topology changed during lock round")
		err = ErrCannotAcquireLock
	}
	if err != nil {
		l.revoke(key, filename, owner, round, required)
		return nil, err
	}
	return lease, nil
}

// collectGrants broadcasts LOCK for round and counts acknowledgements.
func (l *Lock) collectGrants(ctx context.Context, round, filename, owner string, required int) (bool, error) {
	msg, err := proto.NewBuilder(round).
		Command(proto.CommandLock).
		Routing(proto.RoutingBroadcast).
		From(l.nodeID).
		File(proto.FileMessage{Filename: filename, Owner: owner}).
		Build()
	if err != nil {
		return false, err
	}

	if err := l.correlator.Register(msg.ID); err != nil {
		return false, nil
	}
	if err := l.transport.Send(ctx, msg); err != nil {
		l.correlator.Forget(msg.ID)
		l.logger.Warn().Err(err).Str("filename", filename).Str("owner", owner).Msg("failed to send lock request")
		return false, nil
	}
	l.metrics.MessageSent(string(proto.CommandLock))

	replies := l.correlator.AwaitCount(ctx, msg.ID, l.responseTimeout, required)
	if ctx.Err() != nil {
		return false, interrupted(ctx.Err())
	}

	acks := countStatus(replies, proto.StatusOK)
	if acks < required {
		l.logger.Debug().
			Str("filename", filename).
			Str("owner", owner).
			Int("acks", acks).
			Int("required", required).
			Msg("lock refused")
		return false, nil
	}
	return true, nil
}

// Release releases the lease: the local claim, the grants held by peers
// and the node-local slot.
func (ls *Lease) Release() {
	if ls == nil {
		return
	}
	ls.once.Do(func() {
		key := proto.FileKey(ls.filename, ls.owner)
		ls.lock.revoke(key, ls.filename, ls.owner, ls.round, ls.peerCount)
		ls.lock.releaseSlot(key)
	})
}

// revoke drops this node's claim for round and asks peers to do the same.
func (l *Lock) revoke(key, filename, owner, round string, peerCount int) {
	l.unclaim(key, l.nodeID, round)
	if peerCount > 0 {
		l.broadcastUnlock(round, filename, owner)
	}
}

func (l *Lock) broadcastUnlock(round, filename, owner string) {
	msg, err := proto.NewBuilder(round).
		Command(proto.CommandUnlock).
		Routing(proto.RoutingBroadcast).
		From(l.nodeID).
		File(proto.FileMessage{Filename: filename, Owner: owner}).
		Build()
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to build unlock message")
		return
	}

	// Release runs on every exit path, including cancelled ones
	ctx, cancel := context.WithTimeout(context.Background(), l.responseTimeout)
	defer cancel()

	if err := l.transport.Send(ctx, msg); err != nil {
		l.logger.Warn().Err(err).Str("filename", filename).Str("owner", owner).Msg("failed to send unlock")
		return
	}
	l.metrics.MessageSent(string(proto.CommandUnlock))
}

// HandleLock answers a peer's LOCK request.
func (l *Lock) HandleLock(msg *proto.ReplicationMessage) proto.Status {
	if msg.File == nil {
		return proto.StatusFailed
	}
	if l.claim(msg.File.Key(), msg.FromID, msg.ID) {
		return proto.StatusOK
	}
	return proto.StatusFailed
}

// HandleUnlock drops the grant a peer holds for a key, provided it was
// made by the round the UNLOCK names.
func (l *Lock) HandleUnlock(msg *proto.ReplicationMessage) {
	if msg.File == nil {
		return
	}
	l.unclaim(msg.File.Key(), msg.FromID, msg.ID)
}

// OnTopologyChanged discards every grant held for remote nodes and fails
// lock rounds that are still collecting acknowledgements.
func (l *Lock) OnTopologyChanged() {
	l.epoch.Add(1)

	cleared := 0
	l.grants.Range(func(key string, g grant) bool {
		if g.holder != l.nodeID {
			l.unclaim(key, g.holder, g.round)
			cleared++
		}
		return true
	})

	l.logger.Debug().Int("cleared", cleared).Msg("topology changed, lock table reset")
}

// claim records holder's round for key unless another node holds an
// unexpired grant. A holder may refresh its own grant with a new round.
func (l *Lock) claim(key, holder, round string) bool {
	now := time.Now()
	granted := false
	l.grants.Compute(key, func(old grant, loaded bool) (grant, bool) {
		if loaded && old.holder != holder && !old.expired(now) {
			return old, false
		}
		granted = true
		return grant{holder: holder, round: round, expires: now.Add(l.holdTimeout)}, false
	})
	return granted
}

// unclaim removes the grant for key if holder owns it through round.
func (l *Lock) unclaim(key, holder, round string) {
	l.grants.Compute(key, func(old grant, loaded bool) (grant, bool) {
		return old, loaded && old.holder == holder && old.round == round
	})
}

// takeSlot waits until deadline for the node-local slot of key.
func (l *Lock) takeSlot(ctx context.Context, key string, deadline time.Time) error {
	s, _ := l.slots.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if !loaded {
			old = &slot{ch: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.dropSlotRef(key)
		return ErrCannotAcquireLock
	case <-ctx.Done():
		l.dropSlotRef(key)
		return interrupted(ctx.Err())
	}
}

func (l *Lock) releaseSlot(key string) {
	if s, ok := l.slots.Load(key); ok {
		select {
		case <-s.ch:
		default:
		}
	}
	l.dropSlotRef(key)
}

func (l *Lock) dropSlotRef(key string) {
	l.slots.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// jitter spreads d over [d/2, d] so contending nodes do not retry in step.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + rand.N(half+1)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expiryWorker periodically drops expired grants.
func (l *Lock) expiryWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(max(l.holdTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			l.grants.Range(func(key string, g grant) bool {
				if g.expired(now) {
					l.grants.Compute(key, func(old grant, loaded bool) (grant, bool) {
						return old, loaded && old.expired(now)
					})
				}
				return true
			})
		}
	}
}
