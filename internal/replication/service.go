// Package replication implements the peer-to-peer replication engine:
// neighbor discovery, a cluster-wide per-file lock, correlation of
// asynchronous peer replies and the replicated file operations built on
// them.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lukw00heck/av-service/internal/metrics"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultReplicationCount = 3
	defaultResponseTimeout  = time.Second
	defaultTransferRate     = 1 << 20 // bytes per second
	defaultRateLimit        = 1000
	defaultRateBurst        = 100
)

// Config contains configuration for the replication service.
type Config struct {
	NodeID    string
	Transport Transport
	Store     LocalStore
	Logger    zerolog.Logger
	Metrics   *metrics.NodeMetrics // Optional

	ReplicationCount  int           // Total copies including the local one (default: 3)
	ResponseTimeout   time.Duration // Base wait for peer replies (default: 1s)
	DiscoveryInterval time.Duration // Delay between discovery cycles (default: 20s)
	LockWaitTimeout   time.Duration // How long a lock acquisition keeps retrying (default: 5s)
	LockHoldTimeout   time.Duration // Lifetime of an unreleased lock grant (default: 60s)
	TransferRate      int64         // Bytes per second added to save waits (default: 1MB)
	MaxPending        int           // Maximum tracked correlation ids (default: 10000)
	RateLimit         int           // Inbound requests per second (0 = default 1000, <0 = unlimited)
	RateBurst         int           // Burst size for the rate limiter (default: 100)
}

// Service is the replication coordinator of one node.
type Service struct {
	nodeID           string
	transport        Transport
	store            LocalStore
	logger           zerolog.Logger
	metrics          *metrics.NodeMetrics
	replicationCount int
	responseTimeout  time.Duration
	transferRate     int64

	correlator *Correlator
	lock       *Lock
	discovery  *Discovery

	// Rate limiting
	limiter *rate.Limiter

	running atomic.Bool

	// Counters
	sentCount     atomic.Uint64
	receivedCount atomic.Uint64
	handlerErrors atomic.Uint64
	rateLimited   atomic.Uint64
	rollbacks     atomic.Uint64
}

// Stats holds replication statistics.
type Stats struct {
	SentCount       uint64 `json:"sent_count"`
	ReceivedCount   uint64 `json:"received_count"`
	HandlerErrors   uint64 `json:"handler_errors"`
	RateLimited     uint64 `json:"rate_limited"` // Requests answered FAILED by the rate limiter
	Rollbacks       uint64 `json:"rollbacks"`
	DroppedReplies  uint64 `json:"dropped_replies"`
	TopologyChanges uint64 `json:"topology_changes"`
	NeighborCount   int    `json:"neighbor_count"`
	PendingRequests int    `json:"pending_requests"`
	HeldLocks       int    `json:"held_locks"`
}

// New creates a replication service and registers it as the transport's
// inbound handler, so replies are routed before any request is sent.
func New(config Config) (*Service, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if config.ReplicationCount == 0 {
		config.ReplicationCount = defaultReplicationCount
	}
	if config.ReplicationCount < 1 {
		return nil, fmt.Errorf("replication count must be at least 1, got %d", config.ReplicationCount)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = defaultResponseTimeout
	}
	if config.TransferRate == 0 {
		config.TransferRate = defaultTransferRate
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = defaultRateBurst
	}

	limit := rate.Limit(config.RateLimit)
	if config.RateLimit < 0 {
		limit = rate.Inf
	}

	s := &Service{
		nodeID:           config.NodeID,
		transport:        config.Transport,
		store:            config.Store,
		logger:           config.Logger.With().Str("component", "replication").Str("node", config.NodeID).Logger(),
		metrics:          config.Metrics,
		replicationCount: config.ReplicationCount,
		responseTimeout:  config.ResponseTimeout,
		transferRate:     config.TransferRate,
		limiter:          rate.NewLimiter(limit, config.RateBurst),
	}

	s.correlator = NewCorrelator(CorrelatorConfig{
		Logger:     s.logger,
		MaxPending: config.MaxPending,
	})
	s.lock = NewLock(LockConfig{
		NodeID:          config.NodeID,
		Transport:       &countingTransport{Transport: config.Transport, sent: &s.sentCount},
		Correlator:      s.correlator,
		Logger:          s.logger,
		Metrics:         config.Metrics,
		ResponseTimeout: config.ResponseTimeout,
		WaitTimeout:     config.LockWaitTimeout,
		HoldTimeout:     config.LockHoldTimeout,
	})
	s.discovery = NewDiscovery(DiscoveryConfig{
		NodeID:          config.NodeID,
		Transport:       &countingTransport{Transport: config.Transport, sent: &s.sentCount},
		Correlator:      s.correlator,
		Listener:        s.lock,
		WaitFor:         []readiness{s.correlator, s.lock},
		Logger:          s.logger,
		Metrics:         config.Metrics,
		Interval:        config.DiscoveryInterval,
		ResponseTimeout: config.ResponseTimeout,
	})

	config.Transport.RegisterHandler(s.OnMessage)

	return s, nil
}

// Start starts the correlator, the lock and the discovery loop.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("replication service already running")
	}
	s.logger.Info().Int("replication_count", s.replicationCount).Msg("Starting replication service")

	s.correlator.Start(ctx)
	s.lock.Start(ctx)
	s.discovery.Start(ctx)
	return nil
}

// Stop stops background tasks and waits for them to finish.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info().Msg("Stopping replication service")

	s.discovery.Stop()
	s.lock.Stop()
	s.correlator.Stop()
	return nil
}

// NodeID returns this node's id.
func (s *Service) NodeID() string {
	return s.nodeID
}

// ReplicationCount returns the desired number of copies including the local one.
func (s *Service) ReplicationCount() int {
	return s.replicationCount
}

// Neighbors returns the neighbor snapshot from the last discovery cycle.
func (s *Service) Neighbors() *Neighbors {
	return s.discovery.Neighbors()
}

// NeighborCount returns the size of the current neighbor set.
func (s *Service) NeighborCount() int {
	return s.discovery.NeighborCount()
}

// Pending returns the number of correlation ids awaiting replies.
func (s *Service) Pending() int {
	return s.correlator.Pending()
}

// HeldLocks returns the number of unexpired lock grants on this node.
func (s *Service) HeldLocks() int {
	return s.lock.HeldLocks()
}

// Discovery returns the discovery task, e.g. to force a refresh.
func (s *Service) Discovery() *Discovery {
	return s.discovery
}

// Stats returns replication statistics.
func (s *Service) Stats() Stats {
	return Stats{
		SentCount:       s.sentCount.Load(),
		ReceivedCount:   s.receivedCount.Load(),
		HandlerErrors:   s.handlerErrors.Load(),
		RateLimited:     s.rateLimited.Load(),
		Rollbacks:       s.rollbacks.Load(),
		DroppedReplies:  s.correlator.Dropped(),
		TopologyChanges: s.discovery.TopologyChanges(),
		NeighborCount:   s.NeighborCount(),
		PendingRequests: s.Pending(),
		HeldLocks:       s.HeldLocks(),
	}
}

// send delivers msg through the transport and counts it.
func (s *Service) send(ctx context.Context, msg *proto.ReplicationMessage) error {
	if err := s.transport.Send(ctx, msg); err != nil {
		return err
	}
	s.sentCount.Add(1)
	s.metrics.MessageSent(string(msg.Command))
	return nil
}

// countingTransport counts messages sent by the lock and discovery.
type countingTransport struct {
	Transport
	sent *atomic.Uint64
}

func (t *countingTransport) Send(ctx context.Context, msg *proto.ReplicationMessage) error {
	if err := t.Transport.Send(ctx, msg); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// quorumTarget is the number of peer acknowledgements a save waits for:
// one per remote copy, bounded by the neighbors available.
func (s *Service) quorumTarget(neighbors *Neighbors) int {
	return min(s.replicationCount-1, neighbors.Len())
}

// saveWait is the response timeout plus the time to move size bytes at the
// configured transfer rate.
func (s *Service) saveWait(size int) time.Duration {
	extra := time.Duration(float64(size) / float64(s.transferRate) * float64(time.Second))
	return s.responseTimeout + extra
}

// observe records the outcome of an operation.
func (s *Service) observe(operation string, start time.Time, err error) {
	s.metrics.ObserveOperation(operation, resultLabel(err), time.Since(start))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCannotAcquireLock):
		return "lock_failed"
	case errors.Is(err, ErrQuorumNotMet):
		return "quorum_not_met"
	case errors.Is(err, ErrStoreFailure):
		return "store_failure"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	default:
		return "error"
	}
}

// countStatus counts replies carrying status from distinct senders.
func countStatus(replies []*proto.ReplicationMessage, status proto.Status) int {
	return len(sendersWith(replies, status))
}

// sendersWith returns the distinct senders of replies carrying status,
// in arrival order.
func sendersWith(replies []*proto.ReplicationMessage, status proto.Status) []string {
	seen := make(map[string]bool, len(replies))
	senders := make([]string, 0, len(replies))
	for _, r := range replies {
		if r.Status != status || seen[r.FromID] {
			continue
		}
		seen[r.FromID] = true
		senders = append(senders, r.FromID)
	}
	return senders
}
