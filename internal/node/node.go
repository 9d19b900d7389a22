// Package node wires a storage node together: local store, address book,
// mesh transport and replication service, served behind one HTTP mux.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lukw00heck/av-service/internal/cluster"
	"github.com/lukw00heck/av-service/internal/config"
	"github.com/lukw00heck/av-service/internal/logging/audit"
	"github.com/lukw00heck/av-service/internal/metrics"
	"github.com/lukw00heck/av-service/internal/netmon"
	"github.com/lukw00heck/av-service/internal/replication"
	"github.com/lukw00heck/av-service/internal/store"
	"github.com/lukw00heck/av-service/internal/tracing"
	"github.com/lukw00heck/av-service/internal/transport/mesh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Options holds optional dependencies, mostly for tests.
type Options struct {
	Logger   zerolog.Logger
	Registry *prometheus.Registry   // Default: metrics.Registry
	Store    replication.LocalStore // Overrides the configured store
	Audit    *audit.Logger          // Default: audit events through Logger
	Network  netmon.Config          // Interface watcher settings when watch_network is set
}

// Node is one running storage node.
type Node struct {
	cfg      *config.NodeConfig
	logger   zerolog.Logger
	registry *prometheus.Registry
	audit    *audit.Logger
	network  netmon.Config
	tracer   *tracing.Recorder

	store     replication.LocalStore
	static    *cluster.StaticBook
	gossip    *cluster.GossipBook
	transport *mesh.Transport
	repl      *replication.Service
	collector *metrics.Collector

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from a validated configuration. Nothing is started.
func New(cfg *config.NodeConfig, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		logger:   opts.Logger.With().Str("component", "node").Str("node", cfg.NodeID).Logger(),
		registry: opts.Registry,
		audit:    opts.Audit,
		network:  opts.Network,
		store:    opts.Store,
		mux:      http.NewServeMux(),
	}
	if n.registry == nil {
		n.registry = metrics.Registry
	}
	if n.audit == nil {
		n.audit = audit.NewLogger(opts.Logger)
	}

	if n.store == nil {
		st, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		n.store = st
	}

	peers := make(map[string]string, len(cfg.Peers)+1)
	for id, addr := range cfg.Peers {
		peers[id] = addr
	}
	peers[cfg.NodeID] = cfg.Advertise
	n.static = cluster.NewStaticBook(peers)

	var book mesh.AddressBook = n.static
	if cfg.Gossip.Enabled {
		gossip, err := cluster.NewGossipBook(cluster.GossipConfig{
			NodeID:     cfg.NodeID,
			APIAddress: cfg.Advertise,
			Bind:       cfg.Gossip.Bind,
			Seeds:      cfg.Gossip.Seeds,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("start gossip: %w", err)
		}
		n.gossip = gossip
		book = &layeredBook{static: n.static, gossip: gossip}
	}

	transport, err := mesh.New(mesh.Config{
		NodeID:     cfg.NodeID,
		Book:       book,
		Secret:     []byte(cfg.AuthToken),
		Logger:     opts.Logger,
		Audit:      n.audit,
		MaxPayload: cfg.MaxPayload.Bytes(),
	})
	if err != nil {
		n.closeGossip()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	n.transport = transport

	nodeMetrics := metrics.NewNodeMetrics(n.registry, cfg.NodeID)
	repl, err := replication.New(replication.Config{
		NodeID:            cfg.NodeID,
		Transport:         transport,
		Store:             n.store,
		Logger:            opts.Logger,
		Metrics:           nodeMetrics,
		ReplicationCount:  cfg.ReplicationCount,
		ResponseTimeout:   cfg.ResponseTimeout.Std(),
		DiscoveryInterval: cfg.DiscoveryInterval.Std(),
		LockWaitTimeout:   cfg.LockWaitTimeout.Std(),
		LockHoldTimeout:   cfg.LockHoldTimeout.Std(),
		TransferRate:      cfg.TransferRate.BytesPerSecond(),
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
	})
	if err != nil {
		n.closeGossip()
		return nil, fmt.Errorf("create replication service: %w", err)
	}
	n.repl = repl
	n.collector = metrics.NewCollector(nodeMetrics, metrics.CollectorConfig{
		Neighbors: repl,
		Pending:   repl,
		Locks:     repl,
	})

	n.setupRoutes()
	return n, nil
}

func openStore(cfg *config.NodeConfig) (replication.LocalStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		st, err := store.NewDiskStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open disk store: %w", err)
		}
		return st, nil
	}
}

// Start binds the listen address and starts serving. It returns once the
// listener is bound.
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.Listen, err)
	}
	n.listener = ln

	if n.cfg.Tracing {
		tracer, err := tracing.New(tracing.DefaultBufferSize, 0)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("start trace recorder: %w", err)
		}
		n.tracer = tracer
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.transport.Start(ctx)
	if err := n.repl.Start(ctx); err != nil {
		n.cancel()
		n.transport.Stop()
		n.tracer.Stop()
		_ = ln.Close()
		return err
	}

	if n.cfg.WatchNetwork {
		events, err := netmon.New(n.network).Start(ctx)
		if err != nil {
			n.logger.Warn().Err(err).Msg("network watch disabled")
		} else {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.watchNetwork(ctx, events)
			}()
		}
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.collector.Run(ctx, collectInterval)
	}()

	n.server = &http.Server{
		Handler:           n,
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	n.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("advertise", n.cfg.Advertise).
		Int("replication_count", n.cfg.ReplicationCount).
		Bool("gossip", n.gossip != nil).
		Bool("tracing", n.tracer.Enabled()).
		Msg("Node started")
	return nil
}

// Stop shuts the node down in reverse start order.
func (n *Node) Stop() error {
	if n.cancel == nil {
		return nil
	}
	n.logger.Info().Msg("Stopping node")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := n.server.Shutdown(shutdownCtx)

	_ = n.repl.Stop()
	n.transport.Stop()
	n.cancel()
	n.wg.Wait()
	n.cancel = nil
	n.tracer.Stop()
	n.closeGossip()
	return err
}

// watchNetwork refreshes the neighbor set whenever local addresses change.
func (n *Node) watchNetwork(ctx context.Context, events <-chan netmon.Event) {
	for ev := range events {
		n.logger.Info().
			Str("change", ev.Type.String()).
			Str("interface", ev.Interface).
			Str("address", ev.Address).
			Int("changes", ev.Changes).
			Msg("Network change, refreshing neighbors")
		if _, err := n.repl.Discovery().Refresh(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn().Err(err).Msg("neighbor refresh failed")
		}
	}
}

// Run starts the node and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return n.Stop()
}

// Addr returns the bound listen address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Replication returns the node's replication service.
func (n *Node) Replication() *replication.Service {
	return n.repl
}

// Peers returns the static address book, e.g. to add a peer at runtime.
func (n *Node) Peers() *cluster.StaticBook {
	return n.static
}

func (n *Node) closeGossip() {
	if n.gossip == nil {
		return
	}
	if err := n.gossip.Leave(); err != nil {
		n.logger.Debug().Err(err).Msg("gossip leave failed")
	}
	_ = n.gossip.Shutdown()
}

// layeredBook resolves static peers first and falls back to gossip.
type layeredBook struct {
	static *cluster.StaticBook
	gossip *cluster.GossipBook
}

func (b *layeredBook) Address(nodeID string) (string, bool) {
	if addr, ok := b.static.Address(nodeID); ok {
		return addr, true
	}
	return b.gossip.Address(nodeID)
}

func (b *layeredBook) Members() []string {
	seen := make(map[string]bool)
	var members []string
	for _, id := range append(b.static.Members(), b.gossip.Members()...) {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	return members
}
