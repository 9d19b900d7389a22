package cluster

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"
)

// GossipConfig holds gossip address book configuration.
type GossipConfig struct {
	NodeID     string   // Memberlist node name
	APIAddress string   // This node's HTTP address, gossiped as node metadata
	Bind       string   // Gossip listen address, e.g. ":7946"
	Seeds      []string // Gossip addresses of nodes to join
	Logger     zerolog.Logger
}

// GossipBook is an address book whose members are the live nodes of a
// memberlist cluster. Each node gossips its HTTP address as metadata.
type GossipBook struct {
	ml     *memberlist.Memberlist
	nodeID string
	logger zerolog.Logger
}

// NewGossipBook starts a memberlist instance and joins the configured seeds.
// Failing to reach the seeds is logged, not returned: gossip keeps retrying
// through any node that later joins.
func NewGossipBook(config GossipConfig) (*GossipBook, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if len(config.APIAddress) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("api address exceeds %d bytes", memberlist.MetaMaxSize)
	}

	host, port, err := net.SplitHostPort(config.Bind)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", config.Bind, err)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}

	logger := config.Logger.With().Str("component", "gossip").Logger()

	cfg := memberlist.DefaultLocalConfig()
	cfg.Name = config.NodeID
	cfg.BindAddr = host
	cfg.BindPort = portNum
	if host != "0.0.0.0" {
		cfg.AdvertiseAddr = host
	}

	// LAN timings
	cfg.TCPTimeout = 10 * time.Second
	cfg.IndirectChecks = 3
	cfg.RetransmitMult = 4
	cfg.SuspicionMult = 4
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.ProbeInterval = 1 * time.Second
	cfg.GossipInterval = 200 * time.Millisecond
	cfg.GossipNodes = 3

	cfg.Delegate = &metaDelegate{meta: []byte(config.APIAddress)}
	cfg.Events = &eventLogger{logger: logger}
	cfg.LogOutput = &logAdapter{logger: logger}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	book := &GossipBook{ml: ml, nodeID: config.NodeID, logger: logger}

	if len(config.Seeds) > 0 {
		if err := book.Join(config.Seeds); err != nil {
			logger.Warn().Err(err).Strs("seeds", config.Seeds).Msg("failed to join some seed nodes (will retry via gossip)")
		}
	}
	return book, nil
}

// Join contacts seed nodes. It fails only when no seed could be reached.
func (b *GossipBook) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}

	joined, err := b.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if joined == 0 {
		return fmt.Errorf("failed to join any seed nodes")
	}

	b.logger.Info().Int("joined", joined).Int("total_seeds", len(seeds)).Msg("joined gossip cluster")
	return nil
}

// Address returns the HTTP address gossiped by nodeID.
func (b *GossipBook) Address(nodeID string) (string, bool) {
	for _, node := range b.ml.Members() {
		if node.Name == nodeID && len(node.Meta) > 0 {
			return string(node.Meta), true
		}
	}
	return "", false
}

// Members returns the names of the live nodes, this one included.
func (b *GossipBook) Members() []string {
	members := b.ml.Members()
	ids := make([]string, 0, len(members))
	for _, node := range members {
		ids = append(ids, node.Name)
	}
	sort.Strings(ids)
	return ids
}

// NumMembers returns the number of live nodes.
func (b *GossipBook) NumMembers() int {
	return b.ml.NumMembers()
}

// GossipAddress returns the address other nodes use as a seed for this one.
func (b *GossipBook) GossipAddress() string {
	node := b.ml.LocalNode()
	return net.JoinHostPort(node.Addr.String(), fmt.Sprint(node.Port))
}

// Leave announces departure and waits up to five seconds for it to spread.
func (b *GossipBook) Leave() error {
	if err := b.ml.Leave(5 * time.Second); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return nil
}

// Shutdown stops the memberlist instance.
func (b *GossipBook) Shutdown() error {
	if err := b.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

// metaDelegate publishes the node's API address. Only metadata is used;
// user messages and state sync are left empty.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return d.meta[:limit]
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// eventLogger logs membership changes.
type eventLogger struct {
	logger zerolog.Logger
}

func (e *eventLogger) NotifyJoin(node *memberlist.Node) {
	e.logger.Info().Str("node", node.Name).Str("api", string(node.Meta)).Msg("Node joined")
}

func (e *eventLogger) NotifyLeave(node *memberlist.Node) {
	e.logger.Info().Str("node", node.Name).Msg("Node left")
}

func (e *eventLogger) NotifyUpdate(node *memberlist.Node) {
	e.logger.Debug().Str("node", node.Name).Str("api", string(node.Meta)).Msg("Node updated")
}

// logAdapter adapts memberlist's log output to zerolog.
type logAdapter struct {
	logger zerolog.Logger
}

func (l *logAdapter) Write(p []byte) (n int, err error) {
	l.logger.Debug().Str("source", "memberlist").Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}
