// Package memory provides an in-process replication transport. Every node
// joined to a Network gets its own delivery goroutine, so handlers run
// asynchronously from senders the same way they do over a real network.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
)

const defaultInboxSize = 1024

// Filter decides whether msg is delivered to node to. Returning false drops it.
type Filter func(msg *proto.ReplicationMessage, to string) bool

// Network connects in-process transports.
type Network struct {
	logger    zerolog.Logger
	inboxSize int

	mu       sync.RWMutex
	nodes    map[string]*Transport
	isolated map[string]bool
	filter   Filter

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewNetwork creates an empty network.
func NewNetwork(logger zerolog.Logger) *Network {
	return &Network{
		logger:    logger.With().Str("component", "memory-network").Logger(),
		inboxSize: defaultInboxSize,
		nodes:     make(map[string]*Transport),
		isolated:  make(map[string]bool),
	}
}

// Join attaches a node and returns its transport.
func (n *Network) Join(nodeID string) (*Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.nodes[nodeID]; exists {
		return nil, fmt.Errorf("node %s already joined", nodeID)
	}

	t := &Transport{
		network: n,
		nodeID:  nodeID,
		inbox:   make(chan *proto.ReplicationMessage, n.inboxSize),
		done:    make(chan struct{}),
	}
	n.nodes[nodeID] = t

	t.wg.Add(1)
	go t.deliverLoop()

	return t, nil
}

// Leave detaches a node and stops its delivery goroutine.
func (n *Network) Leave(nodeID string) {
	n.mu.Lock()
	t, ok := n.nodes[nodeID]
	delete(n.nodes, nodeID)
	delete(n.isolated, nodeID)
	n.mu.Unlock()

	if ok {
		t.stop()
	}
}

// Isolate drops all traffic from and to nodeID until Heal.
func (n *Network) Isolate(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[nodeID] = true
}

// Heal restores traffic for nodeID.
func (n *Network) Heal(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, nodeID)
}

// SetFilter installs a delivery filter. A nil filter delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Nodes returns the ids of joined nodes in sorted order.
func (n *Network) Nodes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delivered returns how many messages reached an inbox.
func (n *Network) Delivered() uint64 {
	return n.delivered.Load()
}

// Dropped returns how many messages were filtered, isolated or overflowed.
func (n *Network) Dropped() uint64 {
	return n.dropped.Load()
}

// Close detaches every node.
func (n *Network) Close() {
	for _, id := range n.Nodes() {
		n.Leave(id)
	}
}

// route copies msg into the inbox of every recipient.
func (n *Network) route(msg *proto.ReplicationMessage) error {
	// Serialize so receivers never share memory with the sender
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.isolated[msg.FromID] {
		n.dropped.Add(1)
		return nil
	}

	var targets []*Transport
	switch msg.Routing {
	case proto.RoutingBroadcast:
		for id, t := range n.nodes {
			if id != msg.FromID {
				targets = append(targets, t)
			}
		}
	case proto.RoutingUnicast:
		if t, ok := n.nodes[msg.ToID]; ok {
			targets = append(targets, t)
		}
	}

	for _, t := range targets {
		if n.isolated[t.nodeID] || (n.filter != nil && !n.filter(msg, t.nodeID)) {
			n.dropped.Add(1)
			continue
		}

		copied, err := proto.UnmarshalMessage(data)
		if err != nil {
			return err
		}

		select {
		case t.inbox <- copied:
			n.delivered.Add(1)
		default:
			n.dropped.Add(1)
			n.logger.Warn().Str("to", t.nodeID).Str("id", msg.ID).Msg("inbox full, dropping message")
		}
	}
	return nil
}

// Transport is one node's attachment to a Network.
type Transport struct {
	network *Network
	nodeID  string
	inbox   chan *proto.ReplicationMessage
	handler atomic.Pointer[func(*proto.ReplicationMessage)]

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NodeID returns the id the transport joined with.
func (t *Transport) NodeID() string {
	return t.nodeID
}

// Send routes msg to its recipients. Delivery is asynchronous.
func (t *Transport) Send(ctx context.Context, msg *proto.ReplicationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return fmt.Errorf("transport %s closed", t.nodeID)
	default:
	}
	if msg.FromID != t.nodeID {
		return fmt.Errorf("message from %q sent through transport of %q", msg.FromID, t.nodeID)
	}
	return t.network.route(msg)
}

// RegisterHandler sets the inbound callback.
func (t *Transport) RegisterHandler(handler func(msg *proto.ReplicationMessage)) {
	t.handler.Store(&handler)
}

// Close detaches the node from its network.
func (t *Transport) Close() error {
	t.network.Leave(t.nodeID)
	return nil
}

func (t *Transport) stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Transport) deliverLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case msg := <-t.inbox:
			if h := t.handler.Load(); h != nil {
				(*h)(msg)
			}
		}
	}
}
