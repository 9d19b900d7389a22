package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lukw00heck/av-service/internal/store"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockTransport implements Transport for testing. Every sent message is
// recorded; respond, when set, produces replies that are delivered to the
// registered handler asynchronously.
type mockTransport struct {
	mu      sync.Mutex
	sent    []*proto.ReplicationMessage
	handler func(*proto.ReplicationMessage)
	respond func(msg *proto.ReplicationMessage) []*proto.ReplicationMessage
	sendErr error // If set, Send will return this error
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Send(ctx context.Context, msg *proto.ReplicationMessage) error {
	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, msg)
	respond, handler := m.respond, m.handler
	m.mu.Unlock()

	if respond == nil || handler == nil {
		return nil
	}
	replies := respond(msg)
	if len(replies) == 0 {
		return nil
	}
	go func() {
		for _, r := range replies {
			handler(r)
		}
	}()
	return nil
}

func (m *mockTransport) RegisterHandler(handler func(*proto.ReplicationMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockTransport) setRespond(f func(msg *proto.ReplicationMessage) []*proto.ReplicationMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = f
}

func (m *mockTransport) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// sentWith returns the recorded messages carrying cmd.
func (m *mockTransport) sentWith(cmd proto.Command) []*proto.ReplicationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*proto.ReplicationMessage
	for _, msg := range m.sent {
		if msg.Command == cmd {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// recipients returns the ToIDs of recorded messages carrying cmd.
func (m *mockTransport) recipients(cmd proto.Command) []string {
	var ids []string
	for _, msg := range m.sentWith(cmd) {
		ids = append(ids, msg.ToID)
	}
	return ids
}

// replyFrom builds a reply to req as if sent by node from.
func replyFrom(req *proto.ReplicationMessage, from string, status proto.Status) *proto.ReplicationMessage {
	msg, err := req.Reply(from, status).Build()
	if err != nil {
		panic(err)
	}
	return msg
}

// peers answers requests on behalf of simulated neighbor nodes.
type peers struct {
	mu     sync.Mutex
	ids    []string
	files  map[string]map[string][]byte // node -> file key -> data
	silent map[proto.Command]map[string]bool
	refuse map[proto.Command]map[string]bool
	onLock func()
}

func newPeers(ids ...string) *peers {
	p := &peers{
		ids:    ids,
		files:  make(map[string]map[string][]byte),
		silent: make(map[proto.Command]map[string]bool),
		refuse: make(map[proto.Command]map[string]bool),
	}
	for _, id := range ids {
		p.files[id] = make(map[string][]byte)
	}
	return p
}

// mute makes node ignore cmd.
func (p *peers) mute(cmd proto.Command, node string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silent[cmd] == nil {
		p.silent[cmd] = make(map[string]bool)
	}
	p.silent[cmd][node] = true
}

// deny makes node answer cmd with FAILED.
func (p *peers) deny(cmd proto.Command, node string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse[cmd] == nil {
		p.refuse[cmd] = make(map[string]bool)
	}
	p.refuse[cmd][node] = true
}

func (p *peers) put(node, filename, owner string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[node][proto.FileKey(filename, owner)] = data
}

func (p *peers) has(node, filename, owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.files[node][proto.FileKey(filename, owner)]
	return ok
}

func (p *peers) respond(msg *proto.ReplicationMessage) []*proto.ReplicationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.IsReply() {
		return nil
	}

	targets := p.ids
	if msg.Routing == proto.RoutingUnicast {
		targets = []string{msg.ToID}
	}

	if msg.Command == proto.CommandLock && p.onLock != nil {
		p.onLock()
	}

	var replies []*proto.ReplicationMessage
	for _, node := range targets {
		files, known := p.files[node]
		if !known || p.silent[msg.Command][node] {
			continue
		}
		status := proto.StatusOK
		if p.refuse[msg.Command][node] {
			status = proto.StatusFailed
		}

		var payload *proto.FileMessage
		switch msg.Command {
		case proto.CommandDiscover:
			status = proto.StatusReady
		case proto.CommandUnlock:
			continue
		case proto.CommandExists:
			if _, ok := files[msg.File.Key()]; !ok {
				status = proto.StatusFailed
			}
		case proto.CommandSave:
			if status == proto.StatusOK {
				files[msg.File.Key()] = msg.File.Data
			}
		case proto.CommandDelete:
			if status == proto.StatusOK {
				delete(files, msg.File.Key())
			}
		case proto.CommandLoad:
			data, ok := files[msg.File.Key()]
			if !ok {
				status = proto.StatusFailed
			} else if status == proto.StatusOK {
				f := msg.File.Derive(proto.FileLoad).WithData(data)
				payload = &f
			}
		}

		reply := msg.Reply(node, status)
		if payload != nil {
			reply = reply.File(*payload)
		}
		r, err := reply.Build()
		if err != nil {
			panic(err)
		}
		replies = append(replies, r)
	}
	return replies
}

// failingStore wraps a MemoryStore and fails or panics on demand.
type failingStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	saveErr error
	panicOn string
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: store.NewMemoryStore()}
}

func (f *failingStore) Save(ctx context.Context, file proto.FileMessage) error {
	f.mu.Lock()
	err, panicOn := f.saveErr, f.panicOn
	f.mu.Unlock()

	if panicOn == "save" {
		panic("disk on fire")
	}
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, file)
}

var errDiskFull = errors.New("disk full")

// testConfig returns a service config with short timeouts.
func testConfig(nodeID string, tr Transport, st LocalStore) Config {
	return Config{
		NodeID:            nodeID,
		Transport:         tr,
		Store:             st,
		Logger:            zerolog.Nop(),
		ReplicationCount:  3,
		ResponseTimeout:   150 * time.Millisecond,
		DiscoveryInterval: time.Hour,
		LockWaitTimeout:   time.Second,
		RateLimit:         -1,
	}
}

// newTestService creates and starts a service; it is stopped on cleanup.
func newTestService(t *testing.T, config Config) *Service {
	t.Helper()
	s, err := New(config)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// withNeighbors wires simulated peers into a service and runs one
// discovery cycle so the service sees them.
func withNeighbors(t *testing.T, s *Service, tr *mockTransport, p *peers) {
	t.Helper()
	tr.setRespond(p.respond)
	_, err := s.Discovery().Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(p.ids), s.NeighborCount())
	tr.reset()
}
