// Package mesh carries replication envelopes between nodes over HTTP.
//
// Every envelope is POSTed as JSON to MessagePath on the receiving node with
// an HS256 bearer token whose subject is the sending node id. Sends are
// fire-and-forget: Send queues one delivery per target and returns, and a
// pool of workers performs the posts. Each peer is served by a single
// worker, so a peer sees envelopes in the order this node sent them.
// Replies travel the same way, as new posts in the opposite direction.
package mesh

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukw00heck/av-service/internal/logging/audit"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/rs/zerolog"
)

// MessagePath is the HTTP path that accepts replication envelopes.
const MessagePath = "/api/replication/message"

const (
	protocolHeader = "X-Replication-Protocol"
	protocolValue  = "v1"

	defaultScheme         = "http"
	defaultRequestTimeout = 30 * time.Second
	defaultTokenTTL       = 5 * time.Minute
	defaultMaxPayload     = 64 << 20
	defaultQueueSize      = 1024
	defaultWorkers        = 8
)

var (
	ErrNotRunning    = errors.New("mesh transport is not running")
	ErrQueueFull     = errors.New("mesh send queue is full")
	ErrUnknownPeer   = errors.New("no address for peer")
	ErrForeignSender = errors.New("message sender is not this node")
)

// AddressBook resolves node ids to HTTP addresses.
type AddressBook interface {
	// Address returns "host:port" or a base URL for nodeID.
	Address(nodeID string) (string, bool)
	// Members returns every known node id, possibly including this node.
	Members() []string
}

// Config holds mesh transport configuration.
type Config struct {
	NodeID         string
	Book           AddressBook
	Secret         []byte // Shared cluster secret for token signing
	Logger         zerolog.Logger
	Audit          *audit.Logger // Optional, records rejected posts
	TLSConfig      *tls.Config   // Used when Scheme is https
	HTTPClient     *http.Client  // Overrides the default client
	Scheme         string        // Default: http
	RequestTimeout time.Duration
	TokenTTL       time.Duration
	MaxPayload     int64 // Largest accepted request body
	QueueSize      int
	Workers        int
}

// Stats holds transport counters.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
}

type delivery struct {
	to      string
	url     string
	id      string
	command proto.Command
	body    []byte
}

// Transport implements replication.Transport over HTTP.
type Transport struct {
	nodeID     string
	book       AddressBook
	signer     *signer
	client     *http.Client
	scheme     string
	timeout    time.Duration
	maxPayload int64
	workers    int
	logger     zerolog.Logger
	audit      *audit.Logger

	handler atomic.Pointer[func(*proto.ReplicationMessage)]
	lanes   []chan delivery // one per worker; a peer always maps to the same lane

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sent     atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	received atomic.Uint64
	rejected atomic.Uint64
}

// New creates a mesh transport. It must be started before Send is used.
func New(config Config) (*Transport, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if config.Book == nil {
		return nil, fmt.Errorf("address book is required")
	}
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}

	if config.Scheme == "" {
		config.Scheme = defaultScheme
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = defaultTokenTTL
	}
	if config.MaxPayload == 0 {
		config.MaxPayload = defaultMaxPayload
	}
	if config.QueueSize == 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.Workers == 0 {
		config.Workers = defaultWorkers
	}

	client := config.HTTPClient
	if client == nil {
		tlsConfig := config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     tlsConfig,
			},
		}
	}

	return &Transport{
		nodeID:     config.NodeID,
		book:       config.Book,
		signer:     newSigner(config.Secret, config.TokenTTL),
		client:     client,
		scheme:     config.Scheme,
		timeout:    config.RequestTimeout,
		maxPayload: config.MaxPayload,
		workers:    config.Workers,
		logger:     config.Logger.With().Str("component", "mesh-transport").Logger(),
		audit:      config.Audit,
		lanes:      newLanes(config.Workers, config.QueueSize),
	}, nil
}

func newLanes(n, size int) []chan delivery {
	lanes := make([]chan delivery, n)
	for i := range lanes {
		lanes[i] = make(chan delivery, size)
	}
	return lanes
}

// lane returns the queue for peer. Deliveries to one peer are posted in
// the order they were sent.
func (t *Transport) lane(peer string) chan delivery {
	h := fnv.New32a()
	_, _ = h.Write([]byte(peer))
	return t.lanes[h.Sum32()%uint32(len(t.lanes))]
}

// Start launches the delivery workers.
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true
	for _, lane := range t.lanes {
		t.wg.Add(1)
		go t.worker(lane)
	}
	t.logger.Info().Int("workers", t.workers).Msg("Mesh transport started")
}

// Stop cancels in-flight posts and waits for the workers to exit.
// Deliveries still queued are dropped.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	t.client.CloseIdleConnections()
}

// NodeID returns the id this transport sends as.
func (t *Transport) NodeID() string {
	return t.nodeID
}

// Send queues msg for every target: the named peer for a unicast, every
// other member of the address book for a broadcast. Delivery happens in
// the background; failures are logged and counted, not returned.
func (t *Transport) Send(ctx context.Context, msg *proto.ReplicationMessage) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}
	if msg.FromID != t.nodeID {
		return fmt.Errorf("%w: %q", ErrForeignSender, msg.FromID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	targets, err := t.targets(msg)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	body, err := msg.Marshal()
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return ErrNotRunning
	}

	for _, d := range targets {
		d.id = msg.ID
		d.command = msg.Command
		d.body = body
		select {
		case t.lane(d.to) <- d:
		default:
			t.dropped.Add(1)
			return fmt.Errorf("%w: %s to %s", ErrQueueFull, msg.Command, d.to)
		}
	}
	return nil
}

// targets resolves the deliveries for msg.
func (t *Transport) targets(msg *proto.ReplicationMessage) ([]delivery, error) {
	if msg.Routing == proto.RoutingUnicast {
		addr, ok := t.book.Address(msg.ToID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, msg.ToID)
		}
		return []delivery{{to: msg.ToID, url: t.endpoint(addr)}}, nil
	}

	var out []delivery
	for _, id := range t.book.Members() {
		if id == t.nodeID {
			continue
		}
		addr, ok := t.book.Address(id)
		if !ok {
			continue
		}
		out = append(out, delivery{to: id, url: t.endpoint(addr)})
	}
	return out, nil
}

func (t *Transport) endpoint(addr string) string {
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = t.scheme + "://" + addr
	}
	return addr + MessagePath
}

func (t *Transport) worker(queue <-chan delivery) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case d := <-queue:
			if err := t.post(t.ctx, d); err != nil {
				t.failed.Add(1)
				if t.ctx.Err() == nil {
					t.logger.Debug().
						Err(err).
						Str("to", d.to).
						Str("id", d.id).
						Str("command", string(d.command)).
						Msg("replication message delivery failed")
				}
				continue
			}
			t.sent.Add(1)
		}
	}
}

// post delivers one envelope and checks the response status.
func (t *Transport) post(ctx context.Context, d delivery) error {
	token, err := t.signer.sign(t.nodeID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocolHeader, protocolValue)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// RegisterHandler sets the callback for inbound envelopes.
func (t *Transport) RegisterHandler(handler func(*proto.ReplicationMessage)) {
	t.handler.Store(&handler)
}

// ServeHTTP accepts envelopes posted by other nodes. The handler runs
// before the response is written, so a 202 means the envelope was handled.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, ok := bearer(r)
	if !ok {
		t.reject(w, r, "", http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	subject, err := t.signer.verify(raw)
	if err != nil {
		t.reject(w, r, "", http.StatusUnauthorized, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.reject(w, r, subject, http.StatusRequestEntityTooLarge, err)
			return
		}
		t.reject(w, r, subject, http.StatusBadRequest, err)
		return
	}

	msg, err := proto.UnmarshalMessage(body)
	if err != nil {
		t.reject(w, r, subject, http.StatusBadRequest, err)
		return
	}
	if msg.FromID != subject {
		t.reject(w, r, subject, http.StatusForbidden, fmt.Errorf("%w: %q != %q", ErrSenderMismatch, msg.FromID, subject))
		return
	}

	handler := t.handler.Load()
	if handler == nil {
		t.reject(w, r, subject, http.StatusServiceUnavailable, fmt.Errorf("no handler registered"))
		return
	}

	t.received.Add(1)
	(*handler)(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (t *Transport) reject(w http.ResponseWriter, r *http.Request, peer string, code int, err error) {
	t.rejected.Add(1)
	t.logger.Debug().
		Err(err).
		Str("remote", r.RemoteAddr).
		Int("status", code).
		Msg("rejected replication message")
	t.audit.LogPeerReject(peer, code, err.Error(), r.RemoteAddr)
	http.Error(w, http.StatusText(code), code)
}

// Stats returns transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Failed:   t.failed.Load(),
		Dropped:  t.dropped.Load(),
		Received: t.received.Load(),
		Rejected: t.rejected.Load(),
	}
}
