// Package netmon watches local interface addresses so a node can refresh its
// neighbor view when the host moves between networks.
package netmon

import (
	"context"
	"net"
	"path/filepath"
	"sort"
	"time"
)

// ChangeType represents the type of network change detected.
type ChangeType int

const (
	ChangeUnknown ChangeType = iota
	ChangeAddressAdded
	ChangeAddressRemoved
)

// String returns a string representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeAddressAdded:
		return "address_added"
	case ChangeAddressRemoved:
		return "address_removed"
	default:
		return "unknown"
	}
}

// Event represents a network change event.
type Event struct {
	Type      ChangeType
	Interface string
	Address   string
	Timestamp time.Time
	Changes   int // Raw changes coalesced into this event
}

// AddressSource lists the current addresses keyed by "iface/addr".
type AddressSource func() (map[string]string, error)

// Config holds monitor configuration.
type Config struct {
	// PollInterval is how often interfaces are listed. Default: 5s
	PollInterval time.Duration

	// DebounceInterval is the quiet period before a burst of changes is
	// reported as one event. Default: 500ms
	DebounceInterval time.Duration

	// IgnoreInterfaces contains interface name patterns to ignore.
	// Nil means the defaults; use an empty slice to watch everything.
	IgnoreInterfaces []string

	// Source overrides net.Interfaces, for tests.
	Source AddressSource
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		IgnoreInterfaces: []string{"lo", "lo0", "docker*", "veth*", "br-*"},
	}
}

// Monitor polls interface addresses and reports differences.
type Monitor struct {
	cfg  Config
	last map[string]string
}

// New creates a monitor. Zero config fields take their defaults.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.IgnoreInterfaces == nil {
		cfg.IgnoreInterfaces = def.IgnoreInterfaces
	}
	m := &Monitor{cfg: cfg}
	if m.cfg.Source == nil {
		m.cfg.Source = m.interfaceAddrs
	}
	return m
}

// Start takes a baseline snapshot and returns a debounced event channel.
// The channel is closed when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) (<-chan Event, error) {
	baseline, err := m.cfg.Source()
	if err != nil {
		return nil, err
	}
	m.last = baseline

	raw := make(chan Event, 16)
	go m.pollLoop(ctx, raw)
	return NewDebouncer(raw, m.cfg.DebounceInterval).Run(ctx), nil
}

func (m *Monitor) pollLoop(ctx context.Context, out chan<- Event) {
	defer close(out)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := m.cfg.Source()
			if err != nil {
				continue
			}
			for _, ev := range diff(m.last, current) {
				select {
				case out <- ev:
				default:
				}
			}
			m.last = current
		}
	}
}

// diff returns one event per added or removed address, in key order.
func diff(prev, current map[string]string) []Event {
	now := time.Now()
	var events []Event
	for _, key := range sortedKeys(current) {
		if _, ok := prev[key]; !ok {
			events = append(events, newEvent(ChangeAddressAdded, key, current[key], now))
		}
	}
	for _, key := range sortedKeys(prev) {
		if _, ok := current[key]; !ok {
			events = append(events, newEvent(ChangeAddressRemoved, key, prev[key], now))
		}
	}
	return events
}

func newEvent(typ ChangeType, key, iface string, at time.Time) Event {
	addr := key
	if len(key) > len(iface) && key[:len(iface)+1] == iface+"/" {
		addr = key[len(iface)+1:]
	}
	return Event{Type: typ, Interface: iface, Address: addr, Timestamp: at}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Monitor) ignored(name string) bool {
	for _, pattern := range m.cfg.IgnoreInterfaces {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

func (m *Monitor) interfaceAddrs() (map[string]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || m.ignored(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			result[iface.Name+"/"+addr.String()] = iface.Name
		}
	}
	return result, nil
}
