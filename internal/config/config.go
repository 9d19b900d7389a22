// Package config handles configuration loading and validation for avstore nodes.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/lukw00heck/av-service/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Store engines.
const (
	StoreDisk   = "disk"
	StoreMemory = "memory"
)

// Duration is a time.Duration read from YAML as a string like "1s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GossipConfig configures memberlist-based peer address discovery.
type GossipConfig struct {
	Enabled bool     `yaml:"enabled"`
	Bind    string   `yaml:"bind"`  // Gossip listen address (default: ":7946")
	Seeds   []string `yaml:"seeds"` // Gossip addresses of nodes to join
}

// LokiConfig configures log shipping to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"`            // Empty disables shipping
	Labels        map[string]string `yaml:"labels"`         // Extra stream labels
	BatchSize     int               `yaml:"batch_size"`     // Default: 100
	FlushInterval Duration          `yaml:"flush_interval"` // Default: 5s
}

// NodeConfig holds configuration for one storage node.
type NodeConfig struct {
	NodeID    string `yaml:"node_id"`
	Listen    string `yaml:"listen"`    // HTTP listen address
	Advertise string `yaml:"advertise"` // Address peers use to reach this node (default: listen)
	DataDir   string `yaml:"data_dir"`  // Disk store root (default: /var/lib/avstore)
	Store     string `yaml:"store"`     // disk or memory (default: disk)

	ReplicationCount  int      `yaml:"replication_count"`  // Copies including the local one (default: 3)
	ResponseTimeout   Duration `yaml:"response_timeout"`   // Default: 1s
	DiscoveryInterval Duration `yaml:"discovery_interval"` // Default: 20s
	LockWaitTimeout   Duration `yaml:"lock_wait_timeout"`  // Default: 5s
	LockHoldTimeout   Duration `yaml:"lock_hold_timeout"`  // Default: 60s

	TransferRate bytesize.Rate `yaml:"transfer_rate"` // Default: 1MB per second
	MaxPayload   bytesize.Size `yaml:"max_payload"`   // Default: 64MB

	AuthToken     string            `yaml:"auth_token"`      // Shared cluster secret
	AuthTokenFile string            `yaml:"auth_token_file"` // Read when auth_token is empty
	Peers         map[string]string `yaml:"peers"`           // Static node id to address map
	Gossip        GossipConfig      `yaml:"gossip"`

	RateLimit int `yaml:"rate_limit"` // Inbound requests per second (default: 1000, -1 = unlimited)
	RateBurst int `yaml:"rate_burst"` // Default: 100

	LogLevel     string     `yaml:"log_level"`
	Loki         LokiConfig `yaml:"loki"`
	Tracing      bool       `yaml:"tracing"`       // Keep a runtime trace served at /debug/trace
	WatchNetwork bool       `yaml:"watch_network"` // Refresh neighbors when local addresses change
}

// LoadNodeConfig loads node configuration from a YAML file and applies defaults.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.ResolveAuthToken(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Advertise == "" {
		c.Advertise = c.Listen
	}
	if c.Store == "" {
		c.Store = StoreDisk
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/avstore"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.ReplicationCount == 0 {
		c.ReplicationCount = 3
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = Duration(time.Second)
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = Duration(20 * time.Second)
	}
	if c.LockWaitTimeout == 0 {
		c.LockWaitTimeout = Duration(5 * time.Second)
	}
	if c.LockHoldTimeout == 0 {
		c.LockHoldTimeout = Duration(60 * time.Second)
	}
	if c.TransferRate == 0 {
		c.TransferRate = bytesize.Rate(bytesize.MB)
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = bytesize.Size(64 * bytesize.MB)
	}
	if c.Gossip.Enabled && c.Gossip.Bind == "" {
		c.Gossip.Bind = ":7946"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1000
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
	if c.Loki.URL != "" {
		if c.Loki.BatchSize == 0 {
			c.Loki.BatchSize = 100
		}
		if c.Loki.FlushInterval == 0 {
			c.Loki.FlushInterval = Duration(5 * time.Second)
		}
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.ReplicationCount < 1 {
		return fmt.Errorf("replication_count must be at least 1")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token or auth_token_file is required")
	}
	switch c.Store {
	case StoreDisk:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the disk store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StoreDisk, StoreMemory, c.Store)
	}
	if c.ResponseTimeout < 0 || c.DiscoveryInterval < 0 || c.LockWaitTimeout < 0 || c.LockHoldTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.TransferRate < 0 {
		return fmt.Errorf("transfer_rate must not be negative")
	}
	if c.MaxPayload < 0 {
		return fmt.Errorf("max_payload must not be negative")
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rate_burst must not be negative")
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			return fmt.Errorf("peers entries need both a node id and an address")
		}
	}
	if c.Gossip.Enabled {
		if _, _, err := net.SplitHostPort(c.Gossip.Bind); err != nil {
			return fmt.Errorf("invalid gossip.bind: %w", err)
		}
	}
	if c.Loki.URL != "" {
		u, err := url.Parse(c.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("loki.url must be an http(s) URL, got %q", c.Loki.URL)
		}
		if c.Loki.BatchSize < 0 || c.Loki.FlushInterval < 0 {
			return fmt.Errorf("loki batch_size and flush_interval must not be negative")
		}
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level from a level name.
// It reports whether a level was applied; empty or unknown names are ignored.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
