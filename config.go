package txcore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/transport"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9440"
	// DefaultStore keeps the operation log in memory.
	DefaultStore = "mem://"
	// DefaultQuorum selects majority agreement.
	DefaultQuorum = "majority"
	// DefaultTimeoutCheckInterval is how often open request contexts check for expiry.
	DefaultTimeoutCheckInterval = coord.DefaultTimeoutCheckInterval
	// DefaultOperationTimeout bounds how long a request context may stay unresolved.
	DefaultOperationTimeout = coord.DefaultOperationTimeout
	// DefaultSendTimeout bounds one POST to a peer.
	DefaultSendTimeout = transport.DefaultSendTimeout
	// DefaultSubmitTimeout bounds how long a client request waits for its outcome.
	DefaultSubmitTimeout = DefaultOperationTimeout + 5*time.Second
	// DefaultMaxRequestBytes caps request bodies on every endpoint.
	DefaultMaxRequestBytes int64 = transport.DefaultMaxBodyBytes
	// DefaultMetricsListen is empty, which disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty, which disables pprof.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Namespaces hosted by every server.
const (
	NamespaceTxn        = "txn"
	NamespaceStructural = "structural"
)

// Peer is another cluster node reachable over HTTP.
type Peer struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

// Config captures the tunables for a txcore node.
type Config struct {
	// NodeName identifies this node among its peers.
	NodeName string `yaml:"node-name"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Peers lists the other nodes. Every node, this one included, is a
	// participant of both namespaces.
	Peers []Peer `yaml:"peers"`
	// Coordinator names the node running the coordinators. Empty picks the
	// lowest member name so every node agrees without configuration.
	Coordinator string `yaml:"coordinator"`
	// Store is the operation log location: mem:// or bolt:///path/oplog.db.
	Store string `yaml:"store"`
	// Quorum is majority or all.
	Quorum               string        `yaml:"quorum"`
	TimeoutCheckInterval time.Duration `yaml:"timeout-check-interval"`
	OperationTimeout     time.Duration `yaml:"operation-timeout"`
	SendTimeout          time.Duration `yaml:"send-timeout"`
	SubmitTimeout        time.Duration `yaml:"submit-timeout"`
	MaxRequestBytes      int64         `yaml:"max-request-bytes"`
	// UniqueIndexes declares Class.field unique indexes on the local store.
	UniqueIndexes []string `yaml:"unique-indexes"`

	MetricsListen  string `yaml:"metrics-listen"`
	PprofListen    string `yaml:"pprof-listen"`
	OTLPEndpoint   string `yaml:"otlp-endpoint"`
	RuntimeMetrics bool   `yaml:"runtime-metrics"`
}

// DefaultConfig returns a single-node configuration.
func DefaultConfig() Config {
	return Config{
		Listen:               DefaultListen,
		Store:                DefaultStore,
		Quorum:               DefaultQuorum,
		TimeoutCheckInterval: DefaultTimeoutCheckInterval,
		OperationTimeout:     DefaultOperationTimeout,
		SendTimeout:          DefaultSendTimeout,
		SubmitTimeout:        DefaultSubmitTimeout,
		MaxRequestBytes:      DefaultMaxRequestBytes,
		MetricsListen:        DefaultMetricsListen,
		PprofListen:          DefaultPprofListen,
	}
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.NodeName = strings.TrimSpace(c.NodeName)
	if c.NodeName == "" {
		return fmt.Errorf("config: node name is required")
	}
	if strings.ContainsAny(c.NodeName, "=, \t") {
		return fmt.Errorf("config: invalid node name %q", c.NodeName)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	c.Quorum = strings.ToLower(strings.TrimSpace(c.Quorum))
	if c.Quorum == "" {
		c.Quorum = DefaultQuorum
	}
	if _, err := coord.ParseQuorum(c.Quorum); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.TimeoutCheckInterval == 0 {
		c.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	} else if c.TimeoutCheckInterval < 0 {
		return fmt.Errorf("config: timeout check interval must be > 0")
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	} else if c.OperationTimeout < 0 {
		return fmt.Errorf("config: operation timeout must be > 0")
	}
	if c.OperationTimeout < c.TimeoutCheckInterval {
		return fmt.Errorf("config: operation timeout (%s) shorter than timeout check interval (%s)", c.OperationTimeout, c.TimeoutCheckInterval)
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = c.OperationTimeout + 5*time.Second
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}

	seen := map[string]bool{c.NodeName: true}
	for i, p := range c.Peers {
		p.Name = strings.TrimSpace(p.Name)
		p.Endpoint = strings.TrimSpace(p.Endpoint)
		if p.Name == "" || p.Endpoint == "" {
			return fmt.Errorf("config: peer %d requires name and endpoint", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate member %q", p.Name)
		}
		u, err := url.Parse(p.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: peer %s endpoint %q must be an http(s) URL", p.Name, p.Endpoint)
		}
		seen[p.Name] = true
		c.Peers[i] = p
	}
	c.Coordinator = strings.TrimSpace(c.Coordinator)
	if c.Coordinator == "" {
		c.Coordinator = c.Members()[0]
	} else if !seen[c.Coordinator] {
		return fmt.Errorf("config: coordinator %q is not a member", c.Coordinator)
	}
	for _, idx := range c.UniqueIndexes {
		if _, _, err := ParseUniqueIndex(idx); err != nil {
			return err
		}
	}
	return nil
}

// Members lists every node name, this one included, in sorted order.
func (c *Config) Members() []string {
	names := []string{c.NodeName}
	for _, p := range c.Peers {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return slices.Compact(names)
}

// IsCoordinator reports whether this node runs the coordinators.
func (c *Config) IsCoordinator() bool {
	return c.Coordinator == c.NodeName
}

// ParsePeers reads name=endpoint pairs separated by commas.
func ParsePeers(raw []string) ([]Peer, error) {
	var out []Peer
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, endpoint, ok := strings.Cut(part, "=")
			if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(endpoint) == "" {
				return nil, fmt.Errorf("config: peer %q must be name=endpoint", part)
			}
			out = append(out, Peer{Name: strings.TrimSpace(name), Endpoint: strings.TrimSpace(endpoint)})
		}
	}
	return out, nil
}

// ParseUniqueIndex splits Class.field.
func ParseUniqueIndex(raw string) (class, field string, err error) {
	class, field, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || class == "" || field == "" {
		return "", "", fmt.Errorf("config: unique index %q must be Class.field", raw)
	}
	return class, field, nil
}

// DefaultConfigDir returns $TXCORE_CONFIG_DIR, or $HOME/.txcore.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TXCORE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".txcore"), nil
}
