package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// Log holds the logging flags shared by every binary. Embedded with the
// "log-" prefix.
type Log struct {
	Level  string `kong:"help='Log level (trace, debug, info, warn, error)',default='info',enum='trace,debug,info,warn,error'"`
	Format string `kong:"help='Log format (console, json)',default='console',enum='console,json'"`
	File   string `kong:"help='Log file path, rotated; empty disables file output',short='l'"`
	Async  bool   `kong:"help='Write logs through a non-blocking buffer',default='false'"`
}

// DefaultLog returns the default log settings.
func DefaultLog() Log {
	return Log{Level: "info", Format: "console"}
}

// LoggerConfig converts the flags into a logger configuration.
func (l Log) LoggerConfig() *pkg.Config {
	cfg := pkg.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = l.Format
	cfg.AsyncWrite = l.Async
	if l.File != "" {
		cfg.File.Enable = true
		cfg.File.Path = l.File
	}
	return cfg
}

// Validate checks the level and format.
func (l Log) Validate() error {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", l.Level)
	}
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q", l.Format)
	}
	return nil
}

// Coordinator holds the configuration of the ring coordinator.
type Coordinator struct {
	Address string `kong:"help='Address to listen on',default='127.0.0.1',short='a'"`
	Port    int    `kong:"help='Port nodes connect to',default='5100',short='p'"`

	// HTTP API and admin service, 0 disables them
	HTTPPort  int    `kong:"help='HTTP API port, 0 disables',default='0'"`
	GRPCPort  int    `kong:"help='gRPC admin port, 0 disables',default='0'"`
	AuthToken string `kong:"help='Shared token required by the admin service'"`

	PingInterval   time.Duration `kong:"help='Interval between liveness pings',default='700ms'"`
	PingFailures   int           `kong:"help='Consecutive missed pings before a node is dead',default='3'"`
	EvictDeadNodes bool          `kong:"help='Remove dead nodes from the ring',default='true',negatable"`
	HandoffTimeout time.Duration `kong:"help='Abort a pending data handoff after this long',default='30s'"`

	Zeroconf    bool   `kong:"help='Announce the coordinator with zeroconf',default='false'"`
	ClusterName string `kong:"help='Cluster name used for zeroconf',default='ringkv'"`

	Log Log `kong:"embed,prefix='log-'"`
}

// DefaultCoordinator returns the coordinator defaults.
func DefaultCoordinator() *Coordinator {
	return &Coordinator{
		Address:        "127.0.0.1",
		Port:           5100,
		PingInterval:   700 * time.Millisecond,
		PingFailures:   3,
		EvictDeadNodes: true,
		HandoffTimeout: 30 * time.Second,
		ClusterName:    "ringkv",
		Log:            Log{Level: "info", Format: "console", File: "logs/ecs.log"},
	}
}

// Validate checks the coordinator configuration.
func (c *Coordinator) Validate() error {
	if err := validatePort("port", c.Port, false); err != nil {
		return err
	}
	if err := validatePort("HTTP port", c.HTTPPort, true); err != nil {
		return err
	}
	if err := validatePort("gRPC port", c.GRPCPort, true); err != nil {
		return err
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.PingFailures < 1 {
		return fmt.Errorf("ping failures must be at least 1, got %d", c.PingFailures)
	}
	if c.HandoffTimeout <= 0 {
		return fmt.Errorf("handoff timeout must be positive, got %s", c.HandoffTimeout)
	}
	return c.Log.Validate()
}

// ListenAddress returns address:port.
func (c *Coordinator) ListenAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Node holds the configuration of a storage node.
type Node struct {
	Address   string `kong:"help='Address to listen on and announce',default='127.0.0.1',short='a'"`
	Port      int    `kong:"help='Client port',default='5000',short='p'"`
	Bootstrap string `kong:"help='Coordinator address (ip:port); resolved with zeroconf when empty',short='b'"`
	DataDir   string `kong:"help='Directory for the data file',default='data',short='d'"`
	InMemory  bool   `kong:"help='Keep data in memory only',default='false'"`
	EndHash   string `kong:"help='Custom ring position (32 hex chars)',short='e'"`

	CacheSize     int    `kong:"help='Read cache entries, 0 disables',default='100',short='c'"`
	CacheStrategy string `kong:"help='Read cache strategy (none, lru, 2q, arc)',default='lru',enum='none,lru,2q,arc',short='s'"`

	Buckets           int           `kong:"help='Frequency table bucket count',default='3'"`
	OffloadThreshold  int           `kong:"help='Percent of keys to hand off when offloading (0-50)',default='34',short='t'"`
	OffloadOperations int64         `kong:"help='Operations in one window that trigger an offload',default='3000'"`
	UsageWindow       time.Duration `kong:"help='Length of the usage counting window',default='30s'"`
	Rebalance         bool          `kong:"help='Shed load to neighbours automatically',default='true',negatable"`

	PeerTimeout time.Duration `kong:"help='Timeout for node-to-node requests, 0 waits forever',default='5s'"`
	ChunkSize   int           `kong:"help='Maximum bytes per data transfer message',default='128000'"`

	HTTPPort  int    `kong:"help='HTTP API port, 0 disables',default='0'"`
	GRPCPort  int    `kong:"help='gRPC admin port, 0 disables',default='0'"`
	AuthToken string `kong:"help='Shared token required by the admin service'"`

	ClusterName string `kong:"help='Cluster name used for zeroconf',default='ringkv'"`

	Log Log `kong:"embed,prefix='log-'"`
}

// DefaultNode returns the node defaults.
func DefaultNode() *Node {
	return &Node{
		Address:           "127.0.0.1",
		Port:              5000,
		DataDir:           "data",
		CacheSize:         100,
		CacheStrategy:     "lru",
		Buckets:           3,
		OffloadThreshold:  34,
		OffloadOperations: 3000,
		UsageWindow:       30 * time.Second,
		Rebalance:         true,
		PeerTimeout:       5 * time.Second,
		ChunkSize:         128000,
		ClusterName:       "ringkv",
		Log:               DefaultLog(),
	}
}

// ErrInvalidEndHash is returned when the custom ring position is malformed.
var ErrInvalidEndHash = errors.New("invalid end hash")

// Validate checks the node configuration.
func (n *Node) Validate() error {
	if err := validatePort("port", n.Port, false); err != nil {
		return err
	}
	if err := validatePort("HTTP port", n.HTTPPort, true); err != nil {
		return err
	}
	if err := validatePort("gRPC port", n.GRPCPort, true); err != nil {
		return err
	}
	if n.Bootstrap != "" {
		if _, _, err := net.SplitHostPort(n.Bootstrap); err != nil {
			return fmt.Errorf("invalid bootstrap address %q: %w", n.Bootstrap, err)
		}
	}
	if n.EndHash != "" {
		if _, err := hash.Parse(n.EndHash); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEndHash, err)
		}
	}
	if !n.InMemory && n.DataDir == "" {
		return fmt.Errorf("data directory required unless running in memory")
	}
	if n.Buckets < 1 {
		return fmt.Errorf("bucket count must be positive, got %d", n.Buckets)
	}
	if n.OffloadThreshold < 0 || n.OffloadThreshold > 50 {
		return fmt.Errorf("offload threshold must be between 0 and 50, got %d", n.OffloadThreshold)
	}
	if n.OffloadOperations < 1 {
		return fmt.Errorf("offload operations must be positive, got %d", n.OffloadOperations)
	}
	if n.UsageWindow <= 0 {
		return fmt.Errorf("usage window must be positive, got %s", n.UsageWindow)
	}
	if n.PeerTimeout < 0 {
		return fmt.Errorf("peer timeout must not be negative, got %s", n.PeerTimeout)
	}
	if n.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", n.ChunkSize)
	}
	switch strings.ToLower(n.CacheStrategy) {
	case "none", "lru", "2q", "arc":
	default:
		return fmt.Errorf("invalid cache strategy: %q", n.CacheStrategy)
	}
	return n.Log.Validate()
}

// ClientAddress returns address:port.
func (n *Node) ClientAddress() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// CustomHash returns the parsed custom ring position or "" when unset.
func (n *Node) CustomHash() hash.ID {
	if n.EndHash == "" {
		return ""
	}
	id, err := hash.Parse(n.EndHash)
	if err != nil {
		return ""
	}
	return id
}

// DataPath returns the bbolt file for this node.
func (n *Node) DataPath() string {
	return filepath.Join(n.DataDir, fmt.Sprintf("%s_%d.db", n.Address, n.Port))
}

// Client holds the configuration of the routing client.
type Client struct {
	Server         string        `kong:"help='Any node of the cluster (ip:port)',default='127.0.0.1:5000',short='s'"`
	Timeout        time.Duration `kong:"help='Request timeout',default='5s'"`
	MaxRetries     int           `kong:"help='Retries for stopped or write locked nodes',default='10'"`
	InitialBackoff time.Duration `kong:"help='First backoff interval',default='100ms'"`
	MaxBackoff     time.Duration `kong:"help='Longest backoff interval',default='5s'"`
	ReplicaReads   bool          `kong:"help='Route reads to any replica holder',default='false'"`
}

// DefaultClient returns the client defaults.
func DefaultClient() *Client {
	return &Client{
		Server:         "127.0.0.1:5000",
		Timeout:        5 * time.Second,
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Validate checks the client configuration.
func (c *Client) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("invalid server address %q: %w", c.Server, err)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

func validatePort(name string, port int, optional bool) error {
	if optional && port == 0 {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}
