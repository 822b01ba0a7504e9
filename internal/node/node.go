// Package node runs a storage node: it serves the client and peer command
// surface on its client port, follows the coordinator's ring updates,
// mirrors its two predecessors and sheds load to its neighbours.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/balance"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// RoleNode is reported by the admin service and HTTP API.
const RoleNode = "node"

// Node is one storage server of the ring.
type Node struct {
	cfg    *config.Node
	logger *pkg.Logger
	sink   metrics.Sink
	events api.Publisher
	peers  *transport.PeerClient

	engine storage.Engine
	store  storage.Store

	// mu guards the ring copy, the owned range and the gates. Writes to the
	// primary store hold it shared so a write lock waits for them.
	mu        sync.RWMutex
	ring      *ring.Ring
	start     hash.ID
	end       hash.ID
	hasRange  bool
	writeLock bool
	joining   bool
	stopped   bool
	seenRing  bool

	replicaMu sync.RWMutex
	replicas  map[string]storage.Store

	syncMu      sync.Mutex
	transferred atomic.Bool

	freq        *balance.FrequencyTable
	usage       *balance.UsageMetrics
	offloading  atomic.Bool
	leaving     atomic.Bool
	linkClosed  chan struct{}
	coordinator *protocol.Conn

	listener net.Listener
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a node and opens its storage. sink and events may be nil.
func New(cfg *config.Node, logger *pkg.Logger, sink metrics.Sink, events api.Publisher) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if sink == nil {
		sink = metrics.NewBlackHoleSink()
	}
	if events == nil {
		events = api.NopPublisher()
	}

	freq, err := balance.NewFrequencyTable(cfg.Buckets, cfg.OffloadThreshold)
	if err != nil {
		return nil, err
	}

	var engine storage.Engine
	if cfg.InMemory {
		engine = storage.NewMemoryEngine()
	} else {
		bolt, err := storage.OpenBolt(cfg.DataPath())
		if err != nil {
			return nil, err
		}
		engine = bolt
	}

	primary, err := engine.Open(storage.PrimaryStore)
	if err != nil {
		engine.Close()
		return nil, err
	}
	store, err := storage.NewCachedStore(primary, cfg.CacheStrategy, cfg.CacheSize)
	if err != nil {
		engine.Close()
		return nil, err
	}

	log := logger.WithFields(pkg.Fields{"component": "node", "node": cfg.ClientAddress()})
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:        cfg,
		logger:     log,
		sink:       sink,
		events:     events,
		peers:      transport.NewPeerClient(log, cfg.PeerTimeout),
		engine:     engine,
		store:      store,
		ring:       ring.New(),
		stopped:    true,
		replicas:   make(map[string]storage.Store),
		freq:       freq,
		usage:      balance.NewUsageMetrics(),
		linkClosed: make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	n.logger.Info().
		Str("storage", engineKind(cfg)).
		Str("cache", cfg.CacheStrategy).
		Int("cache_size", cfg.CacheSize).
		Msg("Node created")
	return n, nil
}

func engineKind(cfg *config.Node) string {
	if cfg.InMemory {
		return "memory"
	}
	return cfg.DataPath()
}

// SetPublisher replaces the event publisher. Call before Start.
func (n *Node) SetPublisher(events api.Publisher) {
	if events != nil {
		n.events = events
	}
}

// Start opens the client port, then connects to the coordinator and asks to
// join. The node answers server_stopped until the coordinator confirms.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.cfg.ClientAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ClientAddress(), err)
	}
	n.listener = listener

	n.wg.Add(2)
	go n.acceptLoop()
	go func() {
		defer n.wg.Done()
		n.usage.Run(n.ctx, n.cfg.UsageWindow)
	}()

	n.logger.Info().Str("address", listener.Addr().String()).Msg("Node listening")

	if err := n.connectCoordinator(); err != nil {
		return fmt.Errorf("failed to reach coordinator: %w", err)
	}
	return nil
}

// Stop closes every connection and the storage. It does not hand data
// over; call Leave first for a graceful exit.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.cancel()
		if n.listener != nil {
			n.listener.Close()
		}
		if n.coordinator != nil {
			n.coordinator.Close()
		}

		n.connMu.Lock()
		for c := range n.conns {
			c.Close()
		}
		n.connMu.Unlock()

		n.wg.Wait()
		err = n.engine.Close()
		n.logger.Info().Msg("Node stopped")
	})
	return err
}

// Ring returns a snapshot of the node's copy of the ring.
func (n *Node) Ring() *ring.Ring {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ring.Clone()
}

// Role implements transport.RingSource.
func (n *Node) Role() string {
	return RoleNode
}

// Address returns the client address, ip:port.
func (n *Node) Address() string {
	return hash.JoinAddress(n.cfg.Address, n.cfg.Port)
}

// Range returns the owned arc and whether the node is on the ring.
func (n *Node) Range() (hash.ID, hash.ID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.start, n.end, n.hasRange
}

// Stopped reports whether the node still waits for the coordinator.
func (n *Node) Stopped() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stopped
}

// WriteLocked reports whether writes are currently rejected.
func (n *Node) WriteLocked() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.writeLock || n.joining
}

// Replicas returns the addresses of the mirrored predecessors.
func (n *Node) Replicas() []string {
	n.replicaMu.RLock()
	defer n.replicaMu.RUnlock()
	out := make([]string, 0, len(n.replicas))
	for addr := range n.replicas {
		out = append(out, addr)
	}
	return out
}

// Usage returns the operation counters.
func (n *Node) Usage() *balance.UsageMetrics {
	return n.usage
}

// FrequencyTable returns the key distribution over the owned arc.
func (n *Node) FrequencyTable() *balance.FrequencyTable {
	return n.freq
}

func (n *Node) setWriteLock(locked bool) {
	n.mu.Lock()
	n.writeLock = locked
	n.mu.Unlock()
	n.logger.Debug().Bool("locked", locked).Msg("Write lock toggled")
}

func (n *Node) self() (string, int) {
	return n.cfg.Address, n.cfg.Port
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		raw, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		n.connMu.Lock()
		n.conns[raw] = struct{}{}
		n.connMu.Unlock()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer func() {
				n.connMu.Lock()
				delete(n.conns, raw)
				n.connMu.Unlock()
				raw.Close()
			}()
			n.serveConn(protocol.NewConn(raw))
		}()
	}
}
