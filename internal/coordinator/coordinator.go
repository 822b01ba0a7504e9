// Package coordinator runs the ring coordinator: it accepts node
// connections, owns the canonical ring and orchestrates the data handoffs
// that go with every membership change.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/discovery"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

// RoleCoordinator is reported by the admin service and HTTP API.
const RoleCoordinator = "coordinator"

// Coordinator is the single authority over ring membership. All ring
// mutations and broadcasts happen under mu; topology changes that need a
// data handoff run one at a time.
type Coordinator struct {
	cfg    *config.Coordinator
	logger *pkg.Logger
	sink   metrics.Sink
	events api.Publisher

	mu       sync.Mutex
	ring     *ring.Ring
	sessions map[string]*session
	probers  map[string]*prober
	pending  *handoff
	queue    []func()

	listener net.Listener
	registry *discovery.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. sink and events may be nil.
func New(cfg *config.Coordinator, logger *pkg.Logger, sink metrics.Sink, events api.Publisher) (*Coordinator, error) {
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		logger:   logger.WithFields(pkg.Fields{"component": "coordinator"}),
		sink:     sink,
		events:   events,
		ring:     ring.New(),
		sessions: make(map[string]*session),
		probers:  make(map[string]*prober),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// SetPublisher replaces the event publisher. Call before Start.
func (c *Coordinator) SetPublisher(events api.Publisher) {
	if events != nil {
		c.events = events
	}
}

// Start listens for node connections and serves them in the background.
func (c *Coordinator) Start() error {
	listener, err := net.Listen("tcp", c.cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.ListenAddress(), err)
	}
	c.listener = listener

	if c.cfg.Zeroconf {
		c.registry = discovery.NewRegistry(c.cfg.ClusterName)
		port := listener.Addr().(*net.TCPAddr).Port
		if err := c.registry.RegisterCoordinator(c.cfg.Address, port); err != nil {
			c.logger.Warn().Err(err).Msg("Zeroconf announcement failed")
		}
	}

	c.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Coordinator listening")

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Addr returns the bound address once started.
func (c *Coordinator) Addr() string {
	if c.listener == nil {
		return c.cfg.ListenAddress()
	}
	return c.listener.Addr().String()
}

// Ring returns a snapshot of the canonical ring.
func (c *Coordinator) Ring() *ring.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Clone()
}

// Role implements transport.RingSource.
func (c *Coordinator) Role() string {
	return RoleCoordinator
}

// Address implements transport.RingSource.
func (c *Coordinator) Address() string {
	return c.Addr()
}

// Stop closes the listener and every node session.
func (c *Coordinator) Stop() error {
	c.cancel()

	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}
	if c.registry != nil {
		c.registry.Shutdown()
	}

	c.mu.Lock()
	for _, s := range c.sessions {
		s.close()
	}
	for addr, p := range c.probers {
		p.stop()
		delete(c.probers, addr)
	}
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
	c.queue = nil
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("Coordinator stopped")

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()

	for {
		raw, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s := newSession(c, protocol.NewConn(raw))
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			s.serve()
		}()
	}
}

// broadcastLocked sends the ring to every node on it.
func (c *Coordinator) broadcastLocked() {
	text := c.ring.String()
	c.sink.SetRingSize(c.ring.Size())

	for _, n := range c.ring.Nodes() {
		s, ok := c.sessions[n.Address()]
		if !ok {
			continue
		}
		if err := s.send(protocol.CmdMetadata, text); err != nil {
			s.logger.Warn().Err(err).Msg("Metadata broadcast failed")
		}
	}

	c.logger.Debug().
		Int("ring_size", c.ring.Size()).
		Msg("Metadata broadcast")
}

// sendMetadataLocked sends the ring to one session.
func (c *Coordinator) sendMetadataLocked(s *session) error {
	return s.send(protocol.CmdMetadata, c.ring.String())
}

// enqueueLocked schedules a topology operation. Operations run in arrival
// order; one that starts a handoff blocks the queue until it finishes.
func (c *Coordinator) enqueueLocked(op func()) {
	c.queue = append(c.queue, op)
	c.runQueueLocked()
}

func (c *Coordinator) runQueueLocked() {
	for c.pending == nil && len(c.queue) > 0 {
		op := c.queue[0]
		c.queue = c.queue[1:]
		op()
	}
}

// nodeDead is called by a prober once its node missed too many pings.
func (c *Coordinator) nodeDead(p *prober) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.probers[p.addr] != p {
		return
	}
	addr := p.addr
	delete(c.probers, addr)
	c.sink.LogDeadNode(addr)
	c.logger.Warn().Str("node", addr).Msg("Node stopped answering pings")

	if !c.cfg.EvictDeadNodes {
		return
	}
	c.enqueueLocked(func() { c.evictLocked(addr) })
}

// evictLocked takes a node off the ring without a handoff. Its range is
// absorbed by the predecessor; the data survives only on replicas.
func (c *Coordinator) evictLocked(addr string) {
	ip, port, err := ring.SplitAddress(addr)
	if err != nil {
		return
	}
	if s, ok := c.sessions[addr]; ok {
		s.markLeft()
		s.close()
	}
	if _, err := c.ring.Remove(ip, port); err != nil {
		return
	}

	c.sink.LogHandoff(kindEvict, outcomeDone)
	c.logger.Warn().Str("node", addr).Msg("Dead node evicted from ring")
	c.broadcastLocked()
	c.events.Publish(api.Event{Type: api.EventNodeEvicted, Node: addr, Ring: c.ring.String()})
}

// addProberLocked starts the liveness prober for a node.
func (c *Coordinator) addProberLocked(addr string) {
	if old, ok := c.probers[addr]; ok {
		old.stop()
	}
	p := newProber(addr, c.cfg.PingInterval, c.cfg.PingFailures, c.logger, c.nodeDead)
	c.probers[addr] = p

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p.run(c.ctx)
	}()
}

func (c *Coordinator) removeProberLocked(addr string) {
	if p, ok := c.probers[addr]; ok {
		p.stop()
		delete(c.probers, addr)
	}
}
