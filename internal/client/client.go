// Package client routes requests to the node owning each key. It caches the
// ring, refreshes it when a node answers server_not_responsible and backs
// off while the owner is stopped or write locked.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

var (
	// ErrNotResponsible is returned when the ring kept moving and no owner
	// accepted the key within the retry budget.
	ErrNotResponsible = errors.New("no responsible node")

	// ErrUnavailable is returned when the owner stayed stopped or write locked.
	ErrUnavailable = errors.New("node unavailable")

	// ErrRejected is returned when a node refused the request outright.
	ErrRejected = errors.New("request rejected")

	// ErrUnexpectedReply is returned for a reply the client does not understand.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// readRange is the arc a node can answer reads for, own data and mirrors.
type readRange struct {
	start hash.ID
	end   hash.ID
	addr  string
}

// Client is safe for concurrent use.
type Client struct {
	cfg    *config.Client
	logger *pkg.Logger

	mu    sync.Mutex
	ring  *ring.Ring
	reads []readRange
	conns map[string]*protocol.Conn
}

// New creates a client. No connection is made until the first request.
func New(cfg *config.Client, logger *pkg.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		cfg:    cfg,
		logger: logger.WithFields(pkg.Fields{"component": "client"}),
		conns:  make(map[string]*protocol.Conn),
	}, nil
}

// Put stores value under key and reports whether an existing value was
// replaced.
func (c *Client) Put(ctx context.Context, key, value string) (bool, error) {
	if err := storage.ValidateRecord(key, value); err != nil {
		return false, err
	}
	reply, err := c.do(ctx, key, false, protocol.Line(protocol.CmdPut, key, value))
	if err != nil {
		return false, err
	}

	switch protocol.Command(reply) {
	case protocol.RespPutSuccess:
		return false, nil
	case protocol.RespPutUpdate:
		return true, nil
	case protocol.RespPutError:
		return false, fmt.Errorf("%w: put %s", ErrRejected, key)
	}
	return false, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}

// Get returns the value of key or pkg.ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := storage.ValidateRecord(key, ""); err != nil {
		return "", err
	}
	reply, err := c.do(ctx, key, true, protocol.Line(protocol.CmdGet, key))
	if err != nil {
		return "", err
	}

	msg := protocol.Parse(reply)
	switch msg.Command {
	case protocol.RespGetSuccess:
		return msg.Rest(1), nil
	case protocol.RespGetError:
		return "", fmt.Errorf("%w: %s", pkg.ErrKeyNotFound, key)
	}
	return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}

// Delete removes key and returns the value it held.
func (c *Client) Delete(ctx context.Context, key string) (string, error) {
	if err := storage.ValidateRecord(key, ""); err != nil {
		return "", err
	}
	reply, err := c.do(ctx, key, false, protocol.Line(protocol.CmdDelete, key))
	if err != nil {
		return "", err
	}

	msg := protocol.Parse(reply)
	switch msg.Command {
	case protocol.RespDeleteSuccess:
		return msg.Rest(1), nil
	case protocol.RespDeleteError:
		return "", fmt.Errorf("%w: %s", pkg.ErrKeyNotFound, key)
	}
	return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}

// KeyRange returns the ring text as served by the configured node.
func (c *Client) KeyRange(ctx context.Context) (string, error) {
	return c.ringText(ctx, c.cfg.Server, protocol.CmdKeyRange, protocol.RespKeyRange)
}

// KeyRangeRead returns the read ranges as served by the configured node.
func (c *Client) KeyRangeRead(ctx context.Context) (string, error) {
	return c.ringText(ctx, c.cfg.Server, protocol.CmdKeyRangeRead, protocol.RespKeyRangeRead)
}

// Call sends line to addr, or to the configured node when addr is empty,
// and returns the raw reply.
func (c *Client) Call(ctx context.Context, addr, line string) (string, error) {
	if addr == "" {
		addr = c.cfg.Server
	}
	return c.call(ctx, addr, line)
}

// Ring returns the cached ring, loading it first if needed.
func (c *Client) Ring(ctx context.Context) (*ring.Ring, error) {
	c.mu.Lock()
	r := c.ring
	c.mu.Unlock()
	if r != nil {
		return r.Clone(), nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Clone(), nil
}

// Close says goodbye on every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.Send(protocol.CmdClosingClient)
		conn.Close()
		delete(c.conns, addr)
	}
	return nil
}

// do routes line by key and retries per the configured policy.
func (c *Client) do(ctx context.Context, key string, read bool, line string) (string, error) {
	h := hash.Key(key)
	attempt := 0

	operation := func() (string, error) {
		attempt++
		addr, err := c.route(ctx, h, read)
		if err != nil {
			return "", err
		}

		reply, err := c.call(ctx, addr, line)
		if err != nil {
			c.invalidate()
			return "", err
		}

		switch protocol.Command(reply) {
		case protocol.RespNotResponsible:
			c.invalidate()
			return "", fmt.Errorf("%w: %s for %s", ErrNotResponsible, addr, key)
		case protocol.RespStopped, protocol.RespWriteLock:
			return "", fmt.Errorf("%w: %s answered %s", ErrUnavailable, addr, reply)
		}
		if strings.HasPrefix(reply, protocol.RespError) {
			return "", backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, reply))
		}
		return reply, nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying request")
	}

	return backoff.RetryNotifyWithData(operation, c.policy(ctx), notify)
}

// policy is exponential backoff with jitter, bounded by MaxRetries.
func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
}

// route picks the node for h, loading the ring if none is cached.
func (c *Client) route(ctx context.Context, h hash.ID, read bool) (string, error) {
	c.mu.Lock()
	loaded := c.ring != nil
	c.mu.Unlock()
	if !loaded {
		if err := c.refresh(ctx); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if read && c.cfg.ReplicaReads && len(c.reads) > 0 {
		var holders []string
		for _, rr := range c.reads {
			if hash.InRange(h, rr.start, rr.end) {
				holders = append(holders, rr.addr)
			}
		}
		if len(holders) > 0 {
			return holders[rand.IntN(len(holders))], nil
		}
	}

	if c.ring == nil {
		return "", fmt.Errorf("%w: ring not loaded", ErrUnavailable)
	}
	owner, ok := c.ring.LookupByHash(h)
	if !ok {
		c.ring = nil
		return "", fmt.Errorf("%w: ring is empty", ErrUnavailable)
	}
	return owner.Address(), nil
}

// refresh loads the ring from the configured node, falling back to the
// nodes of the previous ring.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	candidates := []string{c.cfg.Server}
	if c.ring != nil {
		for _, n := range c.ring.Nodes() {
			if n.Address() != c.cfg.Server {
				candidates = append(candidates, n.Address())
			}
		}
	}
	c.mu.Unlock()

	var lastErr error
	for _, addr := range candidates {
		text, err := c.ringText(ctx, addr, protocol.CmdKeyRange, protocol.RespKeyRange)
		if err != nil {
			lastErr = err
			continue
		}
		r, err := ring.Parse(text)
		if err != nil {
			return backoff.Permanent(err)
		}

		var reads []readRange
		if c.cfg.ReplicaReads {
			readText, err := c.ringText(ctx, addr, protocol.CmdKeyRangeRead, protocol.RespKeyRangeRead)
			if err == nil {
				reads, err = parseReadRanges(readText)
			}
			if err != nil {
				c.logger.Warn().Err(err).Str("node", addr).Msg("Read ranges unavailable, reading from owners")
			}
		}

		c.mu.Lock()
		c.ring, c.reads = r, reads
		c.mu.Unlock()

		c.logger.Debug().Str("node", addr).Int("ring_size", r.Size()).Msg("Ring refreshed")
		return nil
	}
	return lastErr
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.ring = nil
	c.reads = nil
	c.mu.Unlock()
}

func (c *Client) ringText(ctx context.Context, addr, command, success string) (string, error) {
	reply, err := c.call(ctx, addr, command)
	if err != nil {
		return "", err
	}
	msg := protocol.Parse(reply)
	switch msg.Command {
	case success:
		return msg.Rest(0), nil
	case protocol.RespStopped:
		return "", fmt.Errorf("%w: %s answered %s", ErrUnavailable, addr, reply)
	}
	return "", fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}

// call sends line on the cached connection to addr, dialing on first use.
// A connection is held by one caller at a time.
func (c *Client) call(ctx context.Context, addr, line string) (string, error) {
	c.mu.Lock()
	conn := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = protocol.Dial(ctx, addr, c.cfg.Timeout)
		if err != nil {
			return "", err
		}
	}

	reply, err := conn.Request(line)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("request to %s: %w", addr, err)
	}

	c.mu.Lock()
	if _, taken := c.conns[addr]; taken {
		c.mu.Unlock()
		conn.Send(protocol.CmdClosingClient)
		conn.Close()
	} else {
		c.conns[addr] = conn
		c.mu.Unlock()
	}
	return reply, nil
}

// parseReadRanges reads keyrange_read text: start,end,ip:port; entries.
func parseReadRanges(text string) ([]readRange, error) {
	var out []readRange
	for _, entry := range strings.Split(strings.TrimSpace(text), ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: entry %q", ring.ErrInvalidRing, entry)
		}
		start, err := hash.Parse(parts[0])
		if err != nil {
			return nil, err
		}
		end, err := hash.Parse(parts[1])
		if err != nil {
			return nil, err
		}
		out = append(out, readRange{start: start, end: end, addr: parts[2]})
	}
	return out, nil
}
