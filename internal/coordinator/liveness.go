package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/pkg"
)

var errUnexpectedPingReply = errors.New("unexpected ping reply")

// prober pings one node over its client port. After maxFailures
// consecutive misses it reports the node dead once and exits.
type prober struct {
	addr        string
	interval    time.Duration
	maxFailures int
	logger      *pkg.Logger
	onDead      func(p *prober)

	done     chan struct{}
	stopOnce sync.Once
}

func newProber(addr string, interval time.Duration, maxFailures int, logger *pkg.Logger, onDead func(*prober)) *prober {
	return &prober{
		addr:        addr,
		interval:    interval,
		maxFailures: maxFailures,
		logger:      logger.WithFields(pkg.Fields{"component": "prober", "node": addr}),
		onDead:      onDead,
		done:        make(chan struct{}),
	}
}

func (p *prober) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *prober) run(ctx context.Context) {
	var conn *protocol.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
		}

		var err error
		conn, err = p.check(ctx, conn)
		if err == nil {
			if failures > 0 {
				p.logger.Info().Int("missed", failures).Msg("Node answering pings again")
			}
			failures = 0
			continue
		}

		failures++
		p.logger.Debug().Err(err).Int("failures", failures).Msg("Ping missed")
		if failures < p.maxFailures {
			continue
		}

		select {
		case <-p.done:
			return
		default:
		}
		p.onDead(p)
		return
	}
}

// check sends one ping, dialing first when needed. A broken connection is
// dropped so the next tick redials.
func (p *prober) check(ctx context.Context, conn *protocol.Conn) (*protocol.Conn, error) {
	if conn == nil {
		c, err := protocol.Dial(ctx, p.addr, p.interval)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	reply, err := conn.Request(protocol.FromECS(protocol.CmdPing))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != protocol.RespRunning {
		return conn, errUnexpectedPingReply
	}
	return conn, nil
}
