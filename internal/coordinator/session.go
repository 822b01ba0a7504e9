package coordinator

import (
	"strconv"
	"sync"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

type sessionState int

const (
	stateAwaitingHello sessionState = iota
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingHello:
		return "awaiting_hello"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// session is the coordinator side of one node's control connection.
type session struct {
	c      *Coordinator
	conn   *protocol.Conn
	logger *pkg.Logger

	ip   string
	port int
	addr string

	// guarded by c.mu
	state        sessionState
	leaving      bool
	left         bool
	dataComplete bool

	closeOnce sync.Once
}

func newSession(c *Coordinator, conn *protocol.Conn) *session {
	return &session{
		c:      c,
		conn:   conn,
		logger: c.logger.WithFields(pkg.Fields{"remote": conn.RemoteAddr().String()}),
		state:  stateAwaitingHello,
	}
}

// serve reads commands until the connection ends.
func (s *session) serve() {
	defer s.finish()

	for {
		line, err := s.conn.Receive()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Node connection ended")
			return
		}
		if line == "" {
			continue
		}
		s.logger.Trace().Str("line", line).Msg("Received")
		s.handle(protocol.Parse(line))
	}
}

func (s *session) handle(msg protocol.Message) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.state == stateClosed {
		return
	}

	if s.state == stateAwaitingHello {
		if msg.Command != protocol.CmdHello {
			s.sendRaw(protocol.UnknownCommand)
			return
		}
		c.helloLocked(s, msg)
		return
	}

	switch msg.Command {
	case protocol.CmdDataFromKeyRange:
		c.dataFromKeyRangeLocked(s)
	case protocol.CmdDataRangeSent:
		c.dataRangeSentLocked(s)
	case protocol.CmdClose:
		c.closeRequestLocked(s)
	case protocol.CmdDataCompleteSend:
		c.dataCompleteLocked(s)
	case protocol.CmdUpdateKeyRange:
		c.updateKeyRangeLocked(s, msg)
	default:
		s.logger.Debug().Str("command", msg.Command).Msg("Unknown command")
		s.sendRaw(protocol.UnknownCommand)
	}
}

// helloLocked registers a node: kvServer <port> <ip> [endHash].
func (c *Coordinator) helloLocked(s *session, msg protocol.Message) {
	if msg.NArgs() < 2 {
		s.sendRaw(protocol.UnknownCommand)
		return
	}
	port, err := strconv.Atoi(msg.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		s.sendRaw(protocol.UnknownCommand)
		return
	}
	ip := msg.Arg(1)

	var custom hash.ID
	if msg.NArgs() > 2 {
		custom, err = hash.Parse(msg.Arg(2))
		if err != nil {
			s.logger.Warn().Err(err).Msg("Rejecting node with invalid end hash")
			s.sendRaw(protocol.UnknownCommand)
			return
		}
	}

	addr := hash.JoinAddress(ip, port)
	if existing, ok := c.sessions[addr]; ok && existing != s {
		s.logger.Warn().Str("node", addr).Msg("Node already connected")
		s.sendRaw(protocol.UnknownCommand)
		s.close()
		return
	}

	s.ip, s.port, s.addr = ip, port, addr
	s.state = stateActive
	s.logger = s.c.logger.WithFields(pkg.Fields{"node": addr})
	c.sessions[addr] = s

	if err := s.send(protocol.CmdConnectionEstablished); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to acknowledge node")
		s.close()
		return
	}
	c.addProberLocked(addr)

	s.logger.Info().Msg("Node connected")
	c.enqueueLocked(func() { c.startJoinLocked(s, custom) })
}

// updateKeyRangeLocked applies a boundary shift reported by a rebalancing node.
func (c *Coordinator) updateKeyRangeLocked(s *session, msg protocol.Message) {
	start, err := hash.Parse(msg.Arg(0))
	if err != nil {
		s.sendRaw(protocol.UnknownCommand)
		return
	}
	end, err := hash.Parse(msg.Arg(1))
	if err != nil {
		s.sendRaw(protocol.UnknownCommand)
		return
	}

	c.enqueueLocked(func() {
		if err := c.ring.UpdateBoundary(s.ip, s.port, start, end); err != nil {
			s.logger.Warn().Err(err).Msg("Key range update for node not on ring")
			c.sink.LogHandoff(kindKeyRange, outcomeAborted)
			return
		}
		s.logger.Info().
			Str("start", start.Short(8)).
			Str("end", end.Short(8)).
			Msg("Key range updated")
		c.sink.LogHandoff(kindKeyRange, outcomeDone)
		c.broadcastLocked()
		c.events.Publish(api.Event{
			Type:  api.EventKeyRangeUpdate,
			Node:  s.addr,
			Start: start.String(),
			End:   end.String(),
			Ring:  c.ring.String(),
		})
	})
}

// finish runs when the connection ends for whatever reason.
func (s *session) finish() {
	s.close()

	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.addr == "" {
		return
	}
	wasActive := s.state == stateActive
	s.state = stateClosed
	if c.sessions[s.addr] == s {
		delete(c.sessions, s.addr)
	}
	c.removeProberLocked(s.addr)
	if c.ctx.Err() != nil {
		return
	}

	if c.pending != nil && c.pending.involves(s) {
		c.abortLocked("participant disconnected", outcomeAborted)
	}

	if !wasActive || s.left {
		return
	}
	if _, onRing := c.ring.LookupByAddress(s.ip, s.port); !onRing {
		return
	}

	s.logger.Warn().Msg("Node disconnected without leaving")
	if c.cfg.EvictDeadNodes {
		addr := s.addr
		c.enqueueLocked(func() { c.evictLocked(addr) })
	}
}

// send writes an ECS tagged command.
func (s *session) send(command string, args ...string) error {
	line := protocol.FromECS(command, args...)
	s.logger.Trace().Str("line", line).Msg("Sent")
	return s.conn.Send(line)
}

func (s *session) sendRaw(line string) {
	if err := s.conn.Send(protocol.SenderCoordinator + " " + line); err != nil {
		s.logger.Debug().Err(err).Msg("Send failed")
	}
}

func (s *session) markLeft() {
	s.left = true
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
