package coordinator

import (
	"strconv"
	"time"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/pkg/hash"
)

// Handoff kinds and outcomes as reported to the metrics sink.
const (
	kindJoin     = "join"
	kindLeave    = "leave"
	kindEvict    = "evict"
	kindKeyRange = "keyrange"

	outcomeDone    = "done"
	outcomeAborted = "aborted"
	outcomeTimeout = "timeout"
)

// handoff is a membership change waiting for its data transfer.
type handoff struct {
	kind    string
	node    *session // joining or leaving node
	partner *session // successor on join, predecessor on leave
	started time.Time
	timer   *time.Timer
}

func (h *handoff) involves(s *session) bool {
	return h.node == s || h.partner == s
}

func (c *Coordinator) beginLocked(kind string, node, partner *session) *handoff {
	h := &handoff{kind: kind, node: node, partner: partner, started: time.Now()}
	h.timer = time.AfterFunc(c.cfg.HandoffTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending == h {
			c.abortLocked("handoff timed out", outcomeTimeout)
		}
	})
	c.pending = h
	return h
}

func (c *Coordinator) finishLocked() {
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
	c.runQueueLocked()
}

// abortLocked gives up on the pending handoff. Nothing is rolled back; the
// partner is unlocked and the current ring is broadcast.
func (c *Coordinator) abortLocked(reason, outcome string) {
	h := c.pending
	if h == nil {
		return
	}

	c.logger.Warn().
		Str("kind", h.kind).
		Str("node", h.node.addr).
		Str("reason", reason).
		Msg("Handoff aborted")
	c.sink.LogHandoff(h.kind, outcome)

	if h.partner != nil && h.partner.state == stateActive {
		if err := h.partner.send(protocol.CmdRemoveWriteLock); err != nil {
			h.partner.logger.Warn().Err(err).Msg("Failed to release write lock")
		}
	}
	if h.kind == kindLeave {
		h.node.markLeft()
		h.node.close()
	}

	c.broadcastLocked()
	c.finishLocked()
}

// startJoinLocked inserts a node and asks its successor to hand over the
// part of its range the new node now owns.
func (c *Coordinator) startJoinLocked(s *session, custom hash.ID) {
	if s.state != stateActive || c.sessions[s.addr] != s {
		return
	}

	node, err := c.ring.Insert(s.ip, s.port, custom)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Node rejected")
		c.sink.LogHandoff(kindJoin, outcomeAborted)
		s.sendRaw(protocol.UnknownCommand)
		s.markLeft()
		s.close()
		return
	}

	s.logger.Info().
		Str("start", node.Start.Short(8)).
		Str("end", node.End.Short(8)).
		Int("ring_size", c.ring.Size()).
		Msg("Node joined ring")
	c.sink.SetRingSize(c.ring.Size())
	c.events.Publish(api.Event{
		Type:  api.EventNodeJoin,
		Node:  s.addr,
		Start: node.Start.String(),
		End:   node.End.String(),
		Ring:  c.ring.String(),
	})

	if err := c.sendMetadataLocked(s); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send metadata to joining node")
	}

	if c.ring.Size() == 1 {
		c.sink.LogHandoff(kindJoin, outcomeDone)
		c.broadcastLocked()
		return
	}

	succ, _ := c.ring.Successor(s.ip, s.port)
	partner, ok := c.sessions[succ.Address()]
	if !ok {
		s.logger.Warn().Str("successor", succ.Address()).Msg("Successor has no session, skipping handoff")
		c.sink.LogHandoff(kindJoin, outcomeAborted)
		c.broadcastLocked()
		return
	}

	c.beginLocked(kindJoin, s, partner)

	if err := partner.send(protocol.CmdSetWriteLock); err != nil {
		c.abortLocked(err.Error(), outcomeAborted)
		return
	}
	err = partner.send(protocol.CmdRequestDataKeyRange, s.ip, strconv.Itoa(s.port), node.End.String())
	if err != nil {
		c.abortLocked(err.Error(), outcomeAborted)
	}
}

// dataFromKeyRangeLocked: the successor finished streaming to the new node.
func (c *Coordinator) dataFromKeyRangeLocked(s *session) {
	h := c.pending
	if h == nil || h.kind != kindJoin || h.partner != s {
		s.logger.Warn().Msg("Unexpected data_from_key_range")
		return
	}
	if err := h.node.send(protocol.CmdDataReceived); err != nil {
		c.abortLocked(err.Error(), outcomeAborted)
	}
}

// dataRangeSentLocked: the new node confirmed the transfer.
func (c *Coordinator) dataRangeSentLocked(s *session) {
	h := c.pending
	if h == nil || h.kind != kindJoin || h.node != s {
		s.logger.Warn().Msg("Unexpected data_key_range_sent")
		return
	}

	c.broadcastLocked()
	if err := h.partner.send(protocol.CmdRemoveWriteLock); err != nil {
		h.partner.logger.Warn().Err(err).Msg("Failed to release write lock")
	}

	s.logger.Info().
		Dur("took", time.Since(h.started)).
		Msg("Join handoff complete")
	c.sink.LogHandoff(kindJoin, outcomeDone)
	c.finishLocked()
}

// closeRequestLocked queues the departure of a node.
func (c *Coordinator) closeRequestLocked(s *session) {
	if s.leaving {
		return
	}
	s.leaving = true
	c.enqueueLocked(func() { c.startLeaveLocked(s) })
}

// startLeaveLocked removes a leaving node; its predecessor absorbs the arc
// and is locked until the leaving node has streamed its data over.
func (c *Coordinator) startLeaveLocked(s *session) {
	if s.state == stateClosed {
		return
	}

	pred, onRing := c.ring.Predecessor(s.ip, s.port)
	alone := c.ring.Size() <= 1
	if onRing {
		if _, err := c.ring.Remove(s.ip, s.port); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to remove leaving node")
		}
	}
	s.markLeft()

	s.logger.Info().Int("ring_size", c.ring.Size()).Msg("Node leaving ring")
	c.sink.SetRingSize(c.ring.Size())
	c.events.Publish(api.Event{Type: api.EventNodeLeave, Node: s.addr, Ring: c.ring.String()})

	var partner *session
	if onRing && !alone {
		partner = c.sessions[pred.Address()]
	}

	h := c.beginLocked(kindLeave, s, partner)
	if s.dataComplete {
		// the node finished streaming before its turn came
		c.completeLeaveLocked(h)
		return
	}

	if partner == nil {
		return
	}
	if err := partner.send(protocol.CmdSetWriteLock); err != nil {
		c.abortLocked(err.Error(), outcomeAborted)
		return
	}
	if err := c.sendMetadataLocked(partner); err != nil {
		c.abortLocked(err.Error(), outcomeAborted)
	}
}

// dataCompleteLocked: the leaving node streamed and erased its data.
func (c *Coordinator) dataCompleteLocked(s *session) {
	h := c.pending
	if h == nil || h.kind != kindLeave || h.node != s {
		s.dataComplete = true
		return
	}
	c.completeLeaveLocked(h)
}

func (c *Coordinator) completeLeaveLocked(h *handoff) {
	if h.partner != nil {
		if err := h.partner.send(protocol.CmdRemoveWriteLock); err != nil {
			h.partner.logger.Warn().Err(err).Msg("Failed to release write lock")
		}
	}
	h.node.close()
	c.broadcastLocked()

	h.node.logger.Info().
		Dur("took", time.Since(h.started)).
		Msg("Leave handoff complete")
	c.sink.LogHandoff(kindLeave, outcomeDone)
	c.finishLocked()
}
