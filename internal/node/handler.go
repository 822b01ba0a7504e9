package node

import (
	"context"
	"errors"
	"strconv"

	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// serveConn runs one client or peer connection: greet, then answer one
// reply per request until the peer says goodbye.
func (n *Node) serveConn(conn *protocol.Conn) {
	log := n.logger.WithFields(pkg.Fields{"remote": conn.RemoteAddr().String()})
	if err := conn.Send(protocol.Greeting); err != nil {
		return
	}

	for {
		line, err := conn.Receive()
		if err != nil {
			log.Trace().Err(err).Msg("Connection ended")
			return
		}
		if line == "" {
			continue
		}

		msg := protocol.Parse(line)
		if msg.Command == protocol.CmdClosingClient {
			return
		}

		reply := n.handle(n.ctx, msg)
		if err := conn.Send(reply); err != nil {
			log.Debug().Err(err).Str("command", msg.Command).Msg("Reply failed")
			return
		}
	}
}

// handle executes one request and returns the reply line.
func (n *Node) handle(ctx context.Context, msg protocol.Message) string {
	if msg.FromCoordinator() {
		if msg.Command == protocol.CmdPing {
			return protocol.RespRunning
		}
		return protocol.UnknownCommand
	}

	switch msg.Command {
	case protocol.CmdPut:
		if msg.NArgs() < 1 {
			return protocol.UnknownCommand
		}
		reply := n.put(ctx, msg.Arg(0), msg.Rest(1))
		n.maybeRebalance()
		return reply

	case protocol.CmdGet:
		if msg.NArgs() != 1 {
			return protocol.UnknownCommand
		}
		reply := n.get(ctx, msg.Arg(0))
		n.maybeRebalance()
		return reply

	case protocol.CmdDelete:
		if msg.NArgs() != 1 {
			return protocol.UnknownCommand
		}
		reply := n.delete(ctx, msg.Arg(0))
		n.maybeRebalance()
		return reply

	case protocol.CmdKeyRange:
		return n.keyRange(false)
	case protocol.CmdKeyRangeRead:
		return n.keyRange(true)

	case protocol.CmdServerPut:
		if msg.NArgs() < 3 {
			return protocol.UnknownCommand
		}
		return n.serverPut(ctx, msg.Arg(0), msg.Arg(1), msg.Arg(2), msg.Rest(3))
	case protocol.CmdServerDelete:
		if msg.NArgs() != 3 {
			return protocol.UnknownCommand
		}
		return n.serverDelete(ctx, msg.Arg(0), msg.Arg(1), msg.Arg(2))

	case protocol.CmdRequestReplicaData:
		records, err := n.store.All(ctx)
		if err != nil {
			n.logger.Error().Err(err).Msg("Failed to read store for replica request")
			return protocol.RespError + " " + "storage unavailable"
		}
		return protocol.Line(protocol.RespReplicaData, storage.EncodeRecords(records))
	case protocol.CmdReplicaDataUpdate:
		if msg.NArgs() < 2 {
			return protocol.UnknownCommand
		}
		return n.replicaDataUpdate(ctx, msg.Arg(0), msg.Arg(1), msg.Rest(2))

	case protocol.CmdSaveData:
		return n.saveData(ctx, msg.Rest(0), false)
	case protocol.CmdSaveDataBuckets:
		return n.saveData(ctx, msg.Rest(0), true)

	case protocol.CmdUsageMetricsInfo:
		return n.usage.Info()
	case protocol.CmdUsageMetrics:
		return protocol.Line(protocol.RespUsageMetrics, n.usage.String())
	case protocol.CmdFrequencyTable:
		return protocol.Line(protocol.RespFrequencyTable, n.freq.String())

	case protocol.CmdSetWriteLock:
		n.setWriteLock(true)
		return protocol.RespWriteLockSet
	case protocol.CmdRemoveWriteLock:
		n.setWriteLock(false)
		return protocol.RespWriteLockRemoved

	default:
		n.logger.Debug().Str("command", msg.Command).Msg("Unknown command")
		return protocol.UnknownCommand
	}
}

// writeGateLocked returns the refusal for a write of a key hashing to h, or "".
// Must be called with mu held.
func (n *Node) writeGateLocked(h hash.ID) string {
	switch {
	case n.writeLock || n.joining:
		return protocol.RespWriteLock
	case n.stopped:
		return protocol.RespStopped
	case !n.hasRange || !hash.InRange(h, n.start, n.end):
		return protocol.RespNotResponsible
	}
	return ""
}

// replicaTargetsLocked returns the nodes mirroring this node's data. Must be
// called with mu held.
func (n *Node) replicaTargetsLocked() []string {
	if n.ring.Size() <= 2 {
		return nil
	}
	ip, port := n.self()
	var out []string
	for _, s := range n.ring.Successors(ip, port, 2) {
		out = append(out, s.Address())
	}
	return out
}

func (n *Node) put(ctx context.Context, key, value string) string {
	n.mu.RLock()
	if refusal := n.writeGateLocked(hash.Key(key)); refusal != "" {
		n.mu.RUnlock()
		n.sink.LogRequest(protocol.CmdPut, refusal)
		return refusal
	}
	if err := storage.ValidateRecord(key, value); err != nil {
		n.mu.RUnlock()
		n.logger.Debug().Err(err).Msg("Rejected put")
		n.sink.LogRequest(protocol.CmdPut, protocol.RespPutError)
		return protocol.RespPutError
	}

	res, err := n.store.Put(ctx, key, value)
	targets := n.replicaTargetsLocked()
	n.mu.RUnlock()

	if err != nil {
		n.logger.Error().Err(err).Str("key", key).Msg("Put failed")
		n.sink.LogRequest(protocol.CmdPut, protocol.RespPutError)
		return protocol.RespPutError
	}

	n.recordOperation()
	n.freq.Add(key)

	ip, port := n.self()
	err = n.replicate(ctx, targets, func(ctx context.Context, addr string) error {
		return n.peers.ServerPut(ctx, addr, ip, port, key, value)
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("key", key).Msg("Replicating put failed")
	}

	reply := protocol.RespPutSuccess
	if res == storage.Updated {
		reply = protocol.RespPutUpdate
	}
	n.sink.LogRequest(protocol.CmdPut, reply)
	return protocol.Line(reply, key)
}

func (n *Node) get(ctx context.Context, key string) string {
	h := hash.Key(key)

	n.mu.RLock()
	if n.stopped {
		n.mu.RUnlock()
		n.sink.LogRequest(protocol.CmdGet, protocol.RespStopped)
		return protocol.RespStopped
	}
	store, own := n.readStoreLocked(h)
	n.mu.RUnlock()

	if store == nil {
		n.sink.LogRequest(protocol.CmdGet, protocol.RespNotResponsible)
		return protocol.RespNotResponsible
	}

	value, err := store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, pkg.ErrKeyNotFound) {
			n.logger.Warn().Err(err).Str("key", key).Msg("Get failed")
		}
		n.sink.LogRequest(protocol.CmdGet, protocol.RespGetError)
		return protocol.Line(protocol.RespGetError, key)
	}

	n.recordOperation()
	if own {
		n.freq.Add(key)
	}
	n.sink.LogRequest(protocol.CmdGet, protocol.RespGetSuccess)
	return protocol.Line(protocol.RespGetSuccess, key, value)
}

// readStoreLocked picks the store that may answer a read for h: the primary
// store when h is owned, else the mirror of the predecessor owning h. The
// ring is checked as it is now; during a topology change a key can briefly
// have no reader or two.
func (n *Node) readStoreLocked(h hash.ID) (storage.Store, bool) {
	if n.hasRange && hash.InRange(h, n.start, n.end) {
		return n.store, true
	}
	if n.ring.Size() <= 2 {
		return nil, false
	}

	n.replicaMu.RLock()
	defer n.replicaMu.RUnlock()
	for addr, store := range n.replicas {
		ip, port, err := ring.SplitAddress(addr)
		if err != nil {
			continue
		}
		owner, ok := n.ring.LookupByAddress(ip, port)
		if ok && owner.Owns(h) {
			return store, false
		}
	}
	return nil, false
}

func (n *Node) delete(ctx context.Context, key string) string {
	n.mu.RLock()
	if refusal := n.writeGateLocked(hash.Key(key)); refusal != "" {
		n.mu.RUnlock()
		n.sink.LogRequest(protocol.CmdDelete, refusal)
		return refusal
	}
	value, err := n.store.Delete(ctx, key)
	targets := n.replicaTargetsLocked()
	n.mu.RUnlock()

	if err != nil {
		if !errors.Is(err, pkg.ErrKeyNotFound) {
			n.logger.Warn().Err(err).Str("key", key).Msg("Delete failed")
		}
		n.sink.LogRequest(protocol.CmdDelete, protocol.RespDeleteError)
		return protocol.Line(protocol.RespDeleteError, key)
	}

	n.recordOperation()
	n.freq.Remove(key)

	ip, port := n.self()
	err = n.replicate(ctx, targets, func(ctx context.Context, addr string) error {
		return n.peers.ServerDelete(ctx, addr, ip, port, key)
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("key", key).Msg("Replicating delete failed")
	}

	n.sink.LogRequest(protocol.CmdDelete, protocol.RespDeleteSuccess)
	return protocol.Line(protocol.RespDeleteSuccess, key, value)
}

func (n *Node) keyRange(read bool) string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.ring.Size() == 0 {
		return protocol.RespStopped
	}
	if read {
		return protocol.Line(protocol.RespKeyRangeRead, n.ring.ReadString())
	}
	return protocol.Line(protocol.RespKeyRange, n.ring.String())
}

func (n *Node) replica(ip, port string) storage.Store {
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil
	}
	n.replicaMu.RLock()
	defer n.replicaMu.RUnlock()
	return n.replicas[hash.JoinAddress(ip, p)]
}

// serverPut applies a mirrored write. Writes for owners this node does not
// mirror are acknowledged and dropped.
func (n *Node) serverPut(ctx context.Context, ip, port, key, value string) string {
	if store := n.replica(ip, port); store != nil {
		if _, err := store.Put(ctx, key, value); err != nil {
			n.logger.Warn().Err(err).Str("owner", ip+":"+port).Msg("Mirrored put failed")
		}
	}
	return protocol.RespServerPutSuccess
}

func (n *Node) serverDelete(ctx context.Context, ip, port, key string) string {
	if store := n.replica(ip, port); store != nil {
		if _, err := store.Delete(ctx, key); err != nil && !errors.Is(err, pkg.ErrKeyNotFound) {
			n.logger.Warn().Err(err).Str("owner", ip+":"+port).Msg("Mirrored delete failed")
		}
	}
	return protocol.RespServerDeleteSuccess
}

func (n *Node) replicaDataUpdate(ctx context.Context, ip, port, text string) string {
	records, err := storage.DecodeRecords(text)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Malformed replica update")
		return protocol.RespError + " " + "malformed records"
	}
	if store := n.replica(ip, port); store != nil {
		if err := store.SaveRecords(ctx, records, true); err != nil {
			n.logger.Warn().Err(err).Str("owner", ip+":"+port).Msg("Replica overwrite failed")
		}
	}
	return protocol.RespReplicaDataUpdateSuccess
}

// saveData merges records handed over by a neighbour. The keys are
// registered with the frequency table; those outside the owned arc wait
// there until the coordinator confirms the new boundary.
func (n *Node) saveData(ctx context.Context, text string, buckets bool) string {
	records, err := storage.DecodeRecords(text)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Malformed data transfer")
		return protocol.RespError + " " + "malformed records"
	}
	if err := n.store.SaveRecords(ctx, records, false); err != nil {
		n.logger.Error().Err(err).Msg("Saving transferred data failed")
		return protocol.RespError + " " + "storage unavailable"
	}
	for _, key := range storage.Keys(records) {
		n.freq.Add(key)
	}
	n.transferred.Store(true)

	n.logger.Debug().
		Int("records", len(records)).
		Bool("offload", buckets).
		Msg("Transferred data saved")
	return protocol.RespSaveDataSuccess
}

func (n *Node) recordOperation() {
	n.sink.SetWindowOperations(n.usage.Record())
}
