package node

import (
	"context"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/internal/transport"
)

// replicationFactor is the number of successors mirroring a node's data.
const replicationFactor = 2

// replicate runs fn against every target in parallel.
func (n *Node) replicate(ctx context.Context, targets []string, fn func(ctx context.Context, addr string) error) error {
	if len(targets) == 0 {
		return nil
	}
	return transport.FanOut(ctx, targets, fn)
}

// applyMetadata replaces the local ring with the coordinator's and brings
// the owned range, frequency table and replica stores in line with it.
func (n *Node) applyMetadata(ctx context.Context, text string) {
	r, err := ring.Parse(text)
	if err != nil {
		n.logger.Error().Err(err).Msg("Ignoring malformed metadata")
		return
	}

	ip, port := n.self()

	n.mu.Lock()
	hadRange := n.hasRange
	oldStart, oldEnd := n.start, n.end

	n.ring = r
	self, onRing := r.LookupByAddress(ip, port)
	n.hasRange = onRing
	if onRing {
		n.start, n.end = self.Start, self.End
	}

	// a node joining a populated ring takes no writes until its share arrives
	if !n.seenRing && onRing {
		n.seenRing = true
		n.joining = r.Size() > 1
	} else {
		n.joining = false
	}
	snapshot := r.Clone()
	n.mu.Unlock()

	changed := hadRange && onRing && (oldStart != self.Start || oldEnd != self.End)
	if onRing {
		n.freq.Update(self.Start, self.End)
	}

	n.logger.Debug().
		Int("ring_size", r.Size()).
		Bool("on_ring", onRing).
		Bool("range_changed", changed).
		Msg("Metadata applied")
	n.sink.SetRingSize(r.Size())

	ev := api.Event{Type: api.EventMetadataApplied, Node: n.Address(), Ring: text}
	if onRing {
		ev.Start, ev.End = self.Start.String(), self.End.String()
	}
	n.events.Publish(ev)

	n.recomputeReplicas(ctx, snapshot, changed)
}

// recomputeReplicas mirrors the two predecessors on r and drops every other
// mirror. When this node's own data moved, its successors' mirrors of it are
// overwritten. No lock is held during network calls.
func (n *Node) recomputeReplicas(ctx context.Context, r *ring.Ring, rangeChanged bool) {
	n.syncMu.Lock()
	defer n.syncMu.Unlock()

	ip, port := n.self()
	if _, ok := r.LookupByAddress(ip, port); !ok || r.Size() <= replicationFactor {
		if dropped := n.dropReplicas(nil); dropped > 0 {
			n.logger.Info().Int("dropped", dropped).Msg("Replication disabled")
		}
		return
	}

	if n.transferred.Swap(false) || rangeChanged {
		n.pushOwnData(ctx, r)
	}

	wanted := make(map[string]bool, replicationFactor)
	for _, pred := range r.Predecessors(ip, port, replicationFactor) {
		addr := pred.Address()
		wanted[addr] = true

		n.replicaMu.RLock()
		_, held := n.replicas[addr]
		n.replicaMu.RUnlock()
		if held {
			continue
		}
		if err := n.mirror(ctx, addr); err != nil {
			n.logger.Warn().Err(err).Str("owner", addr).Msg("Failed to mirror predecessor")
		}
	}

	n.dropReplicas(wanted)
	n.sink.SetReplicaStores(len(n.Replicas()))
}

// mirror creates the replica store for addr filled with its current data.
func (n *Node) mirror(ctx context.Context, addr string) error {
	records, err := n.peers.RequestReplicaData(ctx, addr)
	if err != nil {
		return err
	}

	store, err := n.engine.Open(storage.ReplicaStoreName(addr))
	if err != nil {
		return err
	}
	if err := store.SaveRecords(ctx, records, true); err != nil {
		return err
	}

	n.replicaMu.Lock()
	n.replicas[addr] = store
	n.replicaMu.Unlock()

	n.logger.Info().
		Str("owner", addr).
		Int("records", len(records)).
		Msg("Mirroring predecessor")
	return nil
}

// dropReplicas erases every mirror whose owner is not in keep.
func (n *Node) dropReplicas(keep map[string]bool) int {
	n.replicaMu.Lock()
	var drop []string
	for addr := range n.replicas {
		if !keep[addr] {
			drop = append(drop, addr)
			delete(n.replicas, addr)
		}
	}
	n.replicaMu.Unlock()

	for _, addr := range drop {
		if err := n.engine.Drop(storage.ReplicaStoreName(addr)); err != nil {
			n.logger.Warn().Err(err).Str("owner", addr).Msg("Failed to erase mirror")
			continue
		}
		n.logger.Info().Str("owner", addr).Msg("Mirror erased")
	}
	if len(drop) > 0 {
		n.sink.SetReplicaStores(len(n.Replicas()))
	}
	return len(drop)
}

// pushOwnData overwrites the successors' mirrors of this node.
func (n *Node) pushOwnData(ctx context.Context, r *ring.Ring) {
	records, err := n.store.All(ctx)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to read store for replica push")
		return
	}

	ip, port := n.self()
	var targets []string
	for _, s := range r.Successors(ip, port, replicationFactor) {
		targets = append(targets, s.Address())
	}

	err = n.replicate(ctx, targets, func(ctx context.Context, addr string) error {
		return n.peers.ReplicaDataUpdate(ctx, addr, ip, port, records)
	})
	if err != nil {
		n.logger.Warn().Err(err).Msg("Replica push failed")
		return
	}
	n.logger.Debug().
		Strs("targets", targets).
		Int("records", len(records)).
		Msg("Own data pushed to replicas")
}
