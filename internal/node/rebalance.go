package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/balance"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/pkg/hash"
)

// Offload outcomes reported to the metrics sink.
const (
	kindOffload    = "offload"
	outcomeDone    = "done"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

var (
	errNoNeighbour     = errors.New("no neighbour to offload to")
	errNeighbourBusier = errors.New("a neighbour is busier")
)

// maybeRebalance starts an offload in the background once the operation
// window crosses the configured threshold. At most one runs at a time.
func (n *Node) maybeRebalance() {
	if !n.cfg.Rebalance || n.usage.Window() < n.cfg.OffloadOperations {
		return
	}
	if !n.offloading.CompareAndSwap(false, true) {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.offloading.Store(false)
		// one burst triggers at most one offload
		defer n.usage.ResetWindow()

		outcome := outcomeDone
		if err := n.offload(n.ctx); err != nil {
			outcome = outcomeFailed
			if errors.Is(err, balance.ErrNoOffloadRange) || errors.Is(err, errNoNeighbour) || errors.Is(err, errNeighbourBusier) {
				outcome = outcomeSkipped
				n.logger.Debug().Err(err).Msg("Offload skipped")
			} else {
				n.logger.Warn().Err(err).Msg("Offload failed")
			}
		}
		n.sink.LogHandoff(kindOffload, outcome)
	}()
}

// offload hands the edge of the owned arc to the less loaded neighbour and
// reports the new boundary to the coordinator.
func (n *Node) offload(ctx context.Context) error {
	ip, port := n.self()

	n.mu.RLock()
	if n.stopped || !n.hasRange || n.ring.Size() < 2 {
		n.mu.RUnlock()
		return errNoNeighbour
	}
	prev, _ := n.ring.Predecessor(ip, port)
	next, _ := n.ring.Successor(ip, port)
	start, end := n.start, n.end
	n.mu.RUnlock()

	own := n.usage.Window()
	prevLoad, err := n.peers.UsageInfo(ctx, prev.Address())
	if err != nil {
		return fmt.Errorf("usage of %s: %w", prev.Address(), err)
	}
	nextLoad, err := n.peers.UsageInfo(ctx, next.Address())
	if err != nil {
		return fmt.Errorf("usage of %s: %w", next.Address(), err)
	}

	n.logger.Debug().
		Int64("own", own).
		Int64("prev", prevLoad).
		Int64("next", nextLoad).
		Msg("Neighbour load")
	if own < prevLoad || own < nextLoad {
		return errNeighbourBusier
	}

	lower := prevLoad <= nextLoad
	target := next.Address()
	if lower {
		target = prev.Address()
	}

	off, err := n.freq.CalculateOffloadKeyRange(lower)
	if err != nil {
		return err
	}

	newStart, newEnd := start, off.Start
	if lower {
		newStart, newEnd = off.End, end
	}

	n.setWriteLock(true)
	defer n.setWriteLock(false)

	if err := n.peers.SetWriteLock(ctx, target); err != nil {
		n.restoreBuckets(start, end, off)
		return err
	}

	records, err := n.store.ExtractRange(ctx, off.Start, off.End)
	if err == nil {
		err = n.peers.SaveDataBuckets(ctx, target, records, n.cfg.ChunkSize)
		if err != nil {
			if restoreErr := n.store.SaveRecords(ctx, records, false); restoreErr != nil {
				n.logger.Error().Err(restoreErr).Msg("Failed to restore offloaded records")
			}
		}
	}
	if unlockErr := n.peers.RemoveWriteLock(ctx, target); unlockErr != nil {
		n.logger.Warn().Err(unlockErr).Str("target", target).Msg("Failed to release neighbour write lock")
	}
	if err != nil {
		n.restoreBuckets(start, end, off)
		return err
	}

	n.mu.Lock()
	n.start, n.end = newStart, newEnd
	if err := n.ring.UpdateBoundary(ip, port, newStart, newEnd); err != nil {
		n.logger.Warn().Err(err).Msg("Local ring update failed")
	}
	n.mu.Unlock()
	n.freq.Update(newStart, newEnd)

	// the answering metadata shows no range change, force the replica push
	n.transferred.Store(true)
	if err := n.sendCoordinator(protocol.CmdUpdateKeyRange, newStart.String(), newEnd.String()); err != nil {
		return fmt.Errorf("report new key range: %w", err)
	}

	n.logger.Info().
		Str("target", target).
		Str("start", newStart.Short(8)).
		Str("end", newEnd.Short(8)).
		Int("records", len(records)).
		Msg("Key range offloaded")
	n.events.Publish(api.Event{
		Type:  api.EventOffload,
		Node:  n.Address(),
		Start: newStart.String(),
		End:   newEnd.String(),
	})
	return nil
}

// restoreBuckets puts the keys of a cancelled offload back into the table.
func (n *Node) restoreBuckets(start, end hash.ID, off balance.Offload) {
	n.freq.Update(start, end)
	for _, key := range off.Keys {
		n.freq.Add(key)
	}
}
