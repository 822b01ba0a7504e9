package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/zde37/ringkv/internal/discovery"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/pkg/hash"
)

const (
	defaultDialTimeout = 5 * time.Second
	resolveWait        = 3 * time.Second
)

// ErrNotOnRing is returned by Leave when the node never joined.
var ErrNotOnRing = errors.New("node is not on the ring")

// coordinatorAddress returns the bootstrap address, resolving it over
// zeroconf when none is configured.
func (n *Node) coordinatorAddress() (string, error) {
	if n.cfg.Bootstrap != "" {
		return n.cfg.Bootstrap, nil
	}
	ctx, cancel := context.WithTimeout(n.ctx, resolveWait+time.Second)
	defer cancel()

	addr, err := discovery.NewRegistry(n.cfg.ClusterName).ResolveCoordinator(ctx, resolveWait)
	if err != nil {
		return "", fmt.Errorf("no bootstrap address and zeroconf lookup failed: %w", err)
	}
	n.logger.Info().Str("coordinator", addr).Msg("Coordinator found with zeroconf")
	return addr, nil
}

// connectCoordinator dials the coordinator and sends the join request.
func (n *Node) connectCoordinator() error {
	addr, err := n.coordinatorAddress()
	if err != nil {
		return err
	}

	timeout := n.cfg.PeerTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(n.ctx, "tcp", addr)
	if err != nil {
		return err
	}
	n.coordinator = protocol.NewConn(raw)

	ip, port := n.self()
	args := []string{strconv.Itoa(port), ip}
	if custom := n.cfg.CustomHash(); custom != "" {
		args = append(args, custom.String())
	}
	if err := n.coordinator.Send(protocol.Line(protocol.CmdHello, args...)); err != nil {
		n.coordinator.Close()
		return err
	}

	n.logger.Info().Str("coordinator", addr).Msg("Join requested")

	n.wg.Add(1)
	go n.runCoordinatorLink()
	return nil
}

func (n *Node) sendCoordinator(command string, args ...string) error {
	if n.coordinator == nil {
		return ErrNotOnRing
	}
	return n.coordinator.Send(protocol.Line(command, args...))
}

// runCoordinatorLink handles coordinator commands in arrival order.
func (n *Node) runCoordinatorLink() {
	defer n.wg.Done()
	defer close(n.linkClosed)

	for {
		line, err := n.coordinator.Receive()
		if err != nil {
			break
		}
		if line == "" {
			continue
		}
		n.handleCoordinator(protocol.Parse(line))
	}

	if n.leaving.Load() || n.ctx.Err() != nil {
		n.logger.Debug().Msg("Coordinator link closed")
		return
	}

	// without a coordinator the ring copy goes stale
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	n.logger.Warn().Msg("Coordinator connection lost, node stopped")
}

func (n *Node) handleCoordinator(msg protocol.Message) {
	if !msg.FromCoordinator() {
		n.logger.Debug().Str("command", msg.Command).Msg("Untagged line from coordinator")
		return
	}

	switch msg.Command {
	case protocol.CmdConnectionEstablished:
		n.mu.Lock()
		n.stopped = false
		n.mu.Unlock()
		n.logger.Info().Msg("Coordinator accepted node")

	case protocol.CmdMetadata:
		n.applyMetadata(n.ctx, msg.Rest(0))

	case protocol.CmdSetWriteLock:
		n.setWriteLock(true)
	case protocol.CmdRemoveWriteLock:
		n.setWriteLock(false)

	case protocol.CmdRequestDataKeyRange:
		if err := n.handOverRange(msg); err != nil {
			n.logger.Error().Err(err).Msg("Key range handoff failed")
		}

	case protocol.CmdDataReceived:
		n.mu.Lock()
		n.joining = false
		n.mu.Unlock()
		if err := n.sendCoordinator(protocol.CmdDataRangeSent); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to confirm handoff")
		}

	case protocol.RespError:
		n.logger.Warn().Str("reply", msg.Rest(0)).Msg("Coordinator rejected a request")

	default:
		n.logger.Debug().Str("command", msg.Command).Msg("Unknown coordinator command")
	}
}

// handOverRange moves the part of this node's arc that a joining node now
// owns: request_data_key_range <ip> <port> <split>. The records in
// (start, split] leave the local store and are streamed to the new node.
func (n *Node) handOverRange(msg protocol.Message) error {
	if msg.NArgs() != 3 {
		return fmt.Errorf("malformed %s: %v", protocol.CmdRequestDataKeyRange, msg.Args)
	}
	port, err := strconv.Atoi(msg.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", msg.Arg(1), err)
	}
	split, err := hash.Parse(msg.Arg(2))
	if err != nil {
		return err
	}
	target := hash.JoinAddress(msg.Arg(0), port)

	n.mu.RLock()
	start := n.start
	n.mu.RUnlock()

	ctx := n.ctx
	records, err := n.store.ExtractRange(ctx, start, split)
	if err != nil {
		return err
	}

	if err := n.peers.SaveData(ctx, target, records, n.cfg.ChunkSize); err != nil {
		// keep the data; the coordinator gives up on the join after its timeout
		if restoreErr := n.store.SaveRecords(ctx, records, false); restoreErr != nil {
			n.logger.Error().Err(restoreErr).Msg("Failed to restore extracted records")
		}
		return fmt.Errorf("transfer to %s: %w", target, err)
	}

	for _, key := range storage.Keys(records) {
		n.freq.Remove(key)
	}

	n.logger.Info().
		Str("target", target).
		Str("split", split.Short(8)).
		Int("records", len(records)).
		Msg("Key range handed over")
	return n.sendCoordinator(protocol.CmdDataFromKeyRange)
}

// Leave hands this node's data to its predecessor and takes it off the
// ring. The node stays write locked and should be stopped afterwards.
func (n *Node) Leave(ctx context.Context) error {
	if !n.leaving.CompareAndSwap(false, true) {
		return nil
	}

	n.mu.Lock()
	n.writeLock = true
	ip, port := n.self()
	self, onRing := n.ring.LookupByAddress(ip, port)
	pred, _ := n.ring.Predecessor(ip, port)
	n.mu.Unlock()

	if !onRing {
		return ErrNotOnRing
	}

	n.logger.Info().Msg("Leaving ring")
	if err := n.sendCoordinator(protocol.CmdClose); err != nil {
		return fmt.Errorf("failed to announce leave: %w", err)
	}

	if pred.Address() != self.Address() {
		records, err := n.store.All(ctx)
		if err != nil {
			return err
		}
		if err := n.peers.SaveData(ctx, pred.Address(), records, n.cfg.ChunkSize); err != nil {
			return fmt.Errorf("transfer to predecessor %s: %w", pred.Address(), err)
		}
		n.logger.Info().
			Str("target", pred.Address()).
			Int("records", len(records)).
			Msg("Data handed to predecessor")
	}

	if err := n.store.Clear(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to erase local data")
	}
	n.dropReplicas(nil)

	if err := n.sendCoordinator(protocol.CmdDataCompleteSend); err != nil {
		return err
	}

	select {
	case <-n.linkClosed:
		n.mu.Lock()
		n.stopped = true
		n.hasRange = false
		n.mu.Unlock()
		n.logger.Info().Msg("Left ring")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
