package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zde37/ringkv/internal/balance"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/pkg"
	"golang.org/x/sync/errgroup"
)

// ErrUnexpectedReply is returned when a peer answers with something other
// than the expected acknowledgement.
var ErrUnexpectedReply = errors.New("unexpected reply")

// PeerClient talks to other nodes over their client port. Every call opens a
// fresh connection and closes it when done.
type PeerClient struct {
	logger  *pkg.Logger
	timeout time.Duration
}

// NewPeerClient creates a client. A zero timeout waits forever.
func NewPeerClient(logger *pkg.Logger, timeout time.Duration) *PeerClient {
	if logger == nil {
		logger = pkg.NewNop()
	}
	return &PeerClient{
		logger:  logger.WithFields(pkg.Fields{"component": "peer_client"}),
		timeout: timeout,
	}
}

// Timeout returns the per request timeout.
func (c *PeerClient) Timeout() time.Duration {
	return c.timeout
}

// ServerPut mirrors a write of owner's data on the node at addr.
func (c *PeerClient) ServerPut(ctx context.Context, addr, ownerIP string, ownerPort int, key, value string) error {
	line := protocol.Line(protocol.CmdServerPut, ownerIP, strconv.Itoa(ownerPort), key, value)
	return c.expect(ctx, addr, line, protocol.RespServerPutSuccess)
}

// ServerDelete mirrors a delete of owner's data on the node at addr.
func (c *PeerClient) ServerDelete(ctx context.Context, addr, ownerIP string, ownerPort int, key string) error {
	line := protocol.Line(protocol.CmdServerDelete, ownerIP, strconv.Itoa(ownerPort), key)
	return c.expect(ctx, addr, line, protocol.RespServerDeleteSuccess)
}

// RequestReplicaData fetches the full own dataset of the node at addr.
func (c *PeerClient) RequestReplicaData(ctx context.Context, addr string) ([]storage.Record, error) {
	reply, err := c.call(ctx, addr, protocol.CmdRequestReplicaData)
	if err != nil {
		return nil, err
	}
	msg := protocol.Parse(reply)
	if msg.Command != protocol.RespReplicaData {
		return nil, fmt.Errorf("%w from %s: %q", ErrUnexpectedReply, addr, reply)
	}
	return storage.DecodeRecords(msg.Rest(0))
}

// ReplicaDataUpdate replaces the mirror of owner's data held by the node at addr.
func (c *PeerClient) ReplicaDataUpdate(ctx context.Context, addr, ownerIP string, ownerPort int, records []storage.Record) error {
	line := protocol.Line(protocol.CmdReplicaDataUpdate, ownerIP, strconv.Itoa(ownerPort), storage.EncodeRecords(records))
	return c.expect(ctx, addr, line, protocol.RespReplicaDataUpdateSuccess)
}

// SaveData streams records to addr in record aligned chunks of at most
// chunkSize bytes over one connection. Each chunk is acknowledged.
func (c *PeerClient) SaveData(ctx context.Context, addr string, records []storage.Record, chunkSize int) error {
	return c.saveChunks(ctx, addr, protocol.CmdSaveData, storage.ChunkRecords(records, chunkSize))
}

// SaveDataBuckets ships offloaded records; the receiver also registers the
// keys with its frequency table.
func (c *PeerClient) SaveDataBuckets(ctx context.Context, addr string, records []storage.Record, chunkSize int) error {
	return c.saveChunks(ctx, addr, protocol.CmdSaveDataBuckets, storage.ChunkRecords(records, chunkSize))
}

// UsageInfo returns the window operation count of the node at addr.
func (c *PeerClient) UsageInfo(ctx context.Context, addr string) (int64, error) {
	reply, err := c.call(ctx, addr, protocol.CmdUsageMetricsInfo)
	if err != nil {
		return 0, err
	}
	return balance.ParseInfo(reply)
}

// SetWriteLock asks the node at addr to reject writes.
func (c *PeerClient) SetWriteLock(ctx context.Context, addr string) error {
	return c.expect(ctx, addr, protocol.CmdSetWriteLock, protocol.RespWriteLockSet)
}

// RemoveWriteLock lifts a write lock set with SetWriteLock.
func (c *PeerClient) RemoveWriteLock(ctx context.Context, addr string) error {
	return c.expect(ctx, addr, protocol.CmdRemoveWriteLock, protocol.RespWriteLockRemoved)
}

// Call sends one raw line and returns the reply.
func (c *PeerClient) Call(ctx context.Context, addr, line string) (string, error) {
	return c.call(ctx, addr, line)
}

func (c *PeerClient) saveChunks(ctx context.Context, addr, command string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}

	conn, err := protocol.Dial(ctx, addr, c.timeout)
	if err != nil {
		return err
	}
	defer c.closeConn(conn)

	for i, chunk := range chunks {
		reply, err := conn.Request(protocol.Line(command, chunk))
		if err != nil {
			return fmt.Errorf("chunk %d/%d to %s: %w", i+1, len(chunks), addr, err)
		}
		if reply != protocol.RespSaveDataSuccess {
			return fmt.Errorf("%w from %s for chunk %d: %q", ErrUnexpectedReply, addr, i+1, reply)
		}
	}

	c.logger.Debug().
		Str("peer", addr).
		Str("command", command).
		Int("chunks", len(chunks)).
		Msg("Data transferred")
	return nil
}

func (c *PeerClient) expect(ctx context.Context, addr, line, want string) error {
	reply, err := c.call(ctx, addr, line)
	if err != nil {
		return err
	}
	if reply != want {
		return fmt.Errorf("%w from %s to %s: %q", ErrUnexpectedReply, addr, protocol.Command(line), reply)
	}
	return nil
}

func (c *PeerClient) call(ctx context.Context, addr, line string) (string, error) {
	conn, err := protocol.Dial(ctx, addr, c.timeout)
	if err != nil {
		return "", err
	}
	defer c.closeConn(conn)

	return conn.Request(line)
}

func (c *PeerClient) closeConn(conn *protocol.Conn) {
	_ = conn.Send(protocol.CmdClosingClient)
	conn.Close()
}

// FanOut runs fn for every address in parallel and returns the first error.
func FanOut(ctx context.Context, addrs []string, fn func(ctx context.Context, addr string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			return fn(gctx, addr)
		})
	}
	return g.Wait()
}
