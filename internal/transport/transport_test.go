package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lab5e/gotoolbox/netutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/internal/storage"
	"github.com/zde37/ringkv/pkg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// createTestPeer starts a minimal node speaking the line protocol. handle
// maps each request to its reply and sees every line received.
func createTestPeer(t *testing.T, handle func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func(raw net.Conn) {
				defer raw.Close()
				c := protocol.NewConn(raw)
				if c.Send(protocol.Greeting) != nil {
					return
				}
				for {
					line, err := c.Receive()
					if err != nil || line == protocol.CmdClosingClient {
						return
					}
					if c.Send(handle(line)) != nil {
						return
					}
				}
			}(raw)
		}
	}()
	return ln.Addr().String()
}

func TestPeerClientAcks(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	addr := createTestPeer(t, func(line string) string {
		mu.Lock()
		seen = append(seen, line)
		mu.Unlock()

		switch protocol.Command(line) {
		case protocol.CmdServerPut:
			return protocol.RespServerPutSuccess
		case protocol.CmdServerDelete:
			return protocol.RespServerDeleteSuccess
		case protocol.CmdReplicaDataUpdate:
			return protocol.RespReplicaDataUpdateSuccess
		case protocol.CmdSetWriteLock:
			return protocol.RespWriteLockSet
		case protocol.CmdRemoveWriteLock:
			return protocol.RespWriteLockRemoved
		default:
			return protocol.UnknownCommand
		}
	})

	ctx := context.Background()
	c := NewPeerClient(pkg.NewNop(), time.Second)

	require.NoError(t, c.ServerPut(ctx, addr, "10.0.0.1", 5000, "k", "hello world"))
	require.NoError(t, c.ServerDelete(ctx, addr, "10.0.0.1", 5000, "k"))
	require.NoError(t, c.ReplicaDataUpdate(ctx, addr, "10.0.0.1", 5000, []storage.Record{{Key: "a", Value: "1"}}))
	require.NoError(t, c.SetWriteLock(ctx, addr))
	require.NoError(t, c.RemoveWriteLock(ctx, addr))

	mu.Lock()
	assert.Equal(t, []string{
		"server_put 10.0.0.1 5000 k hello world",
		"server_delete 10.0.0.1 5000 k",
		"replica_data_update 10.0.0.1 5000 a,1;",
		"set_write_lock",
		"remove_write_lock",
	}, seen)
	mu.Unlock()

	_, err := c.Call(ctx, addr, "bogus")
	require.NoError(t, err)

	err = c.expect(ctx, addr, "bogus", protocol.RespServerPutSuccess)
	assert.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestPeerClientReplicaData(t *testing.T) {
	addr := createTestPeer(t, func(line string) string {
		if line == protocol.CmdRequestReplicaData {
			return protocol.Line(protocol.RespReplicaData, "a,1;b,two words;")
		}
		if line == protocol.CmdUsageMetricsInfo {
			return "1234"
		}
		return protocol.UnknownCommand
	})

	c := NewPeerClient(nil, time.Second)
	records, err := c.RequestReplicaData(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, []storage.Record{{Key: "a", Value: "1"}, {Key: "b", Value: "two words"}}, records)

	n, err := c.UsageInfo(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)
}

func TestPeerClientSaveDataChunks(t *testing.T) {
	var chunks atomic.Int32
	var received sync.Map
	addr := createTestPeer(t, func(line string) string {
		msg := protocol.Parse(line)
		if msg.Command != protocol.CmdSaveData {
			return protocol.UnknownCommand
		}
		chunks.Add(1)
		records, err := storage.DecodeRecords(msg.Rest(0))
		if err != nil {
			return protocol.UnknownCommand
		}
		for _, r := range records {
			received.Store(r.Key, r.Value)
		}
		return protocol.RespSaveDataSuccess
	})

	var records []storage.Record
	for i := 0; i < 100; i++ {
		records = append(records, storage.Record{Key: fmt.Sprintf("key-%03d", i), Value: strings.Repeat("v", 20)})
	}

	c := NewPeerClient(nil, time.Second)
	require.NoError(t, c.SaveData(context.Background(), addr, records, 200))
	assert.Greater(t, chunks.Load(), int32(1))

	count := 0
	received.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, 100, count)

	t.Run("nothing to send", func(t *testing.T) {
		before := chunks.Load()
		require.NoError(t, c.SaveData(context.Background(), addr, nil, 200))
		assert.Equal(t, before, chunks.Load())
	})
}

func TestPeerClientUnreachable(t *testing.T) {
	port, err := netutils.FreeTCPPort()
	require.NoError(t, err)

	c := NewPeerClient(nil, 200*time.Millisecond)
	err = c.SetWriteLock(context.Background(), fmt.Sprintf("127.0.0.1:%d", port))
	assert.Error(t, err)
}

func TestFanOut(t *testing.T) {
	var calls atomic.Int32
	err := FanOut(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, addr string) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	boom := errors.New("boom")
	err = FanOut(context.Background(), []string{"a", "b"}, func(ctx context.Context, addr string) error {
		if addr == "b" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, FanOut(context.Background(), nil, nil))
}

type testRingSource struct {
	r *ring.Ring
}

func (s testRingSource) Ring() *ring.Ring { return s.r.Clone() }
func (s testRingSource) Role() string     { return "coordinator" }
func (s testRingSource) Address() string  { return "127.0.0.1:5100" }

func createTestAdmin(t *testing.T, token string) (*AdminServer, *ring.Ring) {
	t.Helper()
	r := ring.New()
	_, err := r.Insert("127.0.0.1", 5000, "")
	require.NoError(t, err)
	_, err = r.Insert("127.0.0.1", 5001, "")
	require.NoError(t, err)

	port, err := netutils.FreeTCPPort()
	require.NoError(t, err)

	logger, err := pkg.New(&pkg.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	server, err := NewAdminServer(testRingSource{r: r}, fmt.Sprintf("127.0.0.1:%d", port), token, logger)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server, r
}

func TestNewAdminServer(t *testing.T) {
	_, err := NewAdminServer(nil, "127.0.0.1:0", "", pkg.NewNop())
	assert.Error(t, err)

	_, err = NewAdminServer(testRingSource{r: ring.New()}, "127.0.0.1:0", "", nil)
	assert.Error(t, err)
}

func TestAdminService(t *testing.T) {
	server, r := createTestAdmin(t, "secret")
	ctx := context.Background()

	t.Run("authorized", func(t *testing.T) {
		client, err := NewAdminClient(server.Addr(), "secret", 2*time.Second)
		require.NoError(t, err)
		defer client.Close()

		text, err := client.GetRing(ctx)
		require.NoError(t, err)
		assert.Equal(t, r.String(), text)

		nodes, err := client.ListNodes(ctx)
		require.NoError(t, err)
		assert.Equal(t, "coordinator", nodes["role"])
		list, ok := nodes["nodes"].([]any)
		require.True(t, ok)
		assert.Len(t, list, 2)

		health, err := client.Health(ctx)
		require.NoError(t, err)
		assert.Equal(t, "coordinator 127.0.0.1:5100 ok", health)
	})

	t.Run("wrong token", func(t *testing.T) {
		client, err := NewAdminClient(server.Addr(), "guess", 2*time.Second)
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Health(ctx)
		require.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(errors.Unwrap(err)))
	})
}

func TestAuthInterceptor(t *testing.T) {
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: MethodHealth}

	tests := []struct {
		name     string
		expected string
		ctx      context.Context
		wantCode codes.Code
	}{
		{name: "disabled", expected: "", ctx: context.Background(), wantCode: codes.OK},
		{name: "missing metadata", expected: "t", ctx: context.Background(), wantCode: codes.Unauthenticated},
		{name: "missing token", expected: "t", ctx: metadata.NewIncomingContext(context.Background(), metadata.MD{}), wantCode: codes.Unauthenticated},
		{name: "wrong token", expected: "t", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(AuthTokenHeader, "x")), wantCode: codes.Unauthenticated},
		{name: "valid token", expected: "t", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(AuthTokenHeader, "t")), wantCode: codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := AuthInterceptor(tt.expected)(tt.ctx, nil, info, handler)
			assert.Equal(t, tt.wantCode, status.Code(err))
			if tt.wantCode == codes.OK {
				assert.Equal(t, "ok", resp)
			}
		})
	}
}
