package protocol

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		sender  string
		command string
		args    []string
	}{
		{name: "plain command", line: "keyrange", command: "keyrange", args: []string{}},
		{name: "with args", line: "get k1", command: "get", args: []string{"k1"}},
		{name: "coordinator tag", line: "ECS metadata A,B,1.1.1.1:1;", sender: "ECS", command: "metadata", args: []string{"A,B,1.1.1.1:1;"}},
		{name: "hello", line: "kvServer 5000 127.0.0.1", command: "kvServer", args: []string{"5000", "127.0.0.1"}},
		{name: "extra blanks", line: "  put   k   v ", command: "put", args: []string{"k", "v"}},
		{name: "empty", line: "", command: "", args: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.line)
			assert.Equal(t, tt.sender, m.Sender)
			assert.Equal(t, tt.command, m.Command)
			assert.Equal(t, tt.args, m.Args)
			assert.Equal(t, tt.sender != "", m.FromCoordinator())
		})
	}
}

func TestMessageRest(t *testing.T) {
	m := Parse("server_put 10.0.0.1 5000 key hello   spaced  world")

	assert.Equal(t, "10.0.0.1", m.Arg(0))
	assert.Equal(t, "key", m.Arg(2))
	assert.Equal(t, "", m.Arg(9))
	assert.Equal(t, "hello   spaced  world", m.Rest(3))
	assert.Equal(t, "", m.Rest(10))
	assert.Equal(t, 6, m.NArgs())
}

func TestLine(t *testing.T) {
	assert.Equal(t, "keyrange", Line(CmdKeyRange))
	assert.Equal(t, "put k v", Line(CmdPut, "k", "v"))
	assert.Equal(t, "ECS set_write_lock", FromECS(CmdSetWriteLock))
	assert.Equal(t, "metadata", Command("ECS metadata x"))
}

func createTestPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestConnSendReceive(t *testing.T) {
	t.Run("crlf framing", func(t *testing.T) {
		left, right := createTestPair(t)
		go func() {
			_ = left.Send("get k1")
		}()

		line, err := right.Receive()
		require.NoError(t, err)
		assert.Equal(t, "get k1", line)
	})

	t.Run("rejects embedded line break", func(t *testing.T) {
		left, _ := createTestPair(t)
		assert.ErrorIs(t, left.Send("put k a\r\nb"), ErrInvalidPayload)
	})

	t.Run("bare lf is not a boundary", func(t *testing.T) {
		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()
		go func() {
			_, _ = a.Write([]byte("put k first\nsecond\r\nkeyrange\r\n"))
		}()

		conn := NewConn(b)
		line, err := conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, "put k first\nsecond", line)

		line, err = conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, "keyrange", line)
	})

	t.Run("lf only stream never completes a line", func(t *testing.T) {
		a, b := net.Pipe()
		defer b.Close()
		go func() {
			_, _ = a.Write([]byte("keyrange\n"))
			a.Close()
		}()

		_, err := NewConn(b).Receive()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("line longer than reader buffer", func(t *testing.T) {
		left, right := createTestPair(t)
		payload := "save_data " + strings.Repeat("k,v;", 50000)
		go func() {
			_ = left.Send(payload)
		}()

		line, err := right.Receive()
		require.NoError(t, err)
		assert.Equal(t, payload, line)
	})

	t.Run("line over limit", func(t *testing.T) {
		left, right := createTestPair(t)
		right.SetMaxLineSize(16)
		go func() {
			_ = left.Send(strings.Repeat("x", 64))
		}()

		_, err := right.Receive()
		assert.ErrorIs(t, err, ErrLineTooLong)
	})
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func(raw net.Conn) {
				defer raw.Close()
				c := NewConn(raw)
				_ = c.Send(Greeting)
				line, err := c.Receive()
				if err != nil {
					return
				}
				if Parse(line).Command == CmdPing {
					_ = c.Send(RespRunning)
				}
			}(raw)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Request(FromECS(CmdPing))
	require.NoError(t, err)
	assert.Equal(t, RespRunning, reply)
}

func TestDialBadGreeting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		defer raw.Close()
		_ = NewConn(raw).Send("hello there")
		time.Sleep(100 * time.Millisecond)
	}()

	_, err = Dial(context.Background(), ln.Addr().String(), time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedGreeting)
}
