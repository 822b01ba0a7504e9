package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultMaxLineSize bounds a single message. Replica pushes carry a node's
// whole dataset on one line, so the limit is generous.
const DefaultMaxLineSize = 64 << 20

var (
	// ErrInvalidPayload is returned when an outgoing line contains a line break.
	ErrInvalidPayload = errors.New("payload contains line terminator")

	// ErrLineTooLong is returned when an incoming line exceeds the configured limit.
	ErrLineTooLong = errors.New("line exceeds maximum size")

	// ErrUnexpectedGreeting is returned by Dial when the peer does not greet.
	ErrUnexpectedGreeting = errors.New("unexpected greeting")
)

// Conn frames CRLF terminated lines over a stream connection. Sends are
// serialized; receives must come from a single goroutine.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	maxLine int
	timeout time.Duration
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:    c,
		reader:  bufio.NewReaderSize(c, 64*1024),
		maxLine: DefaultMaxLineSize,
	}
}

// SetTimeout sets a per call deadline applied by Request. Zero disables it.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetMaxLineSize changes the receive limit.
func (c *Conn) SetMaxLineSize(n int) {
	if n > 0 {
		c.maxLine = n
	}
}

// Send writes one line followed by CRLF.
func (c *Conn) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return ErrInvalidPayload
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.conn, line+Terminator); err != nil {
		return fmt.Errorf("send %q: %w", Command(line), err)
	}
	return nil
}

// Sendf formats and sends one line.
func (c *Conn) Sendf(format string, args ...any) error {
	return c.Send(fmt.Sprintf(format, args...))
}

// Receive reads the next line without its terminator. Only CRLF ends a
// line; a lone LF stays part of the message.
func (c *Conn) Receive() (string, error) {
	var buf []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > c.maxLine {
			return "", ErrLineTooLong
		}
		buf = append(buf, chunk...)
		if err == nil {
			if bytes.HasSuffix(buf, []byte(Terminator)) {
				break
			}
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	return string(buf[:len(buf)-len(Terminator)]), nil
}

// Request sends a line and waits for the single line reply.
func (c *Conn) Request(line string) (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.Send(line); err != nil {
		return "", err
	}
	reply, err := c.Receive()
	if err != nil {
		return "", fmt.Errorf("await reply to %q: %w", Command(line), err)
	}
	return reply, nil
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Dial connects to a node's client port and consumes its greeting. The
// timeout bounds the dial, the greeting and every later Request.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := NewConn(raw)
	c.SetTimeout(timeout)

	if timeout > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(timeout))
	}
	greeting, err := c.Receive()
	if timeout > 0 {
		_ = raw.SetReadDeadline(time.Time{})
	}
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("read greeting from %s: %w", addr, err)
	}
	if greeting != Greeting {
		raw.Close()
		return nil, fmt.Errorf("%w from %s: %q", ErrUnexpectedGreeting, addr, greeting)
	}
	return c, nil
}
