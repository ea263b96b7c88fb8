// Package upstream implements the Upstream Connector (spec §4.4): a raw
// byte-stream connection to a remote MUD host/port exposing a lazy sequence
// of byte chunks for reading and a back-pressured writer. It does not parse
// or interpret the stream in any way; line assembly is the Session's job.
//
// The back-pressure detection follows the same shape as the teacher's
// per-client circuit breaker in client.go (sendHealth): rather than letting
// a stalled write block the whole session indefinitely, writes are attempted
// against a bounded channel and time out, surfacing ErrBackpressure so the
// caller can queue the command instead.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Sentinel errors returned by Connector methods (spec §4.4/§7).
var (
	ErrUnreachable  = errors.New("upstream unreachable")
	ErrTimeout      = errors.New("upstream dial timeout")
	ErrClosed       = errors.New("upstream closed")
	ErrBackpressure = errors.New("upstream write backpressure")
)

// Dialer abstracts the network dial so tests can substitute an in-memory
// pipe without a real TCP listener.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

var defaultDialer Dialer = &net.Dialer{}

// Connector wraps one byte-stream connection to a MUD host/port.
type Connector struct {
	conn net.Conn

	writeQueue   chan []byte
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	writeErr  chan error // holds the error that ended the write loop; no method reads it
}

// Open dials host:port, honoring deadline. An empty deadline means no
// timeout beyond the dialer's own default.
func Open(ctx context.Context, host string, port int, deadline time.Time, writeTimeout time.Duration) (*Connector, error) {
	return openWith(ctx, defaultDialer, host, port, deadline, writeTimeout)
}

func openWith(ctx context.Context, dialer Dialer, host string, port int, deadline time.Time, writeTimeout time.Duration) (*Connector, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Connector{
		conn:         conn,
		writeQueue:   make(chan []byte, 64),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
		writeErr:     make(chan error, 1),
	}
	go c.writeLoop()
	return c, nil
}

// Reader returns a channel of raw byte chunks read from the connection. The
// channel is closed on EOF or error; the Session is responsible for partial-
// line assembly across chunk boundaries.
func (c *Connector) Reader() <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		buf := make([]byte, 4096)
		for {
			n, err := c.conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-c.closed:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// Write enqueues bytes for the upstream writer. It returns ErrBackpressure
// if the outgoing queue cannot accept the write within writeTimeout, and
// ErrClosed if the connector has been closed.
func (c *Connector) Write(b []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	select {
	case c.writeQueue <- cp:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-time.After(c.writeTimeout):
		return ErrBackpressure
	}
}

func (c *Connector) writeLoop() {
	for {
		select {
		case b := <-c.writeQueue:
			if _, err := c.conn.Write(b); err != nil {
				select {
				case c.writeErr <- err:
				default:
				}
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close is idempotent; it releases the socket. Any in-flight Reader/Write
// observes ErrClosed afterward.
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
