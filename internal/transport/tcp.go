// Package transport owns the TCP stream a Modbus client talks over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrNoStream is returned when a dial succeeds without producing a connection.
var ErrNoStream = errors.New("dial returned no stream")

// ErrNotConnected is returned by Send when no stream is open.
var ErrNotConnected = errors.New("not connected")

// Dialer opens a stream to a network address.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// OpError records which stream operation failed.
type OpError struct {
	Op  string // "dial", "write" or "read"
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("tcp %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation failed because a deadline expired.
func (e *OpError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Closed reports whether the peer closed the stream or it was disposed.
func (e *OpError) Closed() bool {
	return errors.Is(e.Err, io.EOF) ||
		errors.Is(e.Err, io.ErrUnexpectedEOF) ||
		errors.Is(e.Err, net.ErrClosed) ||
		errors.Is(e.Err, io.ErrClosedPipe)
}

// TCPTransport implements a TCP transport for Modbus TCP.
type TCPTransport struct {
	addr    string
	timeout time.Duration
	dialer  Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a new TCP transport. A nil dialer uses a
// net.Dialer with keep-alive enabled.
func NewTCPTransport(addr string, timeout time.Duration, dialer Dialer) *TCPTransport {
	if dialer == nil {
		dialer = &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}
	}
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
		dialer:  dialer,
	}
}

// Connect establishes a TCP connection.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return &OpError{Op: "dial", Err: err}
	}
	if conn == nil {
		return &OpError{Op: "dial", Err: ErrNoStream}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true) // requests are small and latency bound
	}

	t.conn = conn
	return nil
}

// Close closes the TCP connection. Closing a closed transport is a no-op.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes data and hands the stream to read for the reply. The deadline
// from ctx, or the transport timeout, bounds both directions. Any failure
// closes the stream since it can no longer be trusted to be frame aligned.
func (t *TCPTransport) Send(ctx context.Context, data []byte, read func(io.Reader) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	var deadline time.Time // zero means no deadline
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if t.timeout > 0 {
		deadline = time.Now().Add(t.timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.closeConnLocked()
		return &OpError{Op: "write", Err: err}
	}

	// Unblock the stream if ctx is cancelled before the deadline.
	conn := t.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	written := 0
	for written < len(data) {
		n, err := t.conn.Write(data[written:])
		if err != nil {
			t.closeConnLocked()
			return &OpError{Op: "write", Err: err}
		}
		written += n
	}

	if err := read(opReader{t.conn}); err != nil {
		t.closeConnLocked()
		return err
	}
	return nil
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (t *TCPTransport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// opReader tags stream read failures so callers can tell them apart from
// framing errors raised while decoding.
type opReader struct {
	r io.Reader
}

func (o opReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if err != nil {
		err = &OpError{Op: "read", Err: err}
	}
	return n, err
}
