package vtransport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// halfCloser is satisfied by *net.TCPConn and *vsock.Conn, which support
// shutting down the write side without closing the read side; net.Pipe's
// conns do not implement it. Capability-checked with a type assertion (matching the
// teacher's own http.Hijacker-style capability checks) rather than assumed.
type halfCloser interface {
	CloseWrite() error
}

// Connection is an owned, closable vsock (or dev-TCP) stream. The owning
// object must outlive every use of its underlying descriptor; Close is
// idempotent and safe to call from any goroutine exactly because real
// teardown happens at most once (spec.md §9: "explicit owned wrappers
// whose destructor closes the fd exactly once").
type Connection struct {
	conn net.Conn
	once sync.Once
	err  error
}

func newConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn}
}

// WrapConnection adapts an already-established net.Conn into a Connection.
// Exported for test doubles (e.g. guestclient's fake endpoint) that need to
// hand a real net.Conn through the same Read/WriteAll/CloseWrite contract
// production endpoints use.
func WrapConnection(conn net.Conn) *Connection {
	return newConnection(conn)
}

// Raw returns the underlying net.Conn for callers that need to hand it to
// a protocol layer built on net.Conn. The returned conn must not be closed directly — call Close on the
// Connection instead.
func (c *Connection) Raw() net.Conn { return c.conn }

// Read performs one read, honoring ctx's deadline if set. EOF is reported
// as (nil, nil) per spec.md §4.1's Option<Bytes> contract — "None" means
// clean EOF.
func (c *Connection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	if err := applyDeadline(ctx, c.conn.SetReadDeadline); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxBytes)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		return []byte{}, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if isDeadlineExceeded(err) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, ErrWouldBlock
	}
	return nil, classifyErrno("read", err)
}

// WriteAll writes every byte in p, retrying on partial writes, and honors
// ctx's deadline. EPIPE/ECONNRESET are reported as ErrClosed (clean peer
// close), matching spec.md §4.1.
func (c *Connection) WriteAll(ctx context.Context, p []byte) error {
	if err := applyDeadline(ctx, c.conn.SetWriteDeadline); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	for len(p) > 0 {
		n, err := c.conn.Write(p)
		p = p[n:]
		if err != nil {
			if isDeadlineExceeded(err) {
				if errors.Is(ctx.Err(), context.Canceled) {
					return ErrCancelled
				}
				return ErrWouldBlock
			}
			if IsExpectedDisconnect(err) {
				return ErrClosed
			}
			return classifyErrno("write", err)
		}
		if n == 0 && len(p) > 0 {
			// A nonblocking write returning 0 with no error is the
			// invariant-violation class from spec.md §7 class 3.
			panic("vtransport: write returned 0 with no error and bytes remaining")
		}
	}
	return nil
}

// CloseWrite half-closes the write side, propagating EOF to the peer while
// leaving the read side open. Connections that don't support half-close
// fall back to a full Close.
func (c *Connection) CloseWrite() error {
	if hc, ok := c.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Close()
}

// Close releases the underlying descriptor exactly once.
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.err = c.conn.Close()
	})
	return c.err
}

func applyDeadline(ctx context.Context, set func(t time.Time) error) error {
	if ctx == nil {
		return nil
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	return set(deadline)
}

func isDeadlineExceeded(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
