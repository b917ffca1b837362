// Package vtransport implements the host-side vsock transport: connecting
// to a guest's well-known vsock ports, nonblocking-style read/write with
// the spec's error taxonomy, and a cancelable bidirectional byte pipe for
// the tunnel bridge.
package vtransport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// CopyBufferSize is the buffer size pipe_bidirectional uses for each
// direction of the copy, per spec.md §4.1.
const CopyBufferSize = 64 * 1024

// Endpoint is a logical handle to one running guest exposing a
// vsock-capable device (spec.md §3 "Guest Endpoint"). It is a tagged
// variant selected once at construction (spec.md §9): production code
// uses VsockEndpoint, local development uses TCPDevEndpoint, and the
// package tests supply their own fake endpoints. Callers never branch on
// which one they hold.
type Endpoint interface {
	// Connect opens a connection to the given port on this endpoint,
	// failing with ErrTimeout if it does not complete within timeout.
	Connect(ctx context.Context, port uint32, timeout time.Duration) (*Connection, error)

	// String identifies the endpoint for logging.
	String() string
}

// VsockEndpoint connects to a guest over AF_VSOCK using its context ID.
type VsockEndpoint struct {
	CID uint32
}

// NewVsockEndpoint returns an Endpoint that dials the guest with the given
// vsock context ID (e.g. the CID assigned when the VM was started).
func NewVsockEndpoint(cid uint32) *VsockEndpoint {
	return &VsockEndpoint{CID: cid}
}

func (e *VsockEndpoint) String() string { return fmt.Sprintf("vsock:cid=%d", e.CID) }

func (e *VsockEndpoint) Connect(ctx context.Context, port uint32, timeout time.Duration) (*Connection, error) {
	type result struct {
		conn *vsock.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(e.CID, port, nil)
		done <- result{c, err}
	}()

	// closeLate closes a dial that completes after Connect has given up on
	// it, so an abandoned dial never leaves an open descriptor behind.
	closeLate := func() {
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectFailedError{Reason: r.err.Error()}
		}
		return newConnection(r.conn), nil
	case <-time.After(timeout):
		closeLate()
		return nil, ErrTimeout
	case <-ctx.Done():
		closeLate()
		return nil, ErrCancelled
	}
}

// TCPDevEndpoint substitutes loopback TCP for vsock. It is used for local
// development against a guest-agent stand-in listening on localhost.
type TCPDevEndpoint struct {
	Host string
}

// NewTCPDevEndpoint returns a dev-mode Endpoint that dials host:port for
// every vsock "port" requested.
func NewTCPDevEndpoint(host string) *TCPDevEndpoint {
	if host == "" {
		host = "127.0.0.1"
	}
	return &TCPDevEndpoint{Host: host}
}

func (e *TCPDevEndpoint) String() string { return fmt.Sprintf("tcp-dev:%s", e.Host) }

func (e *TCPDevEndpoint) Connect(ctx context.Context, port uint32, timeout time.Duration) (*Connection, error) {
	d := net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", e.Host, port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if isDeadlineExceeded(err) {
			return nil, ErrTimeout
		}
		return nil, &ConnectFailedError{Reason: err.Error()}
	}
	return newConnection(conn), nil
}
