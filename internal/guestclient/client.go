// Package guestclient implements the Request Client (spec.md §4.3): short
// -lived HTTP/1.1 request/response exchanges over vsock to the guest's
// control port, plus streaming file upload/download and a raw long-lived
// connect operation for callers that need an owned connection (event
// streams, health monitor).
package guestclient

import (
	"context"
	"time"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// ControlPort is the guest's fixed vsock control port (spec.md §6).
const ControlPort uint32 = 5000

// connectTimeout bounds how long a single operation waits for the vsock
// connect step to complete, per spec.md §5 ("Connect operations carry a
// 5 s deadline via a sleep race").
const connectTimeout = 5 * time.Second

// writeChunkSize is the chunk size used both for writing the request body
// and for streaming file uploads, per spec.md §4.1/§4.3.
const writeChunkSize = 64 * 1024

// Error is the Request Client's typed error taxonomy (spec.md §4.3).
type Error struct {
	Kind    ErrorKind
	Code    int    // set for InvalidResponse
	Message string // set for GuestError
	cause   error
}

type ErrorKind int

const (
	ErrNotConnected ErrorKind = iota
	ErrNoContent
	ErrInvalidResponse
	ErrEncoding
	ErrDecoding
	ErrConnectionFailed
	ErrTimeoutKind
	ErrGuestError
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrNoContent:
		return "guestclient: no content"
	case ErrInvalidResponse:
		return "guestclient: invalid response: " + itoa(e.Code)
	case ErrEncoding:
		return "guestclient: encoding error: " + e.wrap()
	case ErrDecoding:
		return "guestclient: decoding error: " + e.wrap()
	case ErrConnectionFailed:
		return "guestclient: connection failed: " + e.wrap()
	case ErrTimeoutKind:
		return "guestclient: timeout"
	case ErrGuestError:
		return "guestclient: guest error: " + e.Message
	default:
		return "guestclient: not connected"
	}
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) wrap() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return ""
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Client issues one-shot request/response operations against a single
// guest endpoint's control port. The transport (real vsock vs dev TCP) is
// selected once at construction per spec.md §9; Client never branches on
// which one it holds.
type Client struct {
	endpoint vtransport.Endpoint
	exec     *vmexec.Executor // the guest endpoint's serialized executor
	token    string           // optional bearer token
	port     uint32
}

// New creates a Request Client against endpoint, submitting connects
// through exec (the guest endpoint's serialized VM executor).
func New(endpoint vtransport.Endpoint, exec *vmexec.Executor, bearerToken string) *Client {
	return &Client{endpoint: endpoint, exec: exec, token: bearerToken, port: ControlPort}
}

// connect opens a vsock connection to the control port on the endpoint's
// serialized executor, per spec.md §4.3 step 1.
func (c *Client) connect(ctx context.Context) (*vtransport.Connection, error) {
	v, err := c.exec.Run(ctx, func(ctx context.Context) (interface{}, error) {
		return c.endpoint.Connect(ctx, c.port, connectTimeout)
	})
	if err != nil {
		if err == context.DeadlineExceeded || err == vtransport.ErrTimeout {
			return nil, &Error{Kind: ErrTimeoutKind, cause: err}
		}
		return nil, &Error{Kind: ErrConnectionFailed, cause: err}
	}
	return v.(*vtransport.Connection), nil
}

// Connect returns a raw, owned long-lived connection to port on this
// client's endpoint, for callers that need to hold it beyond a single
// request/response cycle (event streams, health monitor), per spec.md
// §4.3 "Raw connect".
func (c *Client) Connect(ctx context.Context, port uint32, timeout time.Duration) (*vtransport.Connection, error) {
	v, err := c.exec.Run(ctx, func(ctx context.Context) (interface{}, error) {
		return c.endpoint.Connect(ctx, port, timeout)
	})
	if err != nil {
		return nil, &Error{Kind: ErrConnectionFailed, cause: err}
	}
	return v.(*vtransport.Connection), nil
}
