// Package health implements the Health Monitor (spec.md §4.7): a
// version-handshake-then-poll loop over a dedicated vsock port, exposing a
// tri-state status with a not-found deadline. Grounded in the teacher's
// readiness-polling shape used implicitly by lifecycle.Manager
// (internal/lifecycle/manager.go EnsureInstance/waitForReady), generalized
// here to the spec's explicit tri-state status and deadline contract.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// Status is the Health Monitor's tri-state observable.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusNotFound:
		return "not_found"
	default:
		return "connecting"
	}
}

const (
	versionLineMax    = 512
	pollTimeout       = 5 * time.Second
	reconnectBackoff  = 2 * time.Second
	notFoundDeadline  = 120 * time.Second
	connectTimeout    = 5 * time.Second
)

// Monitor runs the health probe loop for one guest endpoint's health port.
type Monitor struct {
	endpoint vtransport.Endpoint
	exec     *vmexec.Executor
	port     uint32

	mu         sync.Mutex
	status     Status
	onChange   func(Status)
	deadlineTimer *time.Timer
}

// NewMonitor constructs a Monitor in status Connecting. onChange, if
// non-nil, is invoked (not necessarily from Run's goroutine) every time
// status transitions.
func NewMonitor(endpoint vtransport.Endpoint, exec *vmexec.Executor, port uint32, onChange func(Status)) *Monitor {
	return &Monitor{endpoint: endpoint, exec: exec, port: port, status: StatusConnecting, onChange: onChange}
}

// Status returns the current tri-state status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run blocks, handshaking and polling until ctx is canceled, per spec.md
// §4.7/§5: "Long-lived readers... respond to task cancellation by exiting
// their loop at the next suspension point."
func (m *Monitor) Run(ctx context.Context) {
	defer m.stopDeadline()
	for {
		if ctx.Err() != nil {
			return
		}
		m.setStatus(StatusConnecting)
		if err := m.probeOnce(ctx); err != nil {
			log.Printf("health: port %d: %v", m.port, err)
		}
		if ctx.Err() != nil {
			return
		}
		// Connection loss resets Connected to Connecting before the backoff.
		if m.Status() == StatusConnected {
			m.setStatus(StatusConnecting)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// probeOnce performs one connect → version-handshake → poll-to-disconnect
// cycle.
func (m *Monitor) probeOnce(ctx context.Context) error {
	v, err := m.exec.Run(ctx, func(ctx context.Context) (interface{}, error) {
		return m.endpoint.Connect(ctx, m.port, connectTimeout)
	})
	if err != nil {
		return err
	}
	conn := v.(*vtransport.Connection)
	defer conn.Close()

	n, err := conn.Read(ctx, versionLineMax)
	if err != nil {
		return err
	}
	if len(n) == 0 {
		return errNoHandshake
	}

	m.setStatus(StatusConnected)

	for {
		if ctx.Err() != nil {
			return nil
		}
		pctx, cancel := context.WithTimeout(ctx, pollTimeout)
		chunk, err := conn.Read(pctx, 1)
		cancel()
		if err != nil {
			if err == vtransport.ErrWouldBlock {
				continue // poll timeout elapsed with no POLLHUP; keep polling
			}
			return nil // POLLERR/ECONNRESET-class — fall through to reconnect
		}
		if chunk == nil {
			return nil // EOF / POLLHUP
		}
	}
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	rearm := s == StatusConnecting && (prev != s || m.deadlineTimer == nil)
	m.mu.Unlock()

	// spec.md §4.7: the not-found deadline "starts on every transition to
	// Connecting". Repeated Connecting entries from failed reconnect
	// attempts do not restart it; a deadline is armed only when status
	// changes to Connecting or none is running yet.
	if rearm {
		m.armDeadline()
	}
	if s == StatusConnected {
		m.stopDeadline()
	}
	if prev != s && m.onChange != nil {
		m.onChange(s)
	}
}

// armDeadline (re)starts the 120 s not-found deadline.
func (m *Monitor) armDeadline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadlineTimer != nil {
		m.deadlineTimer.Stop()
	}
	m.deadlineTimer = time.AfterFunc(notFoundDeadline, func() {
		m.mu.Lock()
		if m.status == StatusConnected {
			m.mu.Unlock()
			return
		}
		m.status = StatusNotFound
		cb := m.onChange
		m.mu.Unlock()
		if cb != nil {
			cb(StatusNotFound)
		}
	})
}

func (m *Monitor) stopDeadline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadlineTimer != nil {
		m.deadlineTimer.Stop()
		m.deadlineTimer = nil
	}
}

type handshakeError struct{ msg string }

func (e handshakeError) Error() string { return e.msg }

var errNoHandshake = handshakeError{"empty version line on connect"}
