// Package tunnel implements the TCP port-forwarding engine: one Listener
// per forwarded host port (spec.md §4.4) and a Supervisor that reconciles
// the whole set declaratively (spec.md §4.5). Grounded directly in the
// teacher's internal/router.Router — per-port net.Listener, accept loop,
// bidirectional io.Copy relay — generalized here to dial vsock and perform
// the guest's CONNECT handshake before bridging, instead of dialing a
// plain 127.0.0.1 backend.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// listenBacklog matches spec.md §4.4: "the host OS listen backlog is 128."
const listenBacklog = 128

const handshakeTimeout = 5 * time.Second
const connectTimeout = 5 * time.Second

// ListenerState is the per-listener state machine from spec.md §4.4:
// Idle → Listening → Stopping → Stopped.
type ListenerState int

const (
	StateIdle ListenerState = iota
	StateListening
	StateStopping
	StateStopped
)

// Spec describes one desired host-port → guest-port forward.
type Spec struct {
	HostPort  int
	GuestPort uint32
}

// ErrSink receives RuntimeErrors from a Listener's connections. It is
// invoked on the goroutine that handled the failing connection.
type ErrSink func(RuntimeError)

// Listener owns one host TCP port and bridges every accepted connection to
// the guest tunnel port after a CONNECT handshake.
type Listener struct {
	spec     Spec
	endpoint vtransport.Endpoint
	exec     *vmexec.Executor
	tunnelPort uint32
	sink     ErrSink

	mu    sync.Mutex
	state ListenerState
	ln    net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener constructs a Listener in state Idle. tunnelPort is the
// guest's well-known tunnel multiplexer vsock port (5001, spec.md §6).
func NewListener(spec Spec, endpoint vtransport.Endpoint, exec *vmexec.Executor, tunnelPort uint32, sink ErrSink) *Listener {
	return &Listener{spec: spec, endpoint: endpoint, exec: exec, tunnelPort: tunnelPort, sink: sink}
}

func (l *Listener) HostPort() int    { return l.spec.HostPort }
func (l *Listener) GuestPort() uint32 { return l.spec.GuestPort }

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start binds 127.0.0.1:host_port with SO_REUSEADDR, listens, and arms the
// accept loop on its own goroutine, per spec.md §4.4's listener state
// machine.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return fmt.Errorf("tunnel: listener for host port %d already started", l.spec.HostPort)
	}
	l.mu.Unlock()

	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", l.spec.HostPort))
	if err != nil {
		// A listen-bind failure has no runtime-error phase in spec.md §3 —
		// it fails Start() directly rather than flowing through the sink.
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.ln = ln
	l.cancel = cancel
	l.state = StateListening
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ctx)
	return nil
}

// Stop cancels the accept source, closes the listening fd, and drains
// outstanding connection tasks (spec.md §4.4).
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state != StateListening {
		l.mu.Unlock()
		return
	}
	l.state = StateStopping
	ln := l.ln
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	if ln != nil {
		ln.Close()
	}
	l.wg.Wait()

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

// handleConn implements the per-connection state machine: Accepting →
// Connecting → Handshake(Write → Read → Validate) → Bridging → Closed.
func (l *Listener) handleConn(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	if tc, ok := clientConn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	hctx, cancel := context.WithTimeout(ctx, connectTimeout)
	raw, err := l.exec.Run(hctx, func(ctx context.Context) (interface{}, error) {
		return l.endpoint.Connect(ctx, l.tunnelPort, connectTimeout)
	})
	cancel()
	if err != nil {
		l.report(PhaseConnectToGuest, err)
		return
	}
	guestConn := raw.(*vtransport.Connection)
	defer guestConn.Close()

	hctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
	phase, err := performHandshake(hctx, guestConn, l.spec.GuestPort)
	cancel()
	if err != nil {
		l.report(phase, err)
		return
	}

	clientSide := vtransport.WrapConnection(clientConn)
	if err := vtransport.PipeBidirectional(ctx, clientSide, guestConn); err != nil {
		l.report(PhaseBridge, err)
	}
}

// performHandshake sends "CONNECT <guest_port>\r\n" and expects "OK" or
// "ERROR <message>" per spec.md §4.4 step 3-4, reporting which of the
// three handshake sub-phases (write, read, protocol validation) failed.
func performHandshake(ctx context.Context, conn *vtransport.Connection, guestPort uint32) (Phase, error) {
	line := fmt.Sprintf("CONNECT %d\r\n", guestPort)
	if err := conn.WriteAll(ctx, []byte(line)); err != nil {
		return PhaseHandshakeWrite, err
	}

	var buf []byte
	for len(buf) < 255 {
		chunk, err := conn.Read(ctx, 255-len(buf))
		if err != nil {
			return PhaseHandshakeRead, err
		}
		if chunk == nil {
			break
		}
		buf = append(buf, chunk...)
		if bytes.ContainsRune(buf, '\n') {
			break
		}
	}

	trimmed := strings.TrimSpace(string(buf))
	if trimmed == "OK" || strings.HasPrefix(trimmed, "OK") {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "ERROR ") {
		return PhaseHandshakeProtocol, fmt.Errorf("guest refused: %s", strings.TrimPrefix(trimmed, "ERROR "))
	}
	return PhaseHandshakeProtocol, fmt.Errorf("protocol error: unexpected handshake reply %q", trimmed)
}

func (l *Listener) report(phase Phase, err error) {
	if l.sink == nil {
		return
	}
	l.sink(RuntimeError{
		ID:        uuid.NewString(),
		HostPort:  l.spec.HostPort,
		GuestPort: l.spec.GuestPort,
		Phase:     phase,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// setReuseAddr sets SO_REUSEADDR before bind, matching spec.md §4.4.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
