package health

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// scriptedHealthEndpoint writes a version line, then holds the connection
// open (simulating a live guest) until the test closes it, or closes
// immediately (simulating POLLHUP), per the behavior probeOnce expects.
type scriptedHealthEndpoint struct {
	mu       sync.Mutex
	holdOpen bool
	servers  []net.Conn
}

func (s *scriptedHealthEndpoint) String() string { return "scripted-health" }

func (s *scriptedHealthEndpoint) Connect(ctx context.Context, port uint32, timeout time.Duration) (*vtransport.Connection, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		defer ln.Close()
		server, err := ln.Accept()
		if err != nil {
			return
		}
		server.Write([]byte("v1.0\n"))
		s.mu.Lock()
		hold := s.holdOpen
		if hold {
			s.servers = append(s.servers, server)
		}
		s.mu.Unlock()
		if !hold {
			server.Close()
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, err
	}
	return vtransport.WrapConnection(client), nil
}

func (s *scriptedHealthEndpoint) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.servers {
		c.Close()
	}
	s.servers = nil
}

func TestMonitorTransitionsToConnectedOnHandshake(t *testing.T) {
	ep := &scriptedHealthEndpoint{holdOpen: true}
	var transitions []Status
	var mu sync.Mutex
	m := NewMonitor(ep, vmexec.New(), 5002, func(s Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == StatusConnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Status() != StatusConnected {
		t.Fatalf("expected StatusConnected, got %v", m.Status())
	}
	ep.closeAll()
}

func TestMonitorReturnsToConnectingOnDisconnect(t *testing.T) {
	ep := &scriptedHealthEndpoint{holdOpen: false}
	m := NewMonitor(ep, vmexec.New(), 5002, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Each probe handshakes then immediately sees EOF (guest closed), so
	// status should cycle back to Connecting without ever sticking on
	// Connected for long; give it enough time to observe at least one cycle.
	time.Sleep(200 * time.Millisecond)
	if m.Status() != StatusConnecting {
		t.Errorf("expected StatusConnecting after disconnect cycle, got %v", m.Status())
	}
}

func TestMonitorStatusStringValues(t *testing.T) {
	cases := map[Status]string{
		StatusConnecting: "connecting",
		StatusConnected:  "connected",
		StatusNotFound:   "not_found",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
