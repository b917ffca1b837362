package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// fakeGuestEndpoint simulates the guest tunnel multiplexer: on Connect, it
// reads the CONNECT line, replies OK or ERROR, then echoes bytes back,
// exercising the exact handshake from spec.md §4.4.
type fakeGuestEndpoint struct {
	mu          sync.Mutex
	lastConnect string
	refuse      bool
	onBridge    func(net.Conn) // runs after OK, drives the guest side of the bridge
}

func (f *fakeGuestEndpoint) String() string { return "fake-guest" }

func (f *fakeGuestEndpoint) Connect(ctx context.Context, port uint32, timeout time.Duration) (*vtransport.Connection, error) {
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
		go f.serve(server)
	}()
	return vtransport.WrapConnection(mustDial(ln.Addr().String())), nil
}

func mustDial(addr string) net.Conn {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		panic(err)
	}
	return c
}

func (f *fakeGuestEndpoint) serve(server net.Conn) {
	defer server.Close()
	buf := make([]byte, 256)
	var line []byte
	for {
		n, err := server.Read(buf)
		if n > 0 {
			line = append(line, buf[:n]...)
		}
		if err != nil || containsNewline(line) {
			break
		}
	}
	f.mu.Lock()
	f.lastConnect = string(line)
	refuse := f.refuse
	f.mu.Unlock()

	if refuse {
		server.Write([]byte("ERROR refused\r\n"))
		return
	}
	server.Write([]byte("OK\r\n"))

	if f.onBridge != nil {
		f.onBridge(server)
		return
	}
	io.Copy(io.Discard, server)
}

func containsNewline(b []byte) bool {
	for _, c := range b {
		if c == '\n' {
			return true
		}
	}
	return false
}

func TestTunnelBridgesBytesBothWays(t *testing.T) {
	guest := &fakeGuestEndpoint{
		onBridge: func(server net.Conn) {
			buf := make([]byte, 18)
			io.ReadFull(server, buf)
			server.Write([]byte("HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nOK"))
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hostPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	exec := vmexec.New()
	var gotErrs []RuntimeError
	var mu sync.Mutex
	l := NewListener(Spec{HostPort: hostPort, GuestPort: 80}, guest, exec, 5001, func(re RuntimeError) {
		mu.Lock()
		gotErrs = append(gotErrs, re)
		mu.Unlock()
	})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))

	resp := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := io.ReadFull(conn, resp[:len("HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nOK")])
	got := string(resp[:n])
	want := "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nOK"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	guest.mu.Lock()
	lastConnect := guest.lastConnect
	guest.mu.Unlock()
	if lastConnect != "CONNECT 80\r\n" {
		t.Errorf("expected handshake line, got %q", lastConnect)
	}
}

func TestTunnelReportsHandshakeRefusal(t *testing.T) {
	guest := &fakeGuestEndpoint{refuse: true}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hostPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	exec := vmexec.New()
	errCh := make(chan RuntimeError, 1)
	l := NewListener(Spec{HostPort: hostPort, GuestPort: 22}, guest, exec, 5001, func(re RuntimeError) {
		errCh <- re
	})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case re := <-errCh:
		if re.Phase != PhaseHandshakeProtocol {
			t.Errorf("expected PhaseHandshakeProtocol, got %v", re.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RuntimeError")
	}
}

func TestSupervisorUpdateReconcilesDeclaratively(t *testing.T) {
	guest := &fakeGuestEndpoint{}
	exec := vmexec.New()
	sup := NewSupervisor(guest, exec, 5001, nil)

	freePort := func() int {
		ln, _ := net.Listen("tcp", "127.0.0.1:0")
		p := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		return p
	}

	p1, p2, p3 := freePort(), freePort(), freePort()
	sup.Update([]Spec{{HostPort: p1, GuestPort: 10}, {HostPort: p2, GuestPort: 20}})
	time.Sleep(20 * time.Millisecond)
	if len(sup.ActiveForwards()) != 2 {
		t.Fatalf("expected 2 active forwards, got %d", len(sup.ActiveForwards()))
	}

	sup.Update([]Spec{{HostPort: p2, GuestPort: 20}, {HostPort: p3, GuestPort: 30}})
	time.Sleep(20 * time.Millisecond)
	active := sup.ActiveForwards()
	if len(active) != 2 {
		t.Fatalf("expected 2 active forwards after reconcile, got %d", len(active))
	}
	hostPorts := map[int]bool{}
	for _, s := range active {
		hostPorts[s.HostPort] = true
	}
	if hostPorts[p1] || !hostPorts[p2] || !hostPorts[p3] {
		t.Errorf("reconciliation did not converge to desired set: %+v", active)
	}

	sup.Stop()
}

func TestSupervisorAddDuplicateHostPortIsNoOp(t *testing.T) {
	guest := &fakeGuestEndpoint{}
	exec := vmexec.New()
	sup := NewSupervisor(guest, exec, 5001, nil)
	defer sup.Stop()

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sup.Add(Spec{HostPort: port, GuestPort: 1})
	sup.Add(Spec{HostPort: port, GuestPort: 2})
	time.Sleep(10 * time.Millisecond)

	active := sup.ActiveForwards()
	if len(active) != 1 {
		t.Fatalf("expected exactly one listener for duplicate host port, got %d", len(active))
	}
	if active[0].GuestPort != 1 {
		t.Errorf("duplicate add should not replace existing spec, got guest port %d", active[0].GuestPort)
	}
}
