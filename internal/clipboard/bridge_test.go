package clipboard

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sparrowvm/hostbridge/internal/guestclient"
	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// fakePasteboard is an in-memory HostPasteboard double.
type fakePasteboard struct {
	mu          sync.Mutex
	item        Item
	has         bool
	changeCount int
}

func (p *fakePasteboard) Read() (Item, int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.item, p.changeCount, p.has, nil
}

func (p *fakePasteboard) Write(item Item) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.item = item
	p.has = true
	p.changeCount++
	return p.changeCount, nil
}

func (p *fakePasteboard) set(data string, uti string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.item = Item{Data: []byte(data), UTI: uti}
	p.has = true
	p.changeCount++
}

// fakeControlEndpoint serves a scripted clipboard control-port responder
// for guestclient.Client to talk to.
type fakeControlEndpoint struct {
	mu         sync.Mutex
	getCalls   int
	setCalls   int
	lastSetBody string
	getResponse func() []byte
}

func (f *fakeControlEndpoint) String() string { return "fake-control" }

func (f *fakeControlEndpoint) Connect(ctx context.Context, port uint32, timeout time.Duration) (*vtransport.Connection, error) {
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
		defer server.Close()
		buf := make([]byte, 64*1024)
		var req []byte
		for {
			n, err := server.Read(buf)
			if n > 0 {
				req = append(req, buf[:n]...)
			}
			if err != nil {
				break
			}
		}
		if len(req) >= 4 && string(req[:4]) == "POST" {
			f.mu.Lock()
			f.setCalls++
			idx := indexOfCRLFCRLF(req)
			if idx >= 0 {
				f.lastSetBody = string(req[idx+4:])
			}
			f.mu.Unlock()
			server.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
			return
		}
		f.mu.Lock()
		f.getCalls++
		resp := f.getResponse()
		f.mu.Unlock()
		server.Write(resp)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, err
	}
	return vtransport.WrapConnection(client), nil
}

func indexOfCRLFCRLF(b []byte) int {
	for i := 0; i+4 <= len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func newTestBridge(pb *fakePasteboard, ep *fakeControlEndpoint) *Bridge {
	exec := vmexec.New()
	client := guestclient.New(ep, exec, "")
	return New(client, pb, ModeBidirectional)
}

func TestPushSendsRichestHostItem(t *testing.T) {
	pb := &fakePasteboard{}
	pb.set("hello from host", "public.utf8-plain-text")

	ep := &fakeControlEndpoint{getResponse: func() []byte {
		return []byte("HTTP/1.1 204 No Content\r\n\r\n")
	}}
	b := newTestBridge(pb, ep)

	b.OnFocusLost(context.Background())

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.setCalls != 1 {
		t.Fatalf("expected one clipboard set, got %d", ep.setCalls)
	}
	if !contains(ep.lastSetBody, "hello from host") {
		t.Errorf("set body missing content: %q", ep.lastSetBody)
	}
}

func TestPushSkippedWhenEqualsLastPulledHash(t *testing.T) {
	pb := &fakePasteboard{}
	ep := &fakeControlEndpoint{getResponse: func() []byte {
		return []byte(`HTTP/1.1 200 OK` + "\r\n\r\n" + `{"content":"shared value","type":"public.utf8-plain-text","changeCount":1}`)
	}}
	b := newTestBridge(pb, ep)

	// Pull first so lastPulledHash is set to "shared value".
	b.OnFocusGained(context.Background())

	// Now the host pasteboard happens to contain the very same value
	// (e.g. the pull just wrote it) — push must be suppressed.
	pb.set("shared value", "public.utf8-plain-text")
	b.OnFocusLost(context.Background())

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.setCalls != 0 {
		t.Errorf("expected push to be echo-suppressed, got %d set calls", ep.setCalls)
	}
}

func TestPullSkippedWhenEqualsLastPushedHash(t *testing.T) {
	pb := &fakePasteboard{}
	pb.set("round trip value", "public.utf8-plain-text")

	ep := &fakeControlEndpoint{getResponse: func() []byte {
		return []byte(`HTTP/1.1 200 OK` + "\r\n\r\n" + `{"content":"round trip value","type":"public.utf8-plain-text","changeCount":9}`)
	}}
	b := newTestBridge(pb, ep)

	b.OnFocusLost(context.Background()) // push "round trip value"

	pb.mu.Lock()
	countBefore := pb.changeCount
	pb.mu.Unlock()

	b.OnFocusGained(context.Background()) // guest echoes the same value back

	pb.mu.Lock()
	countAfter := pb.changeCount
	pb.mu.Unlock()
	if countAfter != countBefore {
		t.Errorf("pull should have been echo-suppressed, but pasteboard was written again (changeCount %d -> %d)", countBefore, countAfter)
	}
}

func TestPullHandlesEmptyClipboard(t *testing.T) {
	pb := &fakePasteboard{}
	ep := &fakeControlEndpoint{getResponse: func() []byte {
		return []byte("HTTP/1.1 204 No Content\r\n\r\n")
	}}
	b := newTestBridge(pb, ep)

	b.OnFocusGained(context.Background())
	if pb.has {
		t.Errorf("expected no write for empty guest clipboard")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
