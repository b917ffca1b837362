// Package eventstream implements the persistent guest event reader
// (spec.md §4.6): one reconnect loop per event port, leftover-buffer LF
// splitting, and JSON dispatch by type. Grounded in the teacher's
// internal/lifecycle/demuxer.go recvLoop (single persistent reader
// goroutine, parse-then-dispatch-by-shape) and internal/vmm/channel.go's
// NetControlChannel (newline-delimited JSON framing over a net.Conn,
// bufio.Scanner with an enlarged buffer), adapted from RPC
// response/notification routing to guest-event-type routing.
package eventstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// reconnectBackoff matches spec.md §4.6 step 4: "sleep 2 s before
// reconnecting."
const reconnectBackoff = 2 * time.Second

// maxLineSize bounds a single event line, mirroring the 1 MiB scanner
// buffer the teacher's NetControlChannel uses for control-channel framing.
const maxLineSize = 1024 * 1024

// envelope is used only to read the discriminant field before dispatching
// to a typed sink.
type envelope struct {
	Type string `json:"type"`
}

// Dispatcher routes one decoded event payload to its observable sink. The
// concrete sinks (FileQueueSink, PendingURLSink, DetectedPortSink,
// ForegroundAppSink, LogLineSink) implement this against their own event
// type string.
type Dispatcher interface {
	// EventType is the wire "type" field this dispatcher handles.
	EventType() string
	// Dispatch is called with the full raw JSON line for this event.
	Dispatch(raw json.RawMessage)
}

// Reader runs the reconnect loop for a single event port.
type Reader struct {
	endpoint vtransport.Endpoint
	exec     *vmexec.Executor
	port     uint32
	sinks    map[string]Dispatcher
}

// NewReader constructs a Reader for one event port, dispatching decoded
// lines to sinks keyed by their EventType().
func NewReader(endpoint vtransport.Endpoint, exec *vmexec.Executor, port uint32, sinks []Dispatcher) *Reader {
	byType := make(map[string]Dispatcher, len(sinks))
	for _, s := range sinks {
		byType[s.EventType()] = s
	}
	return &Reader{endpoint: endpoint, exec: exec, port: port, sinks: byType}
}

// Run blocks, reconnecting and dispatching events until ctx is canceled,
// per spec.md §4.6: "Cancellation of the outer task exits the loop."
func (r *Reader) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.runOnce(ctx); err != nil {
			log.Printf("eventstream: port %d: %v", r.port, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (r *Reader) runOnce(ctx context.Context) error {
	v, err := r.exec.Run(ctx, func(ctx context.Context) (interface{}, error) {
		return r.endpoint.Connect(ctx, r.port, 5*time.Second)
	})
	if err != nil {
		return err
	}
	conn := v.(*vtransport.Connection)
	defer conn.Close()

	scanner := bufio.NewScanner(connReader{ctx: ctx, conn: conn})
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.dispatchLine(line)
	}
	return scanner.Err()
}

func (r *Reader) dispatchLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Printf("eventstream: port %d: malformed event: %v", r.port, err)
		return
	}
	sink, ok := r.sinks[env.Type]
	if !ok {
		return
	}
	sink.Dispatch(json.RawMessage(line))
}

// connReader adapts vtransport.Connection's Option<Bytes>-style Read into
// an io.Reader for bufio.Scanner, translating clean EOF (nil, nil) into
// io.EOF as bufio.Scanner requires.
type connReader struct {
	ctx  context.Context
	conn *vtransport.Connection
}

func (c connReader) Read(p []byte) (int, error) {
	chunk, err := c.conn.Read(c.ctx, len(p))
	if err != nil {
		return 0, err
	}
	if chunk == nil {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	return n, nil
}
