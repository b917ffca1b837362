package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

// Supervisor exposes the declarative Port-Forward Supervisor operations
// from spec.md §4.5: start/stop/add/remove/update, active_forwards,
// last_runtime_error, clear_runtime_error. Grounded in the teacher's
// Router.portProxies map plus mutex (internal/router/router.go), adapted
// from "public ports owned by an instance" to "forwards owned by this
// bridge".
type Supervisor struct {
	endpoint   vtransport.Endpoint
	exec       *vmexec.Executor
	tunnelPort uint32
	extSink    ErrSink

	mu        sync.Mutex
	listeners map[int]*Listener // hostPort -> Listener
	lastErr   *RuntimeError
}

// NewSupervisor constructs a Supervisor dialing tunnelPort on endpoint for
// every forward it starts. extSink, if non-nil, additionally receives every
// RuntimeError after it is recorded as last_runtime_error.
func NewSupervisor(endpoint vtransport.Endpoint, exec *vmexec.Executor, tunnelPort uint32, extSink ErrSink) *Supervisor {
	return &Supervisor{
		endpoint:   endpoint,
		exec:       exec,
		tunnelPort: tunnelPort,
		extSink:    extSink,
		listeners:  make(map[int]*Listener),
	}
}

func (s *Supervisor) recordError(re RuntimeError) {
	s.mu.Lock()
	s.lastErr = &re
	s.mu.Unlock()
	if s.extSink != nil {
		s.extSink(re)
	}
}

// Start starts every spec in specs, per current semantics of add (duplicate
// host ports are silently skipped).
func (s *Supervisor) Start(specs []Spec) {
	for _, spec := range specs {
		s.Add(spec)
	}
}

// Stop tears down every active forward.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	listeners := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = make(map[int]*Listener)
	s.mu.Unlock()

	for _, l := range listeners {
		l.Stop()
	}
}

// Add starts a new forward. A duplicate host_port is a silent no-op per
// spec.md §4.5.
func (s *Supervisor) Add(spec Spec) {
	s.mu.Lock()
	if _, exists := s.listeners[spec.HostPort]; exists {
		s.mu.Unlock()
		return
	}
	l := NewListener(spec, s.endpoint, s.exec, s.tunnelPort, s.recordError)
	s.listeners[spec.HostPort] = l
	s.mu.Unlock()

	if err := l.Start(); err != nil {
		s.mu.Lock()
		delete(s.listeners, spec.HostPort)
		s.mu.Unlock()
		s.recordError(RuntimeError{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			HostPort:  spec.HostPort,
			GuestPort: spec.GuestPort,
			Phase:     PhaseConnectToGuest,
			Message:   err.Error(),
		})
	}
}

// Remove stops and forgets the forward bound to hostPort, if any.
func (s *Supervisor) Remove(hostPort int) {
	s.mu.Lock()
	l, ok := s.listeners[hostPort]
	if ok {
		delete(s.listeners, hostPort)
	}
	s.mu.Unlock()
	if ok {
		l.Stop()
	}
}

// Update declaratively reconciles the active set to specs: current \
// desired is stopped, desired \ current is started. Idempotent, per
// spec.md §4.5.
func (s *Supervisor) Update(specs []Spec) {
	desired := make(map[int]Spec, len(specs))
	for _, spec := range specs {
		desired[spec.HostPort] = spec
	}

	s.mu.Lock()
	var toRemove []int
	for hostPort := range s.listeners {
		if _, want := desired[hostPort]; !want {
			toRemove = append(toRemove, hostPort)
		}
	}
	var toAdd []Spec
	for hostPort, spec := range desired {
		if _, have := s.listeners[hostPort]; !have {
			toAdd = append(toAdd, spec)
		}
	}
	s.mu.Unlock()

	for _, hostPort := range toRemove {
		s.Remove(hostPort)
	}
	for _, spec := range toAdd {
		s.Add(spec)
	}
}

// ActiveForwards returns the set of currently active specs.
func (s *Supervisor) ActiveForwards() []Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Spec, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.spec)
	}
	return out
}

// LastRuntimeError returns the most recent RuntimeError observed, if any.
func (s *Supervisor) LastRuntimeError() (RuntimeError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return RuntimeError{}, false
	}
	return *s.lastErr, true
}

// ClearRuntimeError clears the observable last-error slot.
func (s *Supervisor) ClearRuntimeError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}
