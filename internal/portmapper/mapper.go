// Package portmapper implements the Auto Port Mapper (spec.md §4.8): a
// declarative reconciler that maps newly detected guest ports to host
// ports it probes for, while respecting manual forwards and a user
// blocklist. Port batches arrive through direct Update calls (there is no
// input channel); the mapper's output is a channel of commands, so it
// never holds a direct reference to the supervisor. Grounded in the teacher's reconciler shape
// (internal/nodeagent/state/reconciler.go-style desired-vs-current diffing
// from the retrieval pack) generalized to this domain's port-binding
// probe.
package portmapper

import (
	"fmt"
	"net"
	"sync"

	"github.com/samber/lo"

	"github.com/sparrowvm/hostbridge/internal/eventstream"
)

// minimumPort is spec.md §4.8's lower bound for auto-mapped ports.
const minimumPort = 1025

// probeRange is how many candidate host ports, starting at the guest port
// itself, are tried before giving up: guest, guest+1, ..., guest+99.
const probeRange = 100

// CommandKind distinguishes the actions a Mapper emits on its Commands
// channel for a consumer (typically the tunnel Supervisor) to apply.
type CommandKind int

const (
	CommandAdd CommandKind = iota
	CommandRemove
)

// Command is one action the Mapper wants applied to the tunnel Supervisor:
// add or remove a forward at (HostPort, GuestPort).
type Command struct {
	Kind      CommandKind
	HostPort  int
	GuestPort uint32
}

// ActiveForwardsQuery lets the Mapper exclude host ports already claimed by
// some other forward (manual or otherwise) it does not itself own, per
// spec.md §4.8 step 4: "or any active forward reported by the supervisor."
type ActiveForwardsQuery func() map[int]bool

// Mapper owns the auto-mapping reconciliation state: mapped guest→host
// ports, blocked guest ports, manual host ports, per-port process-name
// cache, and the newly-forwarded-this-batch set.
type Mapper struct {
	mu sync.Mutex

	enabled      bool
	manualPorts  map[int]bool
	excluded     map[uint32]bool
	blocked      map[uint32]bool
	mapped       map[uint32]int // guestPort -> hostPort
	processNames map[uint32]string
	newlyForwarded map[uint32]bool

	activeForwards ActiveForwardsQuery
	commands       chan Command
	bindProbe      func(hostPort int) (ok bool, cleanup func())
}

// New constructs an enabled Mapper with the given manual host ports and
// exclusion set. commandBuffer sizes the emitted Commands channel.
func New(manualPorts []int, excluded []uint32, activeForwards ActiveForwardsQuery, commandBuffer int) *Mapper {
	m := &Mapper{
		enabled:        true,
		manualPorts:    toSet(manualPorts),
		excluded:       toSet32(excluded),
		blocked:        make(map[uint32]bool),
		mapped:         make(map[uint32]int),
		processNames:   make(map[uint32]string),
		newlyForwarded: make(map[uint32]bool),
		activeForwards: activeForwards,
		commands:       make(chan Command, commandBuffer),
	}
	m.bindProbe = m.defaultBindProbe
	return m
}

// Commands is the channel of reconciliation actions for a consumer to
// apply against the real port-forward supervisor.
func (m *Mapper) Commands() <-chan Command { return m.commands }

// Update consumes one batch of reported guest ports and performs the
// five-step reconciliation from spec.md §4.8.
func (m *Mapper) Update(batch []eventstream.GuestPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}

	// Step 1: update process names.
	reported := make(map[uint32]bool, len(batch))
	for _, gp := range batch {
		reported[gp.Port] = true
		if gp.Process != "" {
			m.processNames[gp.Port] = gp.Process
		}
	}

	// Step 2: desired = { p | p >= minimum_port ∧ p ∉ excluded ∧ p ∉
	// manual_host_ports }.
	desired := make(map[uint32]bool, len(reported))
	for port := range reported {
		if port >= minimumPort && !m.excluded[port] && !m.manualPorts[int(port)] {
			desired[port] = true
		}
	}

	// Step 3: remove mapped \ desired.
	for _, guest := range lo.Keys(m.mapped) {
		if desired[guest] {
			continue
		}
		hostPort := m.mapped[guest]
		delete(m.mapped, guest)
		delete(m.processNames, guest)
		m.emit(Command{Kind: CommandRemove, HostPort: hostPort, GuestPort: guest})
	}

	// Step 4: add desired \ mapped \ blocked.
	mappedGuests := lo.Keys(m.mapped)
	blockedGuests := lo.Keys(m.blocked)
	fresh := make(map[uint32]bool)
	for _, guest := range lo.Without(lo.Keys(desired), append(mappedGuests, blockedGuests...)...) {
		hostPort, ok := m.bind(guest)
		if !ok {
			continue
		}
		m.mapped[guest] = hostPort
		fresh[guest] = true
		m.emit(Command{Kind: CommandAdd, HostPort: hostPort, GuestPort: guest})
	}

	// Step 5: replace (not accumulate) newlyForwarded.
	m.newlyForwarded = fresh
}

// bind probes guest, guest+1, ..., guest+99 for a free host port, skipping
// candidates already claimed by a manual forward, another auto-mapping, or
// an externally reported active forward.
func (m *Mapper) bind(guestPort uint32) (int, bool) {
	taken := m.currentlyTakenHostPorts()
	for offset := 0; offset < probeRange; offset++ {
		candidate := int(guestPort) + offset
		if m.manualPorts[candidate] || taken[candidate] {
			continue
		}
		ok, cleanup := m.bindProbe(candidate)
		if cleanup != nil {
			cleanup()
		}
		if ok {
			return candidate, true
		}
	}
	return 0, false
}

func (m *Mapper) currentlyTakenHostPorts() map[int]bool {
	taken := make(map[int]bool, len(m.mapped))
	for _, hostPort := range m.mapped {
		taken[hostPort] = true
	}
	if m.activeForwards != nil {
		for hostPort := range m.activeForwards() {
			taken[hostPort] = true
		}
	}
	return taken
}

// defaultBindProbe attempts a real TCP bind-and-release to confirm the
// host port is actually free, per spec.md §4.8's "attempt to bind a host
// port."
func (m *Mapper) defaultBindProbe(hostPort int) (bool, func()) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		return false, nil
	}
	return true, func() { ln.Close() }
}

// Block removes any mapping for guestPort, marks it blocked, and drops it
// from the newly-forwarded batch set, per spec.md §4.8.
func (m *Mapper) Block(guestPort uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[guestPort] = true
	delete(m.newlyForwarded, guestPort)
	if hostPort, ok := m.mapped[guestPort]; ok {
		delete(m.mapped, guestPort)
		delete(m.processNames, guestPort)
		m.emit(Command{Kind: CommandRemove, HostPort: hostPort, GuestPort: guestPort})
	}
}

// Unblock reverses Block for one port. It does not immediately re-forward;
// the next Update call restores the mapping if the port is still desired.
func (m *Mapper) Unblock(guestPort uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, guestPort)
}

// UnblockAll clears the entire blocklist.
func (m *Mapper) UnblockAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = make(map[uint32]bool)
}

// SetEnabled(false) tears down every auto-mapped forward and clears the
// blocklist, batch, and process-name caches, per spec.md §4.8.
func (m *Mapper) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	if enabled {
		return
	}
	for guest, hostPort := range m.mapped {
		m.emit(Command{Kind: CommandRemove, HostPort: hostPort, GuestPort: guest})
	}
	m.mapped = make(map[uint32]int)
	m.blocked = make(map[uint32]bool)
	m.newlyForwarded = make(map[uint32]bool)
	m.processNames = make(map[uint32]string)
}

// Mapped returns a snapshot of the guest→host mapping.
func (m *Mapper) Mapped() map[uint32]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]int, len(m.mapped))
	for k, v := range m.mapped {
		out[k] = v
	}
	return out
}

// Blocked returns a snapshot of the blocklist.
func (m *Mapper) Blocked() map[uint32]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]bool, len(m.blocked))
	for k := range m.blocked {
		out[k] = true
	}
	return out
}

// NewlyForwarded returns the current batch's newly-created mappings.
func (m *Mapper) NewlyForwarded() map[uint32]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]bool, len(m.newlyForwarded))
	for k := range m.newlyForwarded {
		out[k] = true
	}
	return out
}

func (m *Mapper) emit(cmd Command) {
	select {
	case m.commands <- cmd:
	default:
		// Consumer fell behind; drop rather than block the reconciliation
		// tick. A bounded buffer sized generously by the caller makes this
		// a defensive fallback, not the steady-state path.
	}
}

func toSet(ports []int) map[int]bool {
	out := make(map[int]bool, len(ports))
	for _, p := range ports {
		out[p] = true
	}
	return out
}

func toSet32(ports []uint32) map[uint32]bool {
	out := make(map[uint32]bool, len(ports))
	for _, p := range ports {
		out[p] = true
	}
	return out
}
