package tunnel

import "time"

// Phase tags the stage a tunnel connection failed in, per spec.md §3's
// Forward Runtime Error phase enum.
type Phase string

const (
	PhaseConnectToGuest    Phase = "ConnectToGuest"
	PhaseHandshakeWrite    Phase = "HandshakeWrite"
	PhaseHandshakeRead     Phase = "HandshakeRead"
	PhaseHandshakeProtocol Phase = "HandshakeProtocol"
	PhaseBridge            Phase = "Bridge"
)

// RuntimeError is an operational error surfaced through the supervisor's
// error sink (spec.md §4.5, §7 class 2). It never halts the process.
type RuntimeError struct {
	ID        string
	HostPort  int
	GuestPort uint32
	Phase     Phase
	Message   string
	Timestamp time.Time
}

func (e RuntimeError) Error() string {
	return string(e.Phase) + ": " + e.Message
}
