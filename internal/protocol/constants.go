package protocol

// ProtocolVersion is sent in every connection:ack so peers can detect skew.
const ProtocolVersion = "1"

// Relay event types
const (
	TypeSessionStatus      = "session_status"
	TypeSessionMessage     = "session_message"
	TypePermissionRequest  = "session_permission_request"
	TypePermissionResponse = "session_permission_response"
	TypePermissionResolved = "session_permission_resolved"
	TypeSessionResult      = "session_result"
	TypeToolProgress       = "session_tool_progress"
	TypeConnectionAck      = "connection:ack"
	TypeError              = "error"
)

// Status is the authoritative lifecycle status of a session.
type Status string

// Session statuses
const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusWaiting  Status = "waiting"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// IsTerminal reports whether no transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusErrored
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusStarting, StatusActive, StatusWaiting, StatusStopping, StatusStopped, StatusErrored:
		return true
	}
	return false
}

// StartupPhase is the sub-state of a session while it is starting.
type StartupPhase string

// Startup phases, in order. PhaseFailed may be reported at any point.
const (
	PhaseLaunching    StartupPhase = "launching"
	PhaseConnecting   StartupPhase = "connecting"
	PhaseInitializing StartupPhase = "initializing"
	PhaseReady        StartupPhase = "ready"
	PhaseFailed       StartupPhase = "failed"
)

// Rank orders the non-failed phases. Unknown phases and PhaseFailed rank -1.
func (p StartupPhase) Rank() int {
	switch p {
	case PhaseLaunching:
		return 0
	case PhaseConnecting:
		return 1
	case PhaseInitializing:
		return 2
	case PhaseReady:
		return 3
	}
	return -1
}

// IsValid reports whether p is a known phase.
func (p StartupPhase) IsValid() bool {
	return p == PhaseFailed || p.Rank() >= 0
}

// Decision is a client's answer to a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// IsValid reports whether d is allow or deny.
func (d Decision) IsValid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// Message roles
const (
	RoleUser               = "user"
	RoleAssistant          = "assistant"
	RolePermissionRequest  = "permission_request"
	RolePermissionResponse = "permission_response"
	RoleSystem             = "system"
	RoleError              = "error"
)

// Resolution sources
const (
	SourceClient  = "client"
	SourceTimeout = "timeout"
)

// Connection roles reported in connection:ack
const (
	ConnRoleWorker = "worker"
	ConnRoleClient = "client"
)

// Error codes carried in error events
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeSessionClosed   = "session_closed"
	ErrCodeNoWorker        = "no_worker"
	ErrCodeInternal        = "internal_error"
)
