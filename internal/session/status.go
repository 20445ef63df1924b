package session

import "github.com/victorarias/relayd/internal/protocol"

// transitions lists the legal edges of the session status graph. Every
// non-terminal status may additionally move to errored.
var transitions = map[protocol.Status][]protocol.Status{
	protocol.StatusStarting: {protocol.StatusActive},
	protocol.StatusActive:   {protocol.StatusWaiting, protocol.StatusStopping},
	protocol.StatusWaiting:  {protocol.StatusActive, protocol.StatusStopping},
	protocol.StatusStopping: {protocol.StatusStopped},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to protocol.Status) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == protocol.StatusErrored {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// canAdvancePhase reports whether a starting session may report phase next
// after current. Phases only move forward; skipping ahead is allowed.
func canAdvancePhase(current, next protocol.StartupPhase) bool {
	if next == protocol.PhaseFailed {
		return true
	}
	if next.Rank() < 0 {
		return false
	}
	if current == "" {
		return true
	}
	return next.Rank() > current.Rank()
}
