package shutdown

// Phase is a step of the shutdown sequence. Phases only move forward.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSignalReceived
	PhaseDraining
	PhaseCheckpointing
	PhaseNotifyingAPI
	PhaseCleanup
	PhaseExited
)

var phaseNames = [...]string{
	PhaseIdle:           "idle",
	PhaseSignalReceived: "signal_received",
	PhaseDraining:       "draining",
	PhaseCheckpointing:  "checkpointing",
	PhaseNotifyingAPI:   "notifying_api",
	PhaseCleanup:        "cleanup",
	PhaseExited:         "exited",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
