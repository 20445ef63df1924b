package shutdown

import (
	"time"
)

// Event types emitted on the sequencer's event stream.
const (
	EventPhaseChanged       = "phase_changed"
	EventDrainComplete      = "drain_complete"
	EventDrainTimeout       = "drain_timeout"
	EventDrainFailed        = "drain_failed"
	EventCheckpointComplete = "checkpoint_complete"
	EventCheckpointFailed   = "checkpoint_failed"
	EventCheckpointSkipped  = "checkpoint_skipped"
	EventAPINotifyComplete  = "api_notify_complete"
	EventAPINotifyFailed    = "api_notify_failed"
	EventDisposeFailed      = "dispose_failed"
	EventCleanupComplete    = "cleanup_complete"
	EventShutdownComplete   = "shutdown_complete"
)

// Event is one structured record of shutdown progress.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Phase     Phase                  `json:"phase"`
	From      Phase                  `json:"-"`
	To        Phase                  `json:"-"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Time parses the event's ISO-8601 timestamp.
func (e Event) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
	return t
}
