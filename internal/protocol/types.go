package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingType is returned for frames without a type field.
	ErrMissingType = errors.New("missing type field")
	// ErrUnknownType is returned for frames whose type is not part of the relay protocol.
	ErrUnknownType = errors.New("unknown event type")
	// ErrBadPayload is returned when payload is present but is not a JSON object.
	ErrBadPayload = errors.New("payload must be a JSON object")
)

// Event is one relayed unit: a single JSON object on a single line.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp Timestamp       `json:"timestamp"`
}

// NewEvent marshals payload into a new event stamped with the current time.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	return NewEventAt(eventType, payload, time.Now())
}

// NewEventAt is NewEvent with an explicit timestamp.
func NewEventAt(eventType string, payload interface{}, at time.Time) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Payload: raw, Timestamp: NewTimestamp(at)}, nil
}

// MustEvent is NewEvent for payload types that cannot fail to marshal.
func MustEvent(eventType string, payload interface{}) *Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// Encode renders the event as one newline-terminated line.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// KnownType reports whether t is a relay event type.
func KnownType(t string) bool {
	switch t {
	case TypeSessionStatus, TypeSessionMessage, TypePermissionRequest,
		TypePermissionResponse, TypePermissionResolved, TypeSessionResult,
		TypeToolProgress, TypeConnectionAck, TypeError:
		return true
	}
	return false
}

// ParseEvent parses one line into an event. Trailing newline and
// surrounding whitespace are ignored. A missing timestamp is filled in with
// the current time; a missing payload becomes an empty object.
func ParseEvent(line []byte) (*Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.New("empty frame")
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, ErrMissingType
	}
	if !KnownType(ev.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	payload := bytes.TrimSpace(ev.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
		ev.Payload = json.RawMessage("{}")
	case payload[0] != '{':
		return nil, ErrBadPayload
	}
	if ev.Timestamp == "" {
		ev.Timestamp = TimestampNow()
	}
	return &ev, nil
}

// Session is the control plane's record of one unit of work.
type Session struct {
	ID                 string       `json:"sessionId"`
	Status             Status       `json:"status"`
	StartupPhase       StartupPhase `json:"startupPhase,omitempty"`
	PhaseChangedAt     *time.Time   `json:"phaseChangedAt,omitempty"`
	PendingPermissions int          `json:"pendingPermissions"`
	WorkerID           string       `json:"workerId,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	LastActivityAt     time.Time    `json:"lastActivityAt"`
	StoppedAt          *time.Time   `json:"stoppedAt,omitempty"`
	Error              string       `json:"error,omitempty"`
}

// SessionMessage is one entry of a session's append-only timeline.
type SessionMessage struct {
	SessionID string                 `json:"sessionId"`
	Sequence  uint64                 `json:"sequence"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp Timestamp              `json:"timestamp"`
}

// StatusPayload is the payload of session_status. Workers send the status
// and/or startupPhase; the control plane broadcasts the full session.
type StatusPayload struct {
	SessionID          string       `json:"sessionId"`
	Status             Status       `json:"status,omitempty"`
	StartupPhase       StartupPhase `json:"startupPhase,omitempty"`
	PendingPermissions int          `json:"pendingPermissions"`
	Error              string       `json:"error,omitempty"`
	Session            *Session     `json:"session,omitempty"`
}

// StatusPayloadFor builds the broadcast payload for a session snapshot.
func StatusPayloadFor(s Session) StatusPayload {
	return StatusPayload{
		SessionID:          s.ID,
		Status:             s.Status,
		StartupPhase:       s.StartupPhase,
		PendingPermissions: s.PendingPermissions,
		Error:              s.Error,
		Session:            &s,
	}
}

// PermissionRequestPayload asks a client to approve one tool use.
type PermissionRequestPayload struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// PermissionResponsePayload carries a client's decision.
type PermissionResponsePayload struct {
	SessionID string   `json:"sessionId"`
	RequestID string   `json:"requestId"`
	Decision  Decision `json:"decision"`
}

// PermissionResolvedPayload announces an accepted decision to all clients.
type PermissionResolvedPayload struct {
	SessionID string   `json:"sessionId"`
	RequestID string   `json:"requestId"`
	ToolName  string   `json:"toolName,omitempty"`
	Decision  Decision `json:"decision"`
	Source    string   `json:"source"`
}

// AckPayload is the first event sent on every relay connection.
type AckPayload struct {
	ConnectionID    string `json:"connectionId"`
	SessionID       string `json:"sessionId"`
	Role            string `json:"role"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ErrorPayload reports a failure. Fatal errors from a worker terminate the session.
type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(sessionID, code, message string) *Event {
	return MustEvent(TypeError, ErrorPayload{SessionID: sessionID, Code: code, Message: message})
}
