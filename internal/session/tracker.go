// Package session owns the authoritative status of every session and
// enforces the status transition graph.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrIllegalPhase      = errors.New("illegal startup phase")
)

// Listener receives a snapshot after every applied change. Listeners of one
// session are called in the order changes were applied, one at a time, and
// must not call back into the Tracker for the same session.
type Listener func(protocol.Session)

// Details carries optional data applied together with a status change.
type Details struct {
	Error    string
	WorkerID string
}

type entry struct {
	mu        sync.Mutex
	session   protocol.Session
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
}

// Tracker holds session state. The map lookup is guarded by one RWMutex;
// every mutation of a session is serialized by that session's own lock so
// unrelated sessions never contend.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logf     logging.Logf
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(logf logging.Logf) *Tracker {
	return &Tracker{
		sessions: make(map[string]*entry),
		logf:     logging.OrNop(logf),
		now:      time.Now,
	}
}

// SetClock overrides the time source (for testing)
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) lookup(id string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// Create registers a new session in starting status.
func (t *Tracker) Create(id string) (protocol.Session, error) {
	now := t.now()
	e := &entry{
		session: protocol.Session{
			ID:             id,
			Status:         protocol.StatusStarting,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		listeners: make(map[uint64]Listener),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[id]; exists {
		return protocol.Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	t.sessions[id] = e
	return e.session, nil
}

// Restore registers a previously persisted session as-is. Used when the
// control plane restarts with sessions in its store.
func (t *Tracker) Restore(s protocol.Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	t.sessions[s.ID] = &entry{session: s, listeners: make(map[uint64]Listener)}
	return nil
}

// Get returns a snapshot of the session.
func (t *Tracker) Get(id string) (protocol.Session, error) {
	e, err := t.lookup(id)
	if err != nil {
		return protocol.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// List returns snapshots of all sessions.
func (t *Tracker) List() []protocol.Session {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]protocol.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session)
		e.mu.Unlock()
	}
	return out
}

// SetStatus moves a session to status. An illegal transition is rejected:
// the session is left unchanged and returned along with ErrIllegalTransition.
// Setting the current status again is a no-op.
func (t *Tracker) SetStatus(id string, status protocol.Status, details Details) (protocol.Session, error) {
	e, err := t.lookup(id)
	if err != nil {
		return protocol.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status == status {
		return e.session, nil
	}
	if !CanTransition(e.session.Status, status) {
		t.logf("session %s: rejected status transition %s -> %s", id, e.session.Status, status)
		return e.session, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.session.Status, status)
	}
	t.applyStatus(e, status, details)
	t.notify(e)
	return e.session, nil
}

func (t *Tracker) applyStatus(e *entry, status protocol.Status, details Details) {
	now := t.now()
	t.logf("session %s: status %s -> %s", e.session.ID, e.session.Status, status)
	e.session.Status = status
	if details.Error != "" {
		e.session.Error = details.Error
	}
	if details.WorkerID != "" {
		e.session.WorkerID = details.WorkerID
	}
	if status.IsTerminal() {
		e.session.StoppedAt = &now
	}
}

// MarkStartupPhase records a startup sub-phase of a starting session.
// Reaching ready moves the session to active, then to waiting if requests
// are already pending; failed moves it to errored with details.Error.
// Phases never move backwards; repeating the current phase is a no-op.
func (t *Tracker) MarkStartupPhase(id string, phase protocol.StartupPhase, details Details) (protocol.Session, error) {
	e, err := t.lookup(id)
	if err != nil {
		return protocol.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != protocol.StatusStarting {
		t.logf("session %s: ignoring startup phase %s in status %s", id, phase, e.session.Status)
		return e.session, fmt.Errorf("%w: %s while %s", ErrIllegalPhase, phase, e.session.Status)
	}
	if e.session.StartupPhase == phase {
		return e.session, nil
	}
	if !canAdvancePhase(e.session.StartupPhase, phase) {
		t.logf("session %s: rejected startup phase %s -> %s", id, e.session.StartupPhase, phase)
		return e.session, fmt.Errorf("%w: %s -> %s", ErrIllegalPhase, e.session.StartupPhase, phase)
	}

	now := t.now()
	e.session.StartupPhase = phase
	e.session.PhaseChangedAt = &now
	switch phase {
	case protocol.PhaseReady:
		t.applyStatus(e, protocol.StatusActive, Details{})
		if e.session.PendingPermissions > 0 {
			// Listeners see starting -> active -> waiting, one edge at a time.
			t.notify(e)
			t.applyStatus(e, protocol.StatusWaiting, Details{})
		}
	case protocol.PhaseFailed:
		if details.Error == "" {
			details.Error = "startup failed"
		}
		t.applyStatus(e, protocol.StatusErrored, details)
	}
	t.notify(e)
	return e.session, nil
}

// Fail moves a session to errored with the given message. Terminal sessions
// are returned unchanged with ErrIllegalTransition.
func (t *Tracker) Fail(id, message string) (protocol.Session, error) {
	return t.SetStatus(id, protocol.StatusErrored, Details{Error: message})
}

// SyncPending records the live pending-permission count and derives the
// waiting status from it: active becomes waiting when the count rises above
// zero and waiting becomes active when it drops back to zero.
func (t *Tracker) SyncPending(id string, pending int) (protocol.Session, error) {
	e, err := t.lookup(id)
	if err != nil {
		return protocol.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.session.PendingPermissions != pending
	e.session.PendingPermissions = pending
	switch {
	case pending > 0 && e.session.Status == protocol.StatusActive:
		t.applyStatus(e, protocol.StatusWaiting, Details{})
		changed = true
	case pending == 0 && e.session.Status == protocol.StatusWaiting:
		t.applyStatus(e, protocol.StatusActive, Details{})
		changed = true
	}
	if changed {
		t.notify(e)
	}
	return e.session, nil
}

// AssignWorker records the worker currently executing the session.
func (t *Tracker) AssignWorker(id, workerID string) (protocol.Session, error) {
	e, err := t.lookup(id)
	if err != nil {
		return protocol.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.WorkerID == workerID {
		return e.session, nil
	}
	e.session.WorkerID = workerID
	t.notify(e)
	return e.session, nil
}

// Touch records inbound activity without notifying listeners. The new
// lastActivityAt reaches listeners, and so the store, with the next change.
func (t *Tracker) Touch(id string) {
	e, err := t.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.session.LastActivityAt = t.now()
	e.mu.Unlock()
}

// Subscribe registers a listener for changes to one session. The returned
// function removes it and is safe to call more than once.
func (t *Tracker) Subscribe(id string, l Listener) (func(), error) {
	e, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	subID := e.nextID
	e.nextID++
	e.listeners[subID] = l
	e.order = append(e.order, subID)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners, subID)
			for i, id := range e.order {
				if id == subID {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// notify must be called with e.mu held.
func (t *Tracker) notify(e *entry) {
	snapshot := e.session
	for _, id := range e.order {
		if l, ok := e.listeners[id]; ok {
			l(snapshot)
		}
	}
}
