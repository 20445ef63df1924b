// Package orchestrator creates sessions and wires the relay, the status
// tracker and the permission correlator together behind the client-facing
// and worker-facing entry points.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/relayd/internal/launcher"
	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/permission"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/relay"
	"github.com/victorarias/relayd/internal/session"
	"github.com/victorarias/relayd/internal/store"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session is closed")
	ErrUnknownWorker    = errors.New("unknown worker")
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Error messages recorded on errored sessions.
const (
	errWorkerDisconnected = "worker disconnected"
	errStoppedDuringStart = "stopped before the worker was ready"
	errControlPlaneLost   = "worker did not reconnect after control plane restart"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	SaveSession(sess protocol.Session) error
	GetSession(id string) (protocol.Session, bool)
	ListSessions(status protocol.Status) []protocol.Session
	AppendMessage(msg protocol.SessionMessage) error
	Messages(sessionID string, after uint64, limit int) []protocol.SessionMessage
	LastSequence(sessionID string) uint64
}

// Config wires an Orchestrator.
type Config struct {
	Store    Store
	Launcher launcher.Launcher

	// Passed to launched workers.
	RelayURL    string
	APIURL      string
	WorkerToken string

	PermissionTimeout time.Duration
	DefaultDecision   protocol.Decision
	// WorkerGrace is how long a session without a worker waits for a
	// replacement before it is errored. Zero errors it immediately.
	WorkerGrace time.Duration

	Logf logging.Logf
}

// CreateRequest asks for a new session.
type CreateRequest struct {
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type sessionState struct {
	// mu serializes every orchestrator operation on the session. It is
	// always taken before any tracker, relay or correlator lock.
	mu         sync.Mutex
	id         string
	workerID   string
	handle     launcher.Handle
	graceTimer *time.Timer
	graceGen   uint64
	unsubs     []func()
}

// Orchestrator is the session control plane.
type Orchestrator struct {
	cfg      Config
	logf     logging.Logf
	tracker  *session.Tracker
	relay    *relay.Relay
	perms    *permission.Correlator
	store    Store
	launcher launcher.Launcher

	mu       sync.RWMutex
	sessions map[string]*sessionState
	workers  map[string]string // workerID -> sessionID
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		logf:     logging.OrNop(cfg.Logf),
		store:    cfg.Store,
		launcher: cfg.Launcher,
		sessions: make(map[string]*sessionState),
		workers:  make(map[string]string),
	}
	if o.store == nil {
		o.store = store.New()
	}
	if o.launcher == nil {
		o.launcher = &launcher.Nop{}
	}
	o.tracker = session.NewTracker(o.logf)
	o.relay = relay.New(o.logf)
	o.perms = permission.NewCorrelator(permission.Config{
		Timeout:         cfg.PermissionTimeout,
		DefaultDecision: cfg.DefaultDecision,
		OnTimeout:       o.onPermissionTimeout,
		Logf:            o.logf,
	})
	return o
}

// Tracker exposes the status tracker.
func (o *Orchestrator) Tracker() *session.Tracker { return o.tracker }

// Relay exposes the relay.
func (o *Orchestrator) Relay() *relay.Relay { return o.relay }

// Permissions exposes the permission correlator.
func (o *Orchestrator) Permissions() *permission.Correlator { return o.perms }

func (o *Orchestrator) state(id string) (*sessionState, error) {
	o.mu.RLock()
	ss, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ss, nil
}

// register makes a tracked session live: it opens the relay pipe and hooks
// status broadcast and message persistence. Callers hold ss.mu.
func (o *Orchestrator) register(ss *sessionState) error {
	o.relay.Open(ss.id, o.store.LastSequence(ss.id))

	unsubStatus, err := o.tracker.Subscribe(ss.id, o.onStatusChange)
	if err != nil {
		return err
	}
	unsubMessages, err := o.relay.Subscribe(ss.id, o.persistMessage)
	if err != nil {
		unsubStatus()
		return err
	}
	ss.unsubs = append(ss.unsubs, unsubStatus, unsubMessages)

	o.mu.Lock()
	o.sessions[ss.id] = ss
	if ss.workerID != "" {
		o.workers[ss.workerID] = ss.id
	}
	o.mu.Unlock()
	return nil
}

// CreateSession registers a new session and launches its worker. A launch
// failure errors the session; the errored session is returned with the error.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (protocol.Session, error) {
	id := uuid.NewString()
	ss := &sessionState{id: id, workerID: uuid.NewString()}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, err := o.tracker.Create(id); err != nil {
		return protocol.Session{}, err
	}
	if err := o.register(ss); err != nil {
		return protocol.Session{}, err
	}
	o.tracker.AssignWorker(id, ss.workerID)
	sess, _ := o.tracker.MarkStartupPhase(id, protocol.PhaseLaunching, session.Details{})
	o.logf("session %s created: worker=%s", id, ss.workerID)

	handle, err := o.launcher.Launch(ctx, launcher.Spec{
		SessionID: id,
		WorkerID:  ss.workerID,
		RelayURL:  o.cfg.RelayURL,
		APIURL:    o.cfg.APIURL,
		Token:     o.cfg.WorkerToken,
		Prompt:    req.Prompt,
		Metadata:  req.Metadata,
	})
	if err != nil {
		o.logf("session %s: launch failed: %v", id, err)
		sess, _ = o.tracker.MarkStartupPhase(id, protocol.PhaseFailed, session.Details{Error: "launch failed: " + err.Error()})
		return sess, fmt.Errorf("launch worker: %w", err)
	}
	ss.handle = handle

	if req.Prompt != "" {
		o.relay.Send(id, protocol.MustEvent(protocol.TypeSessionMessage, protocol.SessionMessage{
			Role:     protocol.RoleUser,
			Content:  req.Prompt,
			Metadata: stringMetadata(req.Metadata),
		}))
	}
	return sess, nil
}

// Restore reloads non-terminal sessions persisted by a previous run. Each
// one waits WorkerGrace for its worker to reconnect.
func (o *Orchestrator) Restore() int {
	restored := 0
	for _, sess := range o.store.ListSessions("") {
		if sess.Status.IsTerminal() {
			continue
		}
		sess.PendingPermissions = 0
		if err := o.tracker.Restore(sess); err != nil {
			o.logf("session %s: restore failed: %v", sess.ID, err)
			continue
		}
		ss := &sessionState{id: sess.ID, workerID: sess.WorkerID}
		ss.mu.Lock()
		if err := o.register(ss); err != nil {
			o.logf("session %s: restore failed: %v", sess.ID, err)
			ss.mu.Unlock()
			continue
		}
		// Seed the pipe so clients attaching before the next change get the
		// current status.
		if current, err := o.tracker.Get(sess.ID); err == nil {
			o.relay.Send(sess.ID, protocol.MustEvent(protocol.TypeSessionStatus, protocol.StatusPayloadFor(current)))
		}
		o.startGrace(ss, errControlPlaneLost)
		ss.mu.Unlock()
		restored++
	}
	if restored > 0 {
		o.logf("restored %d sessions", restored)
	}
	return restored
}

// Get returns a session, falling back to the store for sessions not loaded.
func (o *Orchestrator) Get(id string) (protocol.Session, error) {
	sess, err := o.tracker.Get(id)
	if err == nil {
		return sess, nil
	}
	if stored, ok := o.store.GetSession(id); ok {
		return stored, nil
	}
	return protocol.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// List returns the live sessions, oldest first.
func (o *Orchestrator) List() []protocol.Session {
	out := o.tracker.List()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Messages returns the stored timeline after a sequence number.
func (o *Orchestrator) Messages(id string, after uint64, limit int) []protocol.SessionMessage {
	return o.store.Messages(id, after, limit)
}

// PendingPermissions returns the session's undecided requests, oldest first.
func (o *Orchestrator) PendingPermissions(id string) ([]protocol.PermissionRequestPayload, error) {
	if _, err := o.Get(id); err != nil {
		return nil, err
	}
	pending := o.perms.Pending(id)
	out := make([]protocol.PermissionRequestPayload, 0, len(pending))
	for _, req := range pending {
		out = append(out, protocol.PermissionRequestPayload{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			ToolName:  req.ToolName,
			Input:     req.Input,
		})
	}
	return out, nil
}

// StopSession asks a session to stop. Stopping a terminal session is a no-op.
// A session still starting cannot stop cleanly and is errored.
func (o *Orchestrator) StopSession(ctx context.Context, id string) (protocol.Session, error) {
	ss, err := o.state(id)
	if err != nil {
		return protocol.Session{}, err
	}
	ss.mu.Lock()
	sess, err := o.tracker.Get(id)
	if err != nil {
		ss.mu.Unlock()
		return protocol.Session{}, err
	}

	// A worker that saw stopping exits on its own; anything else is stopped
	// through its launcher handle.
	told := false
	switch {
	case sess.Status.IsTerminal():
		ss.mu.Unlock()
		return sess, nil
	case sess.Status == protocol.StatusStarting:
		sess, _ = o.tracker.Fail(id, errStoppedDuringStart)
		o.stopGrace(ss)
	case sess.Status == protocol.StatusStopping:
		told = true
	default:
		sess, _ = o.tracker.SetStatus(id, protocol.StatusStopping, session.Details{})
		stopping := protocol.MustEvent(protocol.TypeSessionStatus, protocol.StatusPayloadFor(sess))
		if err := o.relay.SendToWorker(id, stopping); err != nil {
			o.stopGrace(ss)
			sess, _ = o.tracker.SetStatus(id, protocol.StatusStopped, session.Details{})
		} else {
			told = true
		}
	}
	handle := ss.handle
	ss.mu.Unlock()

	if handle != nil && !told {
		// The request context ends with the request; the worker may take longer.
		stopCtx := context.WithoutCancel(ctx)
		go func() {
			if err := handle.Stop(stopCtx); err != nil {
				o.logf("session %s: stop worker %s: %v", id, handle.WorkerID(), err)
			}
		}()
	}
	return sess, nil
}

// AttachClient subscribes a client connection to a session.
func (o *Orchestrator) AttachClient(id string, conn relay.Conn) (func(), error) {
	if _, err := o.state(id); err != nil {
		return nil, err
	}
	return o.relay.AttachClient(id, conn)
}

// WorkerAttached makes conn the session's worker connection. Decisions
// resolved while no worker was attached are delivered to it.
func (o *Orchestrator) WorkerAttached(id, workerID string, conn relay.Conn) error {
	ss, err := o.state(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	sess, err := o.tracker.Get(id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, sess.Status)
	}
	if _, err := o.relay.AttachWorker(id, conn); err != nil {
		return err
	}
	o.stopGrace(ss)

	if workerID != "" && workerID != ss.workerID {
		o.mu.Lock()
		delete(o.workers, ss.workerID)
		o.workers[workerID] = id
		o.mu.Unlock()
		ss.workerID = workerID
		o.tracker.AssignWorker(id, workerID)
	}
	if sess.Status == protocol.StatusStarting && sess.StartupPhase.Rank() < protocol.PhaseConnecting.Rank() {
		o.tracker.MarkStartupPhase(id, protocol.PhaseConnecting, session.Details{})
	}

	for _, req := range o.perms.Undelivered(id) {
		o.deliverDecision(req)
	}
	return nil
}

// WorkerDisconnected handles the loss of a worker connection. A stale
// connection that was already replaced is ignored.
func (o *Orchestrator) WorkerDisconnected(id string, conn relay.Conn) {
	ss, err := o.state(id)
	if err != nil {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !o.relay.DetachWorker(id, conn) {
		return
	}
	sess, err := o.tracker.Get(id)
	if err != nil {
		return
	}
	switch {
	case sess.Status.IsTerminal():
	case sess.Status == protocol.StatusStopping:
		o.tracker.SetStatus(id, protocol.StatusStopped, session.Details{})
	default:
		o.startGrace(ss, errWorkerDisconnected)
	}
}

// startGrace errors the session unless a worker attaches within
// WorkerGrace. Callers hold ss.mu.
func (o *Orchestrator) startGrace(ss *sessionState, reason string) {
	o.stopGrace(ss)
	if o.cfg.WorkerGrace <= 0 {
		o.tracker.Fail(ss.id, reason)
		return
	}
	gen := ss.graceGen
	o.logf("session %s: no worker, waiting %s for a replacement", ss.id, o.cfg.WorkerGrace)
	ss.graceTimer = time.AfterFunc(o.cfg.WorkerGrace, func() {
		ss.mu.Lock()
		defer ss.mu.Unlock()
		if ss.graceGen != gen || o.relay.HasWorker(ss.id) {
			return
		}
		ss.graceTimer = nil
		o.tracker.Fail(ss.id, reason)
	})
}

// stopGrace cancels a pending grace timer. Callers hold ss.mu.
func (o *Orchestrator) stopGrace(ss *sessionState) {
	ss.graceGen++
	if ss.graceTimer != nil {
		ss.graceTimer.Stop()
		ss.graceTimer = nil
	}
}

// WorkerFinalStatus applies a worker's final report: terminated moves the
// session to stopping (stopped once the worker disconnects), error fails it.
func (o *Orchestrator) WorkerFinalStatus(workerID, status, reason string) (protocol.Session, error) {
	o.mu.RLock()
	id, ok := o.workers[workerID]
	o.mu.RUnlock()
	if !ok {
		return protocol.Session{}, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	ss, err := o.state(id)
	if err != nil {
		return protocol.Session{}, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	sess, err := o.tracker.Get(id)
	if err != nil {
		return protocol.Session{}, err
	}
	if sess.Status.IsTerminal() {
		return sess, nil
	}
	o.logf("session %s: worker %s final status %s (%s)", id, workerID, status, reason)

	if status == "error" {
		msg := "worker error"
		if reason != "" && reason != "error" {
			msg = "worker error: " + reason
		}
		return o.tracker.Fail(id, msg)
	}
	switch sess.Status {
	case protocol.StatusStarting:
		return o.tracker.Fail(id, "worker terminated before ready: "+reason)
	case protocol.StatusStopping:
		if !o.relay.HasWorker(id) {
			o.stopGrace(ss)
			return o.tracker.SetStatus(id, protocol.StatusStopped, session.Details{})
		}
		return sess, nil
	}
	sess, err = o.tracker.SetStatus(id, protocol.StatusStopping, session.Details{})
	if err == nil && !o.relay.HasWorker(id) {
		o.stopGrace(ss)
		sess, err = o.tracker.SetStatus(id, protocol.StatusStopped, session.Details{})
	}
	return sess, err
}

// Close detaches every connection and cancels timers.
func (o *Orchestrator) Close() {
	o.mu.RLock()
	states := make([]*sessionState, 0, len(o.sessions))
	for _, ss := range o.sessions {
		states = append(states, ss)
	}
	o.mu.RUnlock()

	for _, ss := range states {
		ss.mu.Lock()
		o.stopGrace(ss)
		for _, unsub := range ss.unsubs {
			unsub()
		}
		ss.unsubs = nil
		ss.mu.Unlock()
		o.relay.Remove(ss.id, "control plane shutting down")
	}
}

// onStatusChange runs under the tracker's lock for the session, so status
// events reach the relay in the order they were applied.
func (o *Orchestrator) onStatusChange(sess protocol.Session) {
	ev, err := protocol.NewEvent(protocol.TypeSessionStatus, protocol.StatusPayloadFor(sess))
	if err != nil {
		o.logf("session %s: encode status: %v", sess.ID, err)
		return
	}
	if _, err := o.relay.Send(sess.ID, ev); err != nil {
		o.logf("session %s: broadcast status: %v", sess.ID, err)
	}
	if err := o.store.SaveSession(sess); err != nil {
		o.logf("session %s: persist: %v", sess.ID, err)
	}
	if sess.Status.IsTerminal() {
		o.perms.Forget(sess.ID)
	}
}

func (o *Orchestrator) persistMessage(ev *protocol.Event) {
	if ev.Type != protocol.TypeSessionMessage {
		return
	}
	var msg protocol.SessionMessage
	if err := ev.Decode(&msg); err != nil {
		o.logf("persist message: %v", err)
		return
	}
	if err := o.store.AppendMessage(msg); err != nil {
		o.logf("session %s: persist message %d: %v", msg.SessionID, msg.Sequence, err)
	}
}

func stringMetadata(m map[string]string) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
