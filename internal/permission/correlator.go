// Package permission correlates worker tool-use approval requests with
// exactly one client decision.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
)

var (
	ErrDuplicateRequest = errors.New("permission request already exists")
	ErrInvalidDecision  = errors.New("invalid permission decision")
)

// State is the lifecycle of a permission request.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateConsumed State = "consumed"
)

// Request is a snapshot of one permission request.
type Request struct {
	RequestID  string
	SessionID  string
	ToolName   string
	Input      json.RawMessage
	State      State
	Decision   protocol.Decision
	Source     string
	CreatedAt  time.Time
	ResolvedAt time.Time

	seq uint64
}

// Config configures a Correlator.
type Config struct {
	// Timeout auto-resolves requests left pending this long. Zero disables it.
	Timeout time.Duration
	// DefaultDecision is applied on timeout.
	DefaultDecision protocol.Decision
	// OnTimeout is called, outside any correlator lock, after a request was
	// auto-resolved. It is never called for a request a client resolved first.
	OnTimeout func(Request)
	Logf      logging.Logf
}

type pendingRequest struct {
	req   Request
	timer *time.Timer
}

type sessionRequests struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	pending  int
	nextSeq  uint64
	closed   bool
}

// Correlator tracks permission requests per session. Each session has its own
// lock; the session map is only locked for lookup and insertion.
type Correlator struct {
	cfg  Config
	logf logging.Logf
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionRequests
}

// NewCorrelator creates a correlator.
func NewCorrelator(cfg Config) *Correlator {
	if cfg.DefaultDecision == "" {
		cfg.DefaultDecision = protocol.DecisionDeny
	}
	return &Correlator{
		cfg:      cfg,
		logf:     logging.OrNop(cfg.Logf),
		now:      time.Now,
		sessions: make(map[string]*sessionRequests),
	}
}

func (c *Correlator) session(id string, create bool) *sessionRequests {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.sessions[id]; !ok {
		s = &sessionRequests{requests: make(map[string]*pendingRequest)}
		c.sessions[id] = s
	}
	return s
}

// Request registers a new pending request with a freshly allocated id.
func (c *Correlator) Request(sessionID, toolName string, input json.RawMessage) (string, error) {
	for {
		id := uuid.NewString()
		_, err := c.RequestWithID(sessionID, id, toolName, input)
		if errors.Is(err, ErrDuplicateRequest) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
}

// RequestWithID registers a pending request under a worker-chosen id.
// Reusing an id of the same session returns ErrDuplicateRequest together
// with the existing request, so a worker that re-sends its in-flight
// requests after reconnecting can learn their current state.
func (c *Correlator) RequestWithID(sessionID, requestID, toolName string, input json.RawMessage) (Request, error) {
	if requestID == "" {
		return Request{}, errors.New("empty request id")
	}
	s := c.session(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Request{}, fmt.Errorf("session %s no longer accepts permission requests", sessionID)
	}
	if existing, ok := s.requests[requestID]; ok {
		return existing.req, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	p := &pendingRequest{req: Request{
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		State:     StatePending,
		CreatedAt: c.now(),
		seq:       s.nextSeq,
	}}
	s.nextSeq++
	if c.cfg.Timeout > 0 {
		p.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(sessionID, requestID) })
	}
	s.requests[requestID] = p
	s.pending++
	c.logf("permission %s/%s requested: tool=%s pending=%d", sessionID, requestID, toolName, s.pending)
	return p.req, nil
}

// Resolve records a client decision. Exactly the first call for a pending
// request returns true; later calls, unknown ids and requests already
// auto-resolved return false without changing anything.
func (c *Correlator) Resolve(sessionID, requestID string, decision protocol.Decision) (bool, error) {
	if !decision.IsValid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	_, ok := c.resolve(sessionID, requestID, decision, protocol.SourceClient)
	return ok, nil
}

func (c *Correlator) resolve(sessionID, requestID string, decision protocol.Decision, source string) (Request, bool) {
	s := c.session(sessionID, false)
	if s == nil {
		return Request{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.requests[requestID]
	if !ok || p.req.State != StatePending {
		return Request{}, false
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.req.State = StateResolved
	p.req.Decision = decision
	p.req.Source = source
	p.req.ResolvedAt = c.now()
	s.pending--
	c.logf("permission %s/%s resolved: decision=%s source=%s pending=%d", sessionID, requestID, decision, source, s.pending)
	return p.req, true
}

// expire runs on the request's timer goroutine. Whoever takes the session
// lock first wins: if a client resolved already, the state is no longer
// pending and expire does nothing.
func (c *Correlator) expire(sessionID, requestID string) {
	req, ok := c.resolve(sessionID, requestID, c.cfg.DefaultDecision, protocol.SourceTimeout)
	if !ok {
		return
	}
	if c.cfg.OnTimeout != nil {
		c.cfg.OnTimeout(req)
	}
}

// MarkConsumed records that a resolved decision was delivered to the worker.
func (c *Correlator) MarkConsumed(sessionID, requestID string) bool {
	s := c.session(sessionID, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[requestID]
	if !ok || p.req.State != StateResolved {
		return false
	}
	p.req.State = StateConsumed
	return true
}

// Get returns a snapshot of a request.
func (c *Correlator) Get(sessionID, requestID string) (Request, bool) {
	s := c.session(sessionID, false)
	if s == nil {
		return Request{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// PendingCount returns the live number of pending requests for a session.
func (c *Correlator) PendingCount(sessionID string) int {
	s := c.session(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Pending returns the session's pending requests, oldest first.
func (c *Correlator) Pending(sessionID string) []Request {
	return c.filter(sessionID, StatePending)
}

// Undelivered returns resolved decisions not yet consumed by a worker, oldest first.
func (c *Correlator) Undelivered(sessionID string) []Request {
	return c.filter(sessionID, StateResolved)
}

func (c *Correlator) filter(sessionID string, state State) []Request {
	s := c.session(sessionID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	var out []Request
	for _, p := range s.requests {
		if p.req.State == state {
			out = append(out, p.req)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Forget stops all timers of a session and drops its requests. Later
// resolutions for the session return false.
func (c *Correlator) Forget(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.requests {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.requests, id)
	}
	s.pending = 0
	s.closed = true
}
