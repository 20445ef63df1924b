// Package relay bridges one worker connection and any number of client
// connections per session, fanning out newline-delimited JSON events.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("relay: session not found")
	ErrNoWorker        = errors.New("relay: no worker attached")
	// ErrConnClosed is returned by Conn implementations once closed.
	ErrConnClosed = errors.New("relay: connection closed")
)

// Conn is one side of a relayed session. Send enqueues one encoded line and
// must not block; implementations apply their own backpressure policy.
type Conn interface {
	ID() string
	Send(line []byte) error
	Close(reason string) error
}

// Listener observes every event sent to a session's clients, in order.
type Listener func(*protocol.Event)

type pipe struct {
	mu        sync.Mutex
	sessionID string
	worker    Conn
	clients   map[string]Conn
	listeners map[uint64]Listener
	order     []uint64
	nextSub   uint64
	seq       uint64
	status    []byte
}

// Relay holds one pipe per session. Operations on a session are serialized
// by that pipe's lock, which is also held while fanning out so every
// subscriber observes the same order.
type Relay struct {
	mu    sync.RWMutex
	pipes map[string]*pipe
	logf  logging.Logf
	now   func() time.Time
}

// New creates an empty relay.
func New(logf logging.Logf) *Relay {
	return &Relay{
		pipes: make(map[string]*pipe),
		logf:  logging.OrNop(logf),
		now:   time.Now,
	}
}

// Open creates the pipe for a session. lastSeq is the sequence number of the
// last message already recorded for it (0 for a new session). Opening an
// existing session is a no-op.
func (r *Relay) Open(sessionID string, lastSeq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pipes[sessionID]; ok {
		return
	}
	r.pipes[sessionID] = &pipe{
		sessionID: sessionID,
		clients:   make(map[string]Conn),
		listeners: make(map[uint64]Listener),
		seq:       lastSeq,
	}
}

// Remove closes every connection of a session and forgets it.
func (r *Relay) Remove(sessionID, reason string) {
	r.mu.Lock()
	p, ok := r.pipes[sessionID]
	delete(r.pipes, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker != nil {
		p.worker.Close(reason)
		p.worker = nil
	}
	for id, c := range p.clients {
		c.Close(reason)
		delete(p.clients, id)
	}
}

// Sessions returns the ids of all open pipes.
func (r *Relay) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pipes))
	for id := range r.pipes {
		ids = append(ids, id)
	}
	return ids
}

func (r *Relay) pipe(sessionID string) (*pipe, error) {
	r.mu.RLock()
	p, ok := r.pipes[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return p, nil
}

func (r *Relay) ack(conn Conn, sessionID, role string) []byte {
	ev, _ := protocol.NewEventAt(protocol.TypeConnectionAck, protocol.AckPayload{
		ConnectionID:    conn.ID(),
		SessionID:       sessionID,
		Role:            role,
		ProtocolVersion: protocol.ProtocolVersion,
	}, r.now())
	line, _ := ev.Encode()
	return line
}

// AttachWorker makes conn the authoritative worker connection of a session.
// A previously attached worker connection is closed and returned.
func (r *Relay) AttachWorker(sessionID string, conn Conn) (Conn, error) {
	p, err := r.pipe(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.worker
	p.worker = conn
	if previous != nil && previous != conn {
		r.logf("relay %s: worker %s replaced by %s", sessionID, previous.ID(), conn.ID())
		previous.Close("replaced by a newer worker connection")
	} else {
		r.logf("relay %s: worker %s attached", sessionID, conn.ID())
	}
	if err := conn.Send(r.ack(conn, sessionID, protocol.ConnRoleWorker)); err != nil {
		r.logf("relay %s: ack to worker %s failed: %v", sessionID, conn.ID(), err)
	}
	return previous, nil
}

// DetachWorker clears conn if it is still the session's worker. It returns
// false for a stale connection that was already replaced.
func (r *Relay) DetachWorker(sessionID string, conn Conn) bool {
	p, err := r.pipe(sessionID)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker != conn {
		return false
	}
	p.worker = nil
	r.logf("relay %s: worker %s detached", sessionID, conn.ID())
	return true
}

// HasWorker reports whether a worker connection is attached.
func (r *Relay) HasWorker(sessionID string) bool {
	p, err := r.pipe(sessionID)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker != nil
}

// AttachClient subscribes a client connection. It immediately receives a
// connection:ack and the session's current status, then every later event.
func (r *Relay) AttachClient(sessionID string, conn Conn) (func(), error) {
	p, err := r.pipe(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := conn.Send(r.ack(conn, sessionID, protocol.ConnRoleClient)); err != nil {
		return nil, err
	}
	if p.status != nil {
		if err := conn.Send(p.status); err != nil {
			return nil, err
		}
	}
	p.clients[conn.ID()] = conn
	r.logf("relay %s: client %s attached (%d total)", sessionID, conn.ID(), len(p.clients))

	var once sync.Once
	return func() {
		once.Do(func() { r.DetachClient(sessionID, conn) })
	}, nil
}

// DetachClient removes a client connection. It never affects the session.
func (r *Relay) DetachClient(sessionID string, conn Conn) {
	p, err := r.pipe(sessionID)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.clients[conn.ID()]; ok && current == conn {
		delete(p.clients, conn.ID())
		r.logf("relay %s: client %s detached (%d remaining)", sessionID, conn.ID(), len(p.clients))
	}
}

// ClientCount returns the number of attached clients.
func (r *Relay) ClientCount(sessionID string) int {
	p, err := r.pipe(sessionID)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Subscribe registers an in-process listener for a session's client-bound
// events. The returned function unsubscribes.
func (r *Relay) Subscribe(sessionID string, l Listener) (func(), error) {
	p, err := r.pipe(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.listeners[id] = l
	p.order = append(p.order, id)
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.listeners, id)
			for i, sub := range p.order {
				if sub == id {
					p.order = append(p.order[:i], p.order[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Send fans an event out to every client and listener of a session.
// session_message events are stamped with the next sequence number; the
// stamped event is returned.
func (r *Relay) Send(sessionID string, ev *protocol.Event) (*protocol.Event, error) {
	p, err := r.pipe(sessionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Type == protocol.TypeSessionMessage {
		ev, err = r.stampMessage(p, ev)
		if err != nil {
			return nil, err
		}
	}
	line, err := ev.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	if ev.Type == protocol.TypeSessionStatus {
		p.status = line
	}

	for id, c := range p.clients {
		if err := c.Send(line); err != nil {
			r.logf("relay %s: dropping client %s: %v", sessionID, id, err)
			delete(p.clients, id)
			c.Close("send failed")
		}
	}
	for _, id := range p.order {
		if l, ok := p.listeners[id]; ok {
			l(ev)
		}
	}
	return ev, nil
}

func (r *Relay) stampMessage(p *pipe, ev *protocol.Event) (*protocol.Event, error) {
	var msg protocol.SessionMessage
	if err := ev.Decode(&msg); err != nil {
		return nil, err
	}
	at := ev.Timestamp.Time()
	if at.IsZero() {
		at = r.now()
	}
	msg.SessionID = p.sessionID
	msg.Sequence = p.seq + 1
	if msg.Timestamp == "" {
		msg.Timestamp = protocol.NewTimestamp(at)
	}
	stamped, err := protocol.NewEventAt(protocol.TypeSessionMessage, msg, at)
	if err != nil {
		return nil, err
	}
	p.seq++
	return stamped, nil
}

// SendToWorker delivers an event to the session's current worker connection.
func (r *Relay) SendToWorker(sessionID string, ev *protocol.Event) error {
	p, err := r.pipe(sessionID)
	if err != nil {
		return err
	}
	line, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker == nil {
		return fmt.Errorf("%w: %s", ErrNoWorker, sessionID)
	}
	return p.worker.Send(line)
}

// LastSequence returns the last message sequence number assigned.
func (r *Relay) LastSequence(sessionID string) uint64 {
	p, err := r.pipe(sessionID)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}
