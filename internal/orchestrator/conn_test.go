package orchestrator

import (
	"encoding/json"
	"sync"

	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/relay"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	lines  [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relay.ErrConnClosed
	}
	c.lines = append(c.lines, append([]byte(nil), line...))
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(eventType string) []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Event
	for _, line := range c.lines {
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			panic(err)
		}
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) statuses() []protocol.Status {
	var out []protocol.Status
	for _, ev := range c.events(protocol.TypeSessionStatus) {
		var p protocol.StatusPayload
		if err := ev.Decode(&p); err != nil {
			panic(err)
		}
		out = append(out, p.Status)
	}
	return out
}

func (c *fakeConn) decisions() []protocol.PermissionResponsePayload {
	var out []protocol.PermissionResponsePayload
	for _, ev := range c.events(protocol.TypePermissionResponse) {
		var p protocol.PermissionResponsePayload
		if err := ev.Decode(&p); err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

func (c *fakeConn) sequences() []uint64 {
	var out []uint64
	for _, ev := range c.events(protocol.TypeSessionMessage) {
		var msg protocol.SessionMessage
		if err := ev.Decode(&msg); err != nil {
			panic(err)
		}
		out = append(out, msg.Sequence)
	}
	return out
}

func event(t string, payload interface{}) *protocol.Event {
	return protocol.MustEvent(t, payload)
}

func rawEvent(t string, payload string) *protocol.Event {
	return &protocol.Event{Type: t, Payload: json.RawMessage(payload), Timestamp: protocol.TimestampNow()}
}
