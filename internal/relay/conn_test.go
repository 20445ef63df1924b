package relay

import (
	"sync"

	"github.com/victorarias/relayd/internal/protocol"
)

// fakeConn records every line sent to it.
type fakeConn struct {
	id string

	mu      sync.Mutex
	lines   [][]byte
	closed  bool
	reason  string
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.lines = append(c.lines, append([]byte(nil), line...))
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) events() []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Event
	for _, line := range c.lines {
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			panic(err)
		}
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) types() []string {
	var out []string
	for _, ev := range c.events() {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeConn) sequences() []uint64 {
	var out []uint64
	for _, ev := range c.events() {
		if ev.Type != protocol.TypeSessionMessage {
			continue
		}
		var msg protocol.SessionMessage
		if err := ev.Decode(&msg); err != nil {
			panic(err)
		}
		out = append(out, msg.Sequence)
	}
	return out
}
