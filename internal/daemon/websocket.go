package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/victorarias/relayd/internal/orchestrator"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/relay"
	"github.com/victorarias/relayd/internal/session"
)

const (
	sendBufferSize = 256
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	// Frames may carry several lines; allow a few maximum-size lines.
	readLimit = 4 * relay.MaxLineSize
	// websocket close reasons are limited to 123 bytes.
	maxCloseReason = 120
)

// wsConn adapts a websocket to relay.Conn. Send only enqueues; a connection
// whose buffer is full is reported as failed so the relay drops it rather
// than silently skipping events. Clients reconnect and backfill.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed when the write pump exits

	mu     sync.Mutex
	closed bool
	reason string
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relay.ErrConnClosed
	}
	select {
	case c.send <- line:
		return nil
	default:
		return fmt.Errorf("connection %s too slow: %d events buffered", c.id, len(c.send))
	}
}

// Close stops accepting events; the write pump flushes what is queued and
// then closes the websocket with reason.
func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	c.reason = reason
	close(c.send)
	return nil
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (d *Daemon) accept(w http.ResponseWriter, r *http.Request) (*wsConn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		d.logf("WebSocket accept error: %v", err)
		return nil, false
	}
	conn.SetReadLimit(readLimit)
	wc := newWSConn(conn)
	go d.wsWritePump(wc)
	return wc, true
}

// handleWorkerWS serves /ws/worker?session={id}&worker={workerId}.
func (d *Daemon) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	workerID := r.URL.Query().Get("worker")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session query parameter required"))
		return
	}
	if _, err := d.orch.Get(sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	wc, ok := d.accept(w, r)
	if !ok {
		return
	}
	if err := d.orch.WorkerAttached(sessionID, workerID, wc); err != nil {
		d.logf("Worker %s rejected for session %s: %v", workerID, sessionID, err)
		d.rejectConn(wc, sessionID, err)
		return
	}
	d.logf("Worker %s connected to session %s (conn %s)", workerID, sessionID, wc.id)

	done := make(chan struct{})
	go d.wsPingLoop(wc, done)
	d.wsReadPump(wc, func(ev *protocol.Event) {
		if err := d.orch.HandleWorkerEvent(sessionID, ev); err != nil {
			d.logf("Worker event %s for session %s: %v", ev.Type, sessionID, err)
			wc.Send(errorLine(sessionID, err))
		}
	})
	close(done)

	d.orch.WorkerDisconnected(sessionID, wc)
	wc.Close("worker disconnected")
	<-wc.done
	d.logf("Worker %s disconnected from session %s", workerID, sessionID)
}

// handleClientWS serves /ws/client?session={id}.
func (d *Daemon) handleClientWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session query parameter required"))
		return
	}
	if _, err := d.orch.Get(sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	wc, ok := d.accept(w, r)
	if !ok {
		return
	}
	detach, err := d.orch.AttachClient(sessionID, wc)
	if err != nil {
		d.rejectConn(wc, sessionID, err)
		return
	}
	d.logf("WebSocket client %s connected to session %s (%d total)", wc.id, sessionID, d.orch.Relay().ClientCount(sessionID))

	done := make(chan struct{})
	go d.wsPingLoop(wc, done)
	d.wsReadPump(wc, func(ev *protocol.Event) {
		if err := d.orch.HandleClientEvent(sessionID, ev); err != nil {
			d.logf("Client event %s for session %s: %v", ev.Type, sessionID, err)
			wc.Send(errorLine(sessionID, err))
		}
	})
	close(done)

	// A client leaving never affects the session.
	detach()
	wc.Close("client disconnected")
	<-wc.done
	d.logf("WebSocket client %s disconnected (%d remaining)", wc.id, d.orch.Relay().ClientCount(sessionID))
}

func (d *Daemon) rejectConn(wc *wsConn, sessionID string, err error) {
	wc.Send(errorLine(sessionID, err))
	wc.Close(err.Error())
	<-wc.done
}

func (d *Daemon) wsWritePump(c *wsConn) {
	defer close(c.done)
	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			d.logf("WebSocket write to %s failed: %v", c.id, err)
			c.Close("write failed")
			// Drain so Close never races a blocked sender.
			for range c.send {
			}
			c.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, c.closeReason())
}

// wsPingLoop sends periodic pings to keep the connection alive and detect dead peers
func (d *Daemon) wsPingLoop(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				d.logf("WebSocket ping failed: %v", err)
				c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// wsReadPump decodes newline-delimited events from every frame, in order,
// until the connection ends. Malformed lines are dropped by the decoder.
func (d *Daemon) wsReadPump(c *wsConn, handle func(*protocol.Event)) {
	dec := relay.NewDecoder(d.logf)
	for {
		// No read timeout; liveness is detected by the ping loop.
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				d.logf("WebSocket read error on %s: %v", c.id, err)
			}
			return
		}
		for _, ev := range dec.Feed(data) {
			handle(ev)
		}
	}
}

func errorLine(sessionID string, err error) []byte {
	code := protocol.ErrCodeBadRequest
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, session.ErrSessionNotFound):
		code = protocol.ErrCodeSessionNotFound
	case errors.Is(err, orchestrator.ErrSessionClosed):
		code = protocol.ErrCodeSessionClosed
	case errors.Is(err, relay.ErrNoWorker):
		code = protocol.ErrCodeNoWorker
	}
	line, _ := protocol.NewErrorEvent(sessionID, code, err.Error()).Encode()
	return line
}
