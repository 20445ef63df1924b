package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/relay"
)

const (
	backlogSize       = 1024
	relayWriteTimeout = 10 * time.Second
	reconnectMin      = 250 * time.Millisecond
	reconnectMax      = 5 * time.Second
)

var errLinkClosed = errors.New("relay link closed")

// link keeps the worker's websocket to the control plane open, redialing
// with backoff. Events sent while disconnected are queued and flushed in
// order after the next connect.
type link struct {
	url    string
	token  string
	logf   logging.Logf
	handle func(*protocol.Event)
	// onConnect runs after every successful dial, before the backlog is
	// flushed. Callers hold no lock.
	onConnect func(first bool)

	mu      sync.Mutex
	conn    *websocket.Conn
	backlog [][]byte
	closed  bool

	connected chan struct{} // closed on the first successful dial
	done      chan struct{} // closed when run returns
	cancel    context.CancelFunc
}

func workerURL(relayURL, sessionID, workerID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/worker"
	u.RawQuery = url.Values{"session": {sessionID}, "worker": {workerID}}.Encode()
	return u.String(), nil
}

func newLink(rawURL, token string, handle func(*protocol.Event), onConnect func(bool), logf logging.Logf) *link {
	return &link{
		url:       rawURL,
		token:     token,
		logf:      logging.OrNop(logf),
		handle:    handle,
		onConnect: onConnect,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// start begins dialing in the background.
func (l *link) start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

func (l *link) run(ctx context.Context) {
	defer close(l.done)
	backoff := reconnectMin
	first := true
	for {
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logf("worker: relay dial failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin
		l.logf("worker: relay connected")

		// Read before flushing: the server's ack and redelivered decisions
		// must not wait on our writes.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			l.readLoop(ctx, conn)
		}()

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		if l.onConnect != nil {
			l.onConnect(first)
		}
		if first {
			close(l.connected)
			first = false
		}
		l.flush()

		<-readDone
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		closed := l.closed
		l.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "reconnecting")
		if closed || ctx.Err() != nil {
			return
		}
		l.logf("worker: relay connection lost, reconnecting")
	}
}

func (l *link) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 * relay.MaxLineSize)
	return conn, nil
}

func (l *link) readLoop(ctx context.Context, conn *websocket.Conn) {
	dec := relay.NewDecoder(l.logf)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				l.logf("worker: relay read: %v", err)
			}
			return
		}
		for _, ev := range dec.Feed(data) {
			l.handle(ev)
		}
	}
}

// Send writes ev to the relay, or queues it while disconnected.
func (l *link) Send(ev *protocol.Event) error {
	line, err := ev.Encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	if l.conn == nil || len(l.backlog) > 0 {
		l.enqueueLocked(line)
		return nil
	}
	if err := l.writeLocked(line); err != nil {
		l.enqueueLocked(line)
	}
	return nil
}

func (l *link) enqueueLocked(line []byte) {
	if len(l.backlog) >= backlogSize {
		l.logf("worker: relay backlog full, dropping oldest event")
		l.backlog = l.backlog[1:]
	}
	l.backlog = append(l.backlog, line)
}

func (l *link) writeLocked(line []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
	defer cancel()
	if err := l.conn.Write(ctx, websocket.MessageText, line); err != nil {
		l.logf("worker: relay write failed: %v", err)
		l.conn.Close(websocket.StatusGoingAway, "write failed")
		l.conn = nil
		return err
	}
	return nil
}

func (l *link) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.backlog) > 0 && l.conn != nil {
		if err := l.writeLocked(l.backlog[0]); err != nil {
			return
		}
		l.backlog = l.backlog[1:]
	}
}

// Pending returns the number of queued events.
func (l *link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.backlog)
}

// Connected is closed after the first successful dial.
func (l *link) Connected() <-chan struct{} {
	return l.connected
}

// Close flushes what it can and closes the connection.
func (l *link) Close() error {
	l.flush()
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.conn = nil
	dropped := len(l.backlog)
	l.mu.Unlock()
	if dropped > 0 {
		l.logf("worker: closing relay link with %d unsent events", dropped)
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "worker exiting")
	}
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}
