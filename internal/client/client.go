// Package client talks to the control plane's HTTP API and subscribes to
// session streams over websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/victorarias/relayd/internal/config"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/relay"
)

// ErrNotFound is returned when the daemon does not know the session.
var ErrNotFound = errors.New("not found")

// DefaultURL returns the configured API base URL
func DefaultURL() string {
	return config.APIURL()
}

// Client communicates with the daemon
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a new client
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the HTTP client (for testing)
func (c *Client) SetHTTPClient(h *http.Client) {
	c.http = h
}

// send sends a request and decodes the JSON response into out
func (c *Client) send(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
		}
		return fmt.Errorf("daemon error: %s", e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("receive response: %w", err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// CreateSession starts a new session with an initial prompt
func (c *Client) CreateSession(prompt string, metadata map[string]string) (protocol.Session, error) {
	var resp struct {
		Session protocol.Session `json:"session"`
	}
	err := c.send(http.MethodPost, "/sessions", map[string]interface{}{
		"prompt":   prompt,
		"metadata": metadata,
	}, &resp)
	return resp.Session, err
}

// List returns sessions, optionally filtered by status
func (c *Client) List(status protocol.Status) ([]protocol.Session, error) {
	path := "/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var sessions []protocol.Session
	err := c.send(http.MethodGet, path, nil, &sessions)
	return sessions, err
}

// Get returns one session
func (c *Client) Get(id string) (protocol.Session, error) {
	var sess protocol.Session
	err := c.send(http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &sess)
	return sess, err
}

// Stop asks a session to stop
func (c *Client) Stop(id string) (protocol.Session, error) {
	var sess protocol.Session
	err := c.send(http.MethodPost, "/sessions/"+url.PathEscape(id)+"/stop", nil, &sess)
	return sess, err
}

// Messages returns up to limit timeline messages after sequence after.
// A limit of zero returns everything.
func (c *Client) Messages(id string, after uint64, limit int) ([]protocol.SessionMessage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/sessions/" + url.PathEscape(id) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []protocol.SessionMessage
	err := c.send(http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// Pending returns the session's undecided permission requests, oldest first.
func (c *Client) Pending(id string) ([]protocol.PermissionRequestPayload, error) {
	var pending []protocol.PermissionRequestPayload
	err := c.send(http.MethodGet, "/sessions/"+url.PathEscape(id)+"/permissions", nil, &pending)
	return pending, err
}

// Resolve answers a pending permission request. It reports whether the
// decision was the one accepted.
func (c *Client) Resolve(id, requestID string, decision protocol.Decision) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.send(http.MethodPost,
		"/sessions/"+url.PathEscape(id)+"/permissions/"+url.PathEscape(requestID),
		map[string]interface{}{"decision": decision}, &resp)
	return resp.Accepted, err
}

// IsRunning checks if the daemon is running
func (c *Client) IsRunning() bool {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stream is a live subscription to one session.
type Stream struct {
	conn   *websocket.Conn
	events chan *protocol.Event

	mu  sync.Mutex
	err error
}

// Subscribe opens a client stream for a session. Events arrive on
// Stream.Events until the stream ends; Err reports why it ended.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (*Stream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/client"
	u.RawQuery = url.Values{"session": {sessionID}}.Encode()

	header := http.Header{}
	c.authorize(header)
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", sessionID, err)
	}
	conn.SetReadLimit(4 * relay.MaxLineSize)

	s := &Stream{conn: conn, events: make(chan *protocol.Event, 64)}
	go s.readLoop()
	return s, nil
}

func (s *Stream) readLoop() {
	defer close(s.events)
	dec := relay.NewDecoder(nil)
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		for _, ev := range dec.Feed(data) {
			s.events <- ev
		}
	}
}

// Events returns the channel of received events. It is closed when the
// stream ends.
func (s *Stream) Events() <-chan *protocol.Event {
	return s.events
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if websocket.CloseStatus(s.err) == websocket.StatusNormalClosure {
		return nil
	}
	return s.err
}

// Send writes one event to the session.
func (s *Stream) Send(ctx context.Context, ev *protocol.Event) error {
	line, err := ev.Encode()
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, line)
}

// Respond sends a permission decision over the stream.
func (s *Stream) Respond(ctx context.Context, sessionID, requestID string, decision protocol.Decision) error {
	return s.Send(ctx, protocol.MustEvent(protocol.TypePermissionResponse, protocol.PermissionResponsePayload{
		SessionID: sessionID,
		RequestID: requestID,
		Decision:  decision,
	}))
}

// Close ends the subscription.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
