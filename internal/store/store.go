// Package store persists session records and the per-session message log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
)

// Store keeps sessions and messages in memory, or in SQLite when opened
// with NewWithDB. Store errors are reported to callers; the relay path logs
// them and carries on.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]protocol.Session
	messages map[string][]protocol.SessionMessage
	db       *sql.DB
	logf     logging.Logf
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]protocol.Session),
		messages: make(map[string][]protocol.SessionMessage),
		logf:     logging.Nop,
	}
}

// NewWithDB creates a store backed by the SQLite database at path.
func NewWithDB(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	s := New()
	s.db = db
	return s, nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/relayd.db"
	}
	return filepath.Join(home, ".relayd", "relayd.db")
}

// SetLogger sets the debug logger.
func (s *Store) SetLogger(logf logging.Logf) {
	s.logf = logging.OrNop(logf)
}

// Persistent reports whether the store is backed by a database.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Close releases the database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(sess protocol.Session) error {
	if s.db == nil {
		s.mu.Lock()
		s.sessions[sess.ID] = sess
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, status, startup_phase, phase_changed_at, pending_permissions,
			worker_id, created_at, last_activity_at, stopped_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			startup_phase = excluded.startup_phase,
			phase_changed_at = excluded.phase_changed_at,
			pending_permissions = excluded.pending_permissions,
			worker_id = excluded.worker_id,
			last_activity_at = excluded.last_activity_at,
			stopped_at = excluded.stopped_at,
			error = excluded.error`,
		sess.ID, string(sess.Status), nullString(string(sess.StartupPhase)), formatTimePtr(sess.PhaseChangedAt),
		sess.PendingPermissions, nullString(sess.WorkerID), formatTime(sess.CreatedAt),
		formatTime(sess.LastActivityAt), formatTimePtr(sess.StoppedAt), nullString(sess.Error))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns a session record.
func (s *Store) GetSession(id string) (protocol.Session, bool) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		sess, ok := s.sessions[id]
		return sess, ok
	}
	row := s.db.QueryRow(selectSession+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logf("store: get session %s: %v", id, err)
		}
		return protocol.Session{}, false
	}
	return sess, true
}

// ListSessions returns sessions ordered by creation time. An empty status
// returns every session.
func (s *Store) ListSessions(status protocol.Status) []protocol.Session {
	var out []protocol.Session
	if s.db == nil {
		s.mu.RLock()
		for _, sess := range s.sessions {
			if status == "" || sess.Status == status {
				out = append(out, sess)
			}
		}
		s.mu.RUnlock()
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		return out
	}

	query := selectSession
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logf("store: list sessions: %v", err)
		return nil
	}
	defer rows.Close()
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			s.logf("store: scan session: %v", err)
			continue
		}
		out = append(out, sess)
	}
	return out
}

// AppendMessage records a message. Appending a sequence number that is
// already stored for the session is a no-op.
func (s *Store) AppendMessage(msg protocol.SessionMessage) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		log := s.messages[msg.SessionID]
		if n := len(log); n > 0 && log[n-1].Sequence >= msg.Sequence {
			return nil
		}
		s.messages[msg.SessionID] = append(log, msg)
		return nil
	}

	var metadata sql.NullString
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (session_id, sequence, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, int64(msg.Sequence), msg.Role, msg.Content, metadata, string(msg.Timestamp))
	if err != nil {
		return fmt.Errorf("append message %s/%d: %w", msg.SessionID, msg.Sequence, err)
	}
	return nil
}

// Messages returns up to limit messages with a sequence greater than after,
// in sequence order. A limit <= 0 means no limit.
func (s *Store) Messages(sessionID string, after uint64, limit int) []protocol.SessionMessage {
	var out []protocol.SessionMessage
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		log := s.messages[sessionID]
		i := sort.Search(len(log), func(i int) bool { return log[i].Sequence > after })
		for ; i < len(log); i++ {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, log[i])
		}
		return out
	}

	query := `SELECT session_id, sequence, role, content, metadata, timestamp
		FROM messages WHERE session_id = ? AND sequence > ? ORDER BY sequence`
	args := []interface{}{sessionID, int64(after)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logf("store: messages %s: %v", sessionID, err)
		return nil
	}
	defer rows.Close()
	for rows.Next() {
		var (
			msg      protocol.SessionMessage
			seq      int64
			metadata sql.NullString
			ts       string
		)
		if err := rows.Scan(&msg.SessionID, &seq, &msg.Role, &msg.Content, &metadata, &ts); err != nil {
			s.logf("store: scan message: %v", err)
			continue
		}
		msg.Sequence = uint64(seq)
		msg.Timestamp = protocol.Timestamp(ts)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				s.logf("store: message %s/%d metadata: %v", sessionID, seq, err)
			}
		}
		out = append(out, msg)
	}
	return out
}

// LastSequence returns the highest stored sequence for a session, 0 if none.
func (s *Store) LastSequence(sessionID string) uint64 {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		log := s.messages[sessionID]
		if len(log) == 0 {
			return 0
		}
		return log[len(log)-1].Sequence
	}
	var seq sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(sequence) FROM messages WHERE session_id = ?", sessionID).Scan(&seq); err != nil {
		s.logf("store: last sequence %s: %v", sessionID, err)
		return 0
	}
	return uint64(seq.Int64)
}

const selectSession = `SELECT id, status, startup_phase, phase_changed_at, pending_permissions,
	worker_id, created_at, last_activity_at, stopped_at, error FROM sessions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (protocol.Session, error) {
	var (
		sess                      protocol.Session
		status                    string
		phase, workerID, errMsg   sql.NullString
		phaseChanged, stopped     sql.NullString
		createdAt, lastActivityAt string
	)
	if err := row.Scan(&sess.ID, &status, &phase, &phaseChanged, &sess.PendingPermissions,
		&workerID, &createdAt, &lastActivityAt, &stopped, &errMsg); err != nil {
		return protocol.Session{}, err
	}
	sess.Status = protocol.Status(status)
	sess.StartupPhase = protocol.StartupPhase(phase.String)
	sess.WorkerID = workerID.String
	sess.Error = errMsg.String
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActivityAt = parseTime(lastActivityAt)
	sess.PhaseChangedAt = parseTimePtr(phaseChanged)
	sess.StoppedAt = parseTimePtr(stopped)
	return sess, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
