package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/victorarias/relayd/internal/auth"
	"github.com/victorarias/relayd/internal/notifier"
	"github.com/victorarias/relayd/internal/orchestrator"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/session"
)

const maxRequestBody = 1 << 20

type errorResponse struct {
	Error   string            `json:"error"`
	Session *protocol.Session `json:"session,omitempty"`
}

type createResponse struct {
	SessionID string           `json:"sessionId"`
	Session   protocol.Session `json:"session"`
}

type resolveRequest struct {
	Decision protocol.Decision `json:"decision"`
}

type resolveResponse struct {
	Accepted bool `json:"accepted"`
}

func (d *Daemon) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /sessions", d.handleCreateSession)
	api.HandleFunc("GET /sessions", d.handleListSessions)
	api.HandleFunc("GET /sessions/{id}", d.handleGetSession)
	api.HandleFunc("POST /sessions/{id}/stop", d.handleStopSession)
	api.HandleFunc("GET /sessions/{id}/messages", d.handleMessages)
	api.HandleFunc("GET /sessions/{id}/permissions", d.handlePendingPermissions)
	api.HandleFunc("POST /sessions/{id}/permissions/{requestId}", d.handleResolvePermission)
	api.HandleFunc("PATCH /workers/{id}", d.handleWorkerUpdate)
	api.HandleFunc("GET /ws/client", d.handleClientWS)
	api.HandleFunc("GET /ws/worker", d.handleWorkerWS)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("/", auth.Middleware(d.validator, api))
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(d.orch.List()),
	})
}

func (d *Daemon) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sess, err := d.orch.CreateSession(r.Context(), req)
	if err != nil {
		d.logf("create session: %v", err)
		resp := errorResponse{Error: err.Error()}
		if sess.ID != "" {
			resp.Session = &sess
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{SessionID: sess.ID, Session: sess})
}

func (d *Daemon) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.orch.List()
	if status := protocol.Status(r.URL.Query().Get("status")); status != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.Status == status {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (d *Daemon) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := d.orch.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (d *Daemon) handleStopSession(w http.ResponseWriter, r *http.Request) {
	// The worker stops in the background; the request context ends with the response.
	sess, err := d.orch.StopSession(context.WithoutCancel(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (d *Daemon) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := d.orch.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("after must be a sequence number"))
			return
		}
		after = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive number"))
			return
		}
		limit = n
	}
	msgs := d.orch.Messages(id, after, limit)
	if msgs == nil {
		msgs = []protocol.SessionMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (d *Daemon) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	pending, err := d.orch.PendingPermissions(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (d *Daemon) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accepted, err := d.orch.ResolvePermission(r.PathValue("id"), r.PathValue("requestId"), req.Decision)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Accepted: accepted})
}

func (d *Daemon) handleWorkerUpdate(w http.ResponseWriter, r *http.Request) {
	var req notifier.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status != notifier.StatusTerminated && req.Status != notifier.StatusError {
		writeError(w, http.StatusBadRequest, errors.New("status must be terminated or error"))
		return
	}
	if !req.Metadata.FinalUpdate {
		writeError(w, http.StatusBadRequest, errors.New("only final updates are accepted"))
		return
	}
	sess, err := d.orch.WorkerFinalStatus(r.PathValue("id"), req.Status, req.Metadata.Reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, orchestrator.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionClosed):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
