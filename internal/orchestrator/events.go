package orchestrator

import (
	"errors"
	"fmt"

	"github.com/victorarias/relayd/internal/permission"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/session"
)

// HandleWorkerEvent applies one event received from a session's worker.
func (o *Orchestrator) HandleWorkerEvent(id string, ev *protocol.Event) error {
	ss, err := o.state(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	o.tracker.Touch(id)

	switch ev.Type {
	case protocol.TypeSessionStatus:
		return o.applyWorkerStatus(id, ev)
	case protocol.TypePermissionRequest:
		return o.openPermission(id, ev)
	case protocol.TypeSessionMessage, protocol.TypeSessionResult, protocol.TypeToolProgress:
		_, err := o.relay.Send(id, ev)
		return err
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		p.SessionID = id
		if _, err := o.relay.Send(id, protocol.MustEvent(protocol.TypeError, p)); err != nil {
			o.logf("session %s: broadcast worker error: %v", id, err)
		}
		if p.Fatal {
			o.tracker.Fail(id, p.Message)
		}
		return nil
	}
	return fmt.Errorf("%w from worker: %s", ErrUnsupportedEvent, ev.Type)
}

// applyWorkerStatus maps a worker status report onto the tracker. waiting
// and active are derived from pending permissions, so a worker only reports
// startup phases and stop/error outcomes.
func (o *Orchestrator) applyWorkerStatus(id string, ev *protocol.Event) error {
	var p protocol.StatusPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}

	var err error
	if p.StartupPhase != "" {
		if !p.StartupPhase.IsValid() {
			return fmt.Errorf("unknown startup phase %q", p.StartupPhase)
		}
		_, err = o.tracker.MarkStartupPhase(id, p.StartupPhase, session.Details{Error: p.Error})
	}

	switch p.Status {
	case "", protocol.StatusStarting, protocol.StatusWaiting:
	case protocol.StatusActive:
		sess, getErr := o.tracker.Get(id)
		if getErr == nil && sess.Status == protocol.StatusStarting {
			_, err = o.tracker.MarkStartupPhase(id, protocol.PhaseReady, session.Details{})
		}
	case protocol.StatusErrored:
		msg := p.Error
		if msg == "" {
			msg = "worker reported error"
		}
		_, err = o.tracker.Fail(id, msg)
	case protocol.StatusStopping, protocol.StatusStopped:
		_, err = o.tracker.SetStatus(id, p.Status, session.Details{Error: p.Error})
	default:
		return fmt.Errorf("unknown status %q", p.Status)
	}

	// Illegal transitions leave the session as it was.
	if errors.Is(err, session.ErrIllegalTransition) || errors.Is(err, session.ErrIllegalPhase) {
		o.logf("session %s: ignored worker status: %v", id, err)
		return nil
	}
	return err
}

// openPermission registers a worker's permission request and announces it
// to clients. A worker re-sending a request it already sent, for example
// after reconnecting, gets the decision again if there is one.
func (o *Orchestrator) openPermission(id string, ev *protocol.Event) error {
	var p protocol.PermissionRequestPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.ToolName == "" {
		return errors.New("permission request without toolName")
	}

	var req permission.Request
	if p.RequestID == "" {
		requestID, err := o.perms.Request(id, p.ToolName, p.Input)
		if err != nil {
			return err
		}
		req, _ = o.perms.Get(id, requestID)
	} else {
		var err error
		req, err = o.perms.RequestWithID(id, p.RequestID, p.ToolName, p.Input)
		if errors.Is(err, permission.ErrDuplicateRequest) {
			if req.State != permission.StatePending {
				o.deliverDecision(req)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}

	announce := protocol.MustEvent(protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
		SessionID: id,
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Input:     req.Input,
	})
	if p.RequestID == "" {
		// The worker learns the allocated id from the echo.
		if err := o.relay.SendToWorker(id, announce); err != nil {
			o.logf("session %s: echo permission %s: %v", id, req.RequestID, err)
		}
	}
	if _, err := o.relay.Send(id, announce); err != nil {
		o.logf("session %s: announce permission %s: %v", id, req.RequestID, err)
	}
	o.syncPending(id)
	return nil
}

// HandleClientEvent applies one event received from a client connection.
func (o *Orchestrator) HandleClientEvent(id string, ev *protocol.Event) error {
	o.tracker.Touch(id)
	switch ev.Type {
	case protocol.TypePermissionResponse:
		var p protocol.PermissionResponsePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.SessionID != "" && p.SessionID != id {
			return fmt.Errorf("response for session %s on connection for %s", p.SessionID, id)
		}
		_, err := o.ResolvePermission(id, p.RequestID, p.Decision)
		return err
	case protocol.TypeSessionMessage:
		return o.sendUserMessage(id, ev)
	}
	return fmt.Errorf("%w from client: %s", ErrUnsupportedEvent, ev.Type)
}

// sendUserMessage records a client's input in the timeline and forwards it
// to the worker.
func (o *Orchestrator) sendUserMessage(id string, ev *protocol.Event) error {
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
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	var msg protocol.SessionMessage
	if err := ev.Decode(&msg); err != nil {
		return err
	}
	msg.Role = protocol.RoleUser
	stamped, err := o.relay.Send(id, protocol.MustEvent(protocol.TypeSessionMessage, msg))
	if err != nil {
		return err
	}
	return o.relay.SendToWorker(id, stamped)
}

// ResolvePermission records a client decision. Only the first decision for
// a pending request is accepted; duplicates and late answers return false.
func (o *Orchestrator) ResolvePermission(id, requestID string, decision protocol.Decision) (bool, error) {
	ss, err := o.state(id)
	if err != nil {
		return false, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	o.tracker.Touch(id)
	accepted, err := o.perms.Resolve(id, requestID, decision)
	if err != nil || !accepted {
		return false, err
	}
	req, ok := o.perms.Get(id, requestID)
	if !ok {
		return true, nil
	}
	o.reportResolution(req)
	return true, nil
}

// onPermissionTimeout runs on the correlator's timer goroutine after a
// request was auto-resolved.
func (o *Orchestrator) onPermissionTimeout(req permission.Request) {
	ss, err := o.state(req.SessionID)
	if err != nil {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	o.reportResolution(req)
}

// reportResolution forwards a decision to the worker, broadcasts it and
// recomputes the waiting status. Callers hold ss.mu.
func (o *Orchestrator) reportResolution(req permission.Request) {
	o.deliverDecision(req)
	resolved := protocol.MustEvent(protocol.TypePermissionResolved, protocol.PermissionResolvedPayload{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Decision:  req.Decision,
		Source:    req.Source,
	})
	if _, err := o.relay.Send(req.SessionID, resolved); err != nil {
		o.logf("session %s: broadcast resolution %s: %v", req.SessionID, req.RequestID, err)
	}
	o.syncPending(req.SessionID)
}

// deliverDecision sends a decision to the current worker. Without a worker
// the decision stays resolved and is delivered on the next attach.
func (o *Orchestrator) deliverDecision(req permission.Request) {
	ev := protocol.MustEvent(protocol.TypePermissionResponse, protocol.PermissionResponsePayload{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Decision:  req.Decision,
	})
	if err := o.relay.SendToWorker(req.SessionID, ev); err != nil {
		o.logf("session %s: decision %s not delivered: %v", req.SessionID, req.RequestID, err)
		return
	}
	o.perms.MarkConsumed(req.SessionID, req.RequestID)
}

func (o *Orchestrator) syncPending(id string) {
	if _, err := o.tracker.SyncPending(id, o.perms.PendingCount(id)); err != nil {
		o.logf("session %s: sync pending: %v", id, err)
	}
}
