// Package worker is the process that executes one session: it runs the
// agent, relays its events to the control plane and shuts down gracefully.
package worker

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/relayd/internal/checkpoint"
	"github.com/victorarias/relayd/internal/config"
	"github.com/victorarias/relayd/internal/launcher"
	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/notifier"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/shutdown"
)

// Shutdown reasons reported by the worker itself.
const (
	ReasonCompleted   = "completed"
	ReasonStopped     = "stopped"
	ReasonCanceled    = "canceled"
	reasonAgentFailed = shutdown.ReasonError
)

type Config struct {
	SessionID string
	WorkerID  string
	RelayURL  string
	APIURL    string
	Token     string
	Prompt    string

	// Command is the agent to run, argv style.
	Command []string
	Dir     string

	CheckpointDir      string
	CheckpointCompress bool
	CheckpointEnabled  bool
	Timeouts           config.ShutdownTimeouts

	// Exit is called with the exit code once shutdown completes.
	Exit func(code int)
	Logf logging.Logf
}

// Runtime is one running worker.
type Runtime struct {
	cfg  Config
	logf logging.Logf
	link *link
	seq  *shutdown.Sequencer

	agentMu sync.Mutex
	agent   *agent

	mu        sync.Mutex
	pending   map[string]*protocol.Event // permission requests awaiting a decision
	forwarded int
	lastEvent string
	exitCode  *int
}

// New validates cfg and prepares a runtime.
func New(cfg Config) (*Runtime, error) {
	switch {
	case cfg.SessionID == "":
		return nil, errors.New("worker: session id required")
	case cfg.WorkerID == "":
		return nil, errors.New("worker: worker id required")
	case cfg.RelayURL == "":
		return nil, errors.New("worker: relay url required")
	case len(cfg.Command) == 0:
		return nil, errors.New("worker: agent command required")
	}
	rt := &Runtime{
		cfg:     cfg,
		logf:    logging.OrNop(cfg.Logf),
		pending: make(map[string]*protocol.Event),
	}

	u, err := workerURL(cfg.RelayURL, cfg.SessionID, cfg.WorkerID)
	if err != nil {
		return nil, err
	}
	rt.link = newLink(u, cfg.Token, rt.handleRelayEvent, rt.onConnect, rt.logf)

	scfg := shutdown.Config{
		WorkerID:          cfg.WorkerID,
		Drain:             rt.drain,
		DrainTimeout:      cfg.Timeouts.Drain,
		CheckpointEnabled: cfg.CheckpointEnabled,
		State:             rt.checkpointState,
		CheckpointTimeout: cfg.Timeouts.Checkpoint,
		NotifyTimeout:     cfg.Timeouts.Notify,
		Exit:              cfg.Exit,
		Logf:              rt.logf,
	}
	if cfg.CheckpointDir != "" {
		scfg.Checkpoint = checkpoint.NewFileWriter(cfg.CheckpointDir, cfg.CheckpointCompress)
	}
	if cfg.APIURL != "" {
		scfg.Notifier = notifier.New(cfg.APIURL, cfg.Token, cfg.WorkerID)
	}
	rt.seq = shutdown.New(scfg)
	rt.seq.Register(shutdown.Closer("relay link", rt.link))
	return rt, nil
}

// Run starts a worker and blocks until its shutdown sequence completed.
func Run(ctx context.Context, cfg Config) (shutdown.Result, error) {
	rt, err := New(cfg)
	if err != nil {
		return shutdown.Result{}, err
	}
	return rt.Run(ctx)
}

// Run connects to the relay, starts the agent and waits for shutdown.
// Canceling ctx initiates shutdown.
func (r *Runtime) Run(ctx context.Context) (shutdown.Result, error) {
	if err := r.seq.Install(); err != nil {
		return shutdown.Result{}, err
	}
	r.seq.Subscribe(func(ev shutdown.Event) {
		r.logf("worker: shutdown %s %v", ev.Type, ev.Data)
	})

	r.link.start(context.Background())

	select {
	case <-r.link.Connected():
		r.startAgent()
	case <-ctx.Done():
		return r.seq.InitiateShutdown(ReasonCanceled), nil
	case <-r.seq.Done():
		return r.seq.Result(), nil
	}

	select {
	case <-ctx.Done():
		r.shutdown(ReasonCanceled)
	case <-r.seq.Done():
	}
	<-r.seq.Done()
	return r.seq.Result(), nil
}

// Sequencer exposes the shutdown sequencer.
func (r *Runtime) Sequencer() *shutdown.Sequencer {
	return r.seq
}

func (r *Runtime) shutdown(reason string) {
	go r.seq.InitiateShutdown(reason)
}

func (r *Runtime) reportPhase(phase protocol.StartupPhase, errMsg string) {
	r.link.Send(protocol.MustEvent(protocol.TypeSessionStatus, protocol.StatusPayload{
		SessionID:    r.cfg.SessionID,
		StartupPhase: phase,
		Error:        errMsg,
	}))
}

func (r *Runtime) startAgent() {
	r.reportPhase(protocol.PhaseInitializing, "")
	env := []string{
		launcher.EnvSessionID + "=" + r.cfg.SessionID,
		launcher.EnvWorkerID + "=" + r.cfg.WorkerID,
	}
	a, err := startAgent(r.cfg.Command, r.cfg.Dir, env, r.handleAgentEvent, r.logf)
	if err != nil {
		r.logf("worker: %v", err)
		r.reportPhase(protocol.PhaseFailed, err.Error())
		r.link.Send(protocol.MustEvent(protocol.TypeError, protocol.ErrorPayload{
			SessionID: r.cfg.SessionID,
			Code:      protocol.ErrCodeInternal,
			Message:   err.Error(),
			Fatal:     true,
		}))
		r.shutdown(reasonAgentFailed)
		return
	}
	r.agentMu.Lock()
	r.agent = a
	r.agentMu.Unlock()

	if r.cfg.Prompt != "" {
		a.Write(protocol.MustEvent(protocol.TypeSessionMessage, protocol.SessionMessage{
			SessionID: r.cfg.SessionID,
			Role:      protocol.RoleUser,
			Content:   r.cfg.Prompt,
		}))
	}
	r.reportPhase(protocol.PhaseReady, "")

	go func() {
		<-a.Done()
		code := a.ExitCode()
		r.mu.Lock()
		r.exitCode = &code
		r.mu.Unlock()
		if code == 0 {
			r.shutdown(ReasonCompleted)
		} else {
			r.shutdown(reasonAgentFailed)
		}
	}()
}

func (r *Runtime) currentAgent() *agent {
	r.agentMu.Lock()
	defer r.agentMu.Unlock()
	return r.agent
}

// handleAgentEvent forwards one agent event to the relay.
func (r *Runtime) handleAgentEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.TypePermissionRequest:
		var p protocol.PermissionRequestPayload
		if err := ev.Decode(&p); err != nil {
			r.logf("worker: bad permission request from agent: %v", err)
			return
		}
		p.SessionID = r.cfg.SessionID
		if p.RequestID == "" {
			p.RequestID = uuid.NewString()
		}
		ev = protocol.MustEvent(protocol.TypePermissionRequest, p)
		r.mu.Lock()
		r.pending[p.RequestID] = ev
		r.mu.Unlock()
	case protocol.TypeSessionMessage, protocol.TypeSessionResult, protocol.TypeToolProgress,
		protocol.TypeSessionStatus, protocol.TypeError:
	default:
		r.logf("worker: ignoring %s from agent", ev.Type)
		return
	}

	r.mu.Lock()
	r.forwarded++
	r.lastEvent = ev.Type
	r.mu.Unlock()
	if err := r.link.Send(ev); err != nil {
		r.logf("worker: forward %s: %v", ev.Type, err)
	}
}

// handleRelayEvent applies one event received from the control plane.
func (r *Runtime) handleRelayEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.TypeConnectionAck:
		var ack protocol.AckPayload
		ev.Decode(&ack)
		r.logf("worker: relay ack connection=%s protocol=%s", ack.ConnectionID, ack.ProtocolVersion)
	case protocol.TypePermissionResponse:
		var p protocol.PermissionResponsePayload
		if err := ev.Decode(&p); err != nil {
			r.logf("worker: bad permission response: %v", err)
			return
		}
		r.mu.Lock()
		_, waiting := r.pending[p.RequestID]
		delete(r.pending, p.RequestID)
		r.mu.Unlock()
		if !waiting {
			r.logf("worker: decision for unknown request %s ignored", p.RequestID)
			return
		}
		r.toAgent(ev)
	case protocol.TypeSessionMessage:
		r.toAgent(ev)
	case protocol.TypeSessionStatus:
		var p protocol.StatusPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if p.Status == protocol.StatusStopping || p.Status.IsTerminal() {
			r.logf("worker: control plane reports %s, shutting down", p.Status)
			r.shutdown(ReasonStopped)
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		ev.Decode(&p)
		r.logf("worker: relay error %s: %s", p.Code, p.Message)
		if p.Code == protocol.ErrCodeSessionClosed || p.Code == protocol.ErrCodeSessionNotFound {
			r.shutdown(ReasonStopped)
		}
	}
}

func (r *Runtime) toAgent(ev *protocol.Event) {
	a := r.currentAgent()
	if a == nil {
		r.logf("worker: %s before agent started, dropped", ev.Type)
		return
	}
	if err := a.Write(ev); err != nil {
		r.logf("worker: write %s to agent: %v", ev.Type, err)
	}
}

// onConnect re-sends undecided permission requests after a reconnect; the
// control plane answers already-decided ones again.
func (r *Runtime) onConnect(first bool) {
	if first {
		return
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	events := make([]*protocol.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, r.pending[id])
	}
	r.mu.Unlock()
	for _, ev := range events {
		r.link.Send(ev)
	}
}

func (r *Runtime) drain(ctx context.Context) error {
	a := r.currentAgent()
	if a == nil {
		return nil
	}
	return a.Stop(ctx)
}

func (r *Runtime) checkpointState() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make([]string, 0, len(r.pending))
	for id := range r.pending {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	state := map[string]interface{}{
		"sessionId":          r.cfg.SessionID,
		"eventsForwarded":    r.forwarded,
		"pendingPermissions": pending,
		"unsentEvents":       r.link.Pending(),
		"checkpointedAt":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.lastEvent != "" {
		state["lastEvent"] = r.lastEvent
	}
	if r.exitCode != nil {
		state["agentExitCode"] = *r.exitCode
	}
	return state
}

// ConfigFromEnv fills a Config from the launcher's environment and the
// config file.
func ConfigFromEnv() Config {
	cfg := Config{
		SessionID:          os.Getenv(launcher.EnvSessionID),
		WorkerID:           os.Getenv(launcher.EnvWorkerID),
		RelayURL:           os.Getenv(launcher.EnvRelayURL),
		APIURL:             config.APIURL(),
		Token:              os.Getenv(launcher.EnvToken),
		CheckpointDir:      config.CheckpointDir(),
		CheckpointCompress: config.CheckpointCompress(),
		CheckpointEnabled:  config.CheckpointEnabled(),
		Timeouts:           config.WorkerShutdownTimeouts(),
	}
	if cmd := config.AgentCommand(); cmd != "" {
		cfg.Command = []string{"/bin/sh", "-c", cmd}
	}
	return cfg
}
