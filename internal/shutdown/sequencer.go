// Package shutdown runs a worker's graceful exit: drain in-flight work,
// checkpoint state, report the final status, release resources, exit.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/victorarias/relayd/internal/checkpoint"
	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/notifier"
)

// Default phase budgets, used when the config leaves one at zero.
const (
	DefaultDrainTimeout      = 10 * time.Second
	DefaultCheckpointTimeout = 5 * time.Second
	DefaultNotifyTimeout     = 5 * time.Second
)

// ReasonError is the shutdown reason that yields the error final status.
const ReasonError = "error"

var (
	ErrAlreadyInstalled = errors.New("shutdown: another sequencer is installed")
	errPhaseTimeout     = errors.New("timed out")
)

// CheckpointWriter persists the worker's final snapshot.
type CheckpointWriter interface {
	Write(ctx context.Context, cp checkpoint.Checkpoint) error
}

// Notifier reports the final status to the control plane.
type Notifier interface {
	NotifyFinal(ctx context.Context, report notifier.FinalReport) error
}

// Config wires the sequencer's optional collaborators.
type Config struct {
	WorkerID string

	// Drain quiesces in-flight work. It should return when ctx is done;
	// the sequence moves on at DrainTimeout either way.
	Drain        func(ctx context.Context) error
	DrainTimeout time.Duration

	CheckpointEnabled bool
	Checkpoint        CheckpointWriter
	// State returns the arbitrary state stored alongside workerId and reason.
	State             func() map[string]interface{}
	CheckpointTimeout time.Duration

	Notifier      Notifier
	NotifyTimeout time.Duration

	// Exit is called last with the exit code. Nil makes exit a no-op.
	Exit func(code int)
	// Signals installed by Install. Defaults to SIGTERM and SIGINT.
	Signals []os.Signal

	Logf logging.Logf
}

// Result summarizes a completed shutdown.
type Result struct {
	Reason      string
	FinalStatus string
	ExitCode    int
	Duration    time.Duration
}

// Sequencer is a one-shot shutdown state machine.
type Sequencer struct {
	cfg      Config
	logf     logging.Logf
	now      func() time.Time
	registry Registry

	mu      sync.Mutex
	phase   Phase
	started bool
	done    chan struct{}
	result  Result

	subMu   sync.Mutex
	subs    map[uint64]func(Event)
	order   []uint64
	nextSub uint64

	sigMu   sync.Mutex
	sigCh   chan os.Signal
	sigStop chan struct{}
}

var (
	installedMu sync.Mutex
	installed   *Sequencer
)

// New creates an idle sequencer.
func New(cfg Config) *Sequencer {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = DefaultCheckpointTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = defaultSignals
	}
	return &Sequencer{
		cfg:  cfg,
		logf: logging.OrNop(cfg.Logf),
		now:  time.Now,
		done: make(chan struct{}),
		subs: make(map[uint64]func(Event)),
	}
}

// Register adds a resource to release during cleanup, in LIFO order.
func (s *Sequencer) Register(d Disposable) {
	s.registry.Push(d)
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed once the sequence reached exited.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Subscribe registers a listener for every event, delivered synchronously
// and in order. The returned function unsubscribes.
func (s *Sequencer) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.order = append(s.order, id)
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; !ok {
			return
		}
		delete(s.subs, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Install routes the configured OS signals to InitiateShutdown. Installing
// the same sequencer twice is a no-op; only one sequencer may be installed
// per process.
func (s *Sequencer) Install() error {
	installedMu.Lock()
	defer installedMu.Unlock()
	if installed == s {
		return nil
	}
	if installed != nil {
		return ErrAlreadyInstalled
	}

	ch := make(chan os.Signal, len(s.cfg.Signals))
	stop := make(chan struct{})
	signal.Notify(ch, s.cfg.Signals...)

	s.sigMu.Lock()
	s.sigCh = ch
	s.sigStop = stop
	s.sigMu.Unlock()

	go s.watchSignals(ch, stop)
	installed = s
	return nil
}

func (s *Sequencer) watchSignals(ch <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case sig := <-ch:
			go s.InitiateShutdown(signalName(sig))
		case <-stop:
			return
		}
	}
}

// Uninstall removes the signal handlers. Safe to call when not installed.
func (s *Sequencer) Uninstall() {
	installedMu.Lock()
	defer installedMu.Unlock()
	if installed != s {
		return
	}
	s.sigMu.Lock()
	signal.Stop(s.sigCh)
	close(s.sigStop)
	s.sigCh = nil
	s.sigStop = nil
	s.sigMu.Unlock()
	installed = nil
}

// Installed reports whether this sequencer currently owns the signal handlers.
func (s *Sequencer) Installed() bool {
	installedMu.Lock()
	defer installedMu.Unlock()
	return installed == s
}

// FinalStatusFor classifies a shutdown reason.
func FinalStatusFor(reason string) string {
	if reason == ReasonError {
		return notifier.StatusError
	}
	return notifier.StatusTerminated
}

// InitiateShutdown runs the sequence once. Every caller, including
// concurrent and later ones, returns only after the sequence reached exited.
func (s *Sequencer) InitiateShutdown(reason string) Result {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		<-s.done
		return s.Result()
	}
	s.started = true
	s.mu.Unlock()

	s.run(reason)
	return s.Result()
}

// Result returns the outcome; zero until the sequence completed.
func (s *Sequencer) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Sequencer) run(reason string) {
	start := s.now()
	finalStatus := FinalStatusFor(reason)
	s.logf("shutdown initiated: reason=%s final_status=%s", reason, finalStatus)

	s.transition(PhaseSignalReceived)
	s.drain()
	s.checkpoint(reason)
	s.notify(finalStatus, reason, start)
	s.cleanup()

	exitCode := 0
	if finalStatus == notifier.StatusError {
		exitCode = 1
	}
	duration := s.now().Sub(start)
	s.emit(EventShutdownComplete, map[string]interface{}{
		"durationMs":  duration.Milliseconds(),
		"exitCode":    exitCode,
		"reason":      reason,
		"finalStatus": finalStatus,
	})
	s.transition(PhaseExited)

	s.mu.Lock()
	s.result = Result{Reason: reason, FinalStatus: finalStatus, ExitCode: exitCode, Duration: duration}
	s.mu.Unlock()
	close(s.done)

	s.Uninstall()
	if s.cfg.Exit != nil {
		s.cfg.Exit(exitCode)
	}
}

func (s *Sequencer) drain() {
	s.transition(PhaseDraining)
	if s.cfg.Drain == nil {
		s.emit(EventDrainComplete, map[string]interface{}{"skipped": true})
		return
	}
	started := s.now()
	err := runBounded(s.cfg.DrainTimeout, s.cfg.Drain)
	switch {
	case errors.Is(err, errPhaseTimeout):
		s.emit(EventDrainTimeout, map[string]interface{}{"timeoutMs": s.cfg.DrainTimeout.Milliseconds()})
	case err != nil:
		s.emit(EventDrainFailed, map[string]interface{}{"error": err.Error()})
	default:
		s.emit(EventDrainComplete, map[string]interface{}{"durationMs": s.now().Sub(started).Milliseconds()})
	}
}

func (s *Sequencer) checkpoint(reason string) {
	s.transition(PhaseCheckpointing)
	if !s.cfg.CheckpointEnabled {
		s.emit(EventCheckpointSkipped, map[string]interface{}{"reason": "disabled"})
		return
	}
	if s.cfg.Checkpoint == nil {
		s.emit(EventCheckpointSkipped, map[string]interface{}{"reason": "no_writer"})
		return
	}

	cpReason := checkpoint.ReasonShutdown
	if reason == checkpoint.ReasonTimeout {
		cpReason = checkpoint.ReasonTimeout
	}
	err := runBounded(s.cfg.CheckpointTimeout, func(ctx context.Context) error {
		state := map[string]interface{}{}
		if s.cfg.State != nil {
			for k, v := range s.cfg.State() {
				state[k] = v
			}
		}
		state["shutdownReason"] = reason
		return s.cfg.Checkpoint.Write(ctx, checkpoint.Checkpoint{
			WorkerID:  s.cfg.WorkerID,
			Reason:    cpReason,
			CreatedAt: s.now(),
			State:     state,
		})
	})
	if err != nil {
		s.emit(EventCheckpointFailed, map[string]interface{}{"error": err.Error()})
		return
	}
	s.emit(EventCheckpointComplete, map[string]interface{}{"workerId": s.cfg.WorkerID})
}

func (s *Sequencer) notify(finalStatus, reason string, shutdownAt time.Time) {
	s.transition(PhaseNotifyingAPI)
	if s.cfg.Notifier == nil {
		return
	}
	err := runBounded(s.cfg.NotifyTimeout, func(ctx context.Context) error {
		return s.cfg.Notifier.NotifyFinal(ctx, notifier.FinalReport{
			Status:     finalStatus,
			Reason:     reason,
			ShutdownAt: shutdownAt,
		})
	})
	if err != nil {
		s.emit(EventAPINotifyFailed, map[string]interface{}{"error": err.Error()})
		return
	}
	s.emit(EventAPINotifyComplete, map[string]interface{}{"status": finalStatus})
}

func (s *Sequencer) cleanup() {
	s.transition(PhaseCleanup)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	disposed, failed := s.registry.DisposeAll(ctx, func(name string, err error) {
		s.emit(EventDisposeFailed, map[string]interface{}{"name": name, "error": err.Error()})
	})
	s.emit(EventCleanupComplete, map[string]interface{}{"disposedCount": disposed, "failedCount": failed})
}

func (s *Sequencer) transition(to Phase) {
	s.mu.Lock()
	from := s.phase
	if to <= from {
		s.mu.Unlock()
		return
	}
	s.phase = to
	s.mu.Unlock()

	s.publish(Event{
		Type:      EventPhaseChanged,
		Timestamp: s.timestamp(),
		Phase:     to,
		From:      from,
		To:        to,
		Data:      map[string]interface{}{"from": from.String(), "to": to.String()},
	})
}

func (s *Sequencer) emit(eventType string, data map[string]interface{}) {
	s.publish(Event{
		Type:      eventType,
		Timestamp: s.timestamp(),
		Phase:     s.Phase(),
		Data:      data,
	})
}

func (s *Sequencer) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Sequencer) publish(ev Event) {
	if ev.Type == EventPhaseChanged {
		s.logf("shutdown phase %s -> %s", ev.From, ev.To)
	} else {
		s.logf("shutdown event %s %v", ev.Type, ev.Data)
	}

	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.order))
	for _, id := range s.order {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// runBounded runs fn with a deadline and returns errPhaseTimeout if it has
// not returned by then, even if fn ignores its context. Panics become errors.
func runBounded(timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- fn(ctx)
	}()

	select {
	case err := <-result:
		if errors.Is(err, context.DeadlineExceeded) {
			return errPhaseTimeout
		}
		return err
	case <-ctx.Done():
		return errPhaseTimeout
	}
}
