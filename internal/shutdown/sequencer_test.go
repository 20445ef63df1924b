package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/victorarias/relayd/internal/checkpoint"
	"github.com/victorarias/relayd/internal/notifier"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, ev := range r.events {
		if ev.Type == EventPhaseChanged {
			out = append(out, ev.To)
		}
	}
	return out
}

func (r *recorder) find(eventType string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) index(eventType string, to Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.Type == eventType && (eventType != EventPhaseChanged || ev.To == to) {
			return i
		}
	}
	return -1
}

type memWriter struct {
	mu      sync.Mutex
	written []checkpoint.Checkpoint
	err     error
}

func (w *memWriter) Write(_ context.Context, cp checkpoint.Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, cp)
	return nil
}

type memNotifier struct {
	mu      sync.Mutex
	reports []notifier.FinalReport
	err     error
}

func (n *memNotifier) NotifyFinal(_ context.Context, report notifier.FinalReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, report)
	return n.err
}

func newTestSequencer(t *testing.T, cfg Config) (*Sequencer, *recorder, *[]int) {
	t.Helper()
	var exitMu sync.Mutex
	exits := &[]int{}
	cfg.Exit = func(code int) {
		exitMu.Lock()
		defer exitMu.Unlock()
		*exits = append(*exits, code)
	}
	s := New(cfg)
	rec := &recorder{}
	s.Subscribe(rec.record)
	return s, rec, exits
}

func TestSequencer_PhaseOrder(t *testing.T) {
	s, rec, exits := newTestSequencer(t, Config{WorkerID: "w-1"})

	res := s.InitiateShutdown("SIGTERM")

	want := []Phase{PhaseSignalReceived, PhaseDraining, PhaseCheckpointing, PhaseNotifyingAPI, PhaseCleanup, PhaseExited}
	got := rec.phases()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if s.Phase() != PhaseExited {
		t.Fatalf("Phase() = %s, want exited", s.Phase())
	}
	if res.FinalStatus != notifier.StatusTerminated || res.ExitCode != 0 {
		t.Fatalf("result = %+v, want terminated/0", res)
	}
	if len(*exits) != 1 || (*exits)[0] != 0 {
		t.Fatalf("exit calls = %v, want [0]", *exits)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed after shutdown")
	}

	// No drain function: drain is reported as skipped.
	ev, ok := rec.find(EventDrainComplete)
	if !ok || ev.Data["skipped"] != true {
		t.Fatalf("drain_complete = %+v, want skipped", ev)
	}
	if _, ok := rec.find(EventShutdownComplete); !ok {
		t.Fatal("missing shutdown_complete")
	}
}

func TestSequencer_EventTimestamps(t *testing.T) {
	s, rec, _ := newTestSequencer(t, Config{})
	s.InitiateShutdown("SIGINT")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var prev time.Time
	for _, ev := range rec.events {
		ts := ev.Time()
		if ts.IsZero() {
			t.Fatalf("event %s has unparseable timestamp %q", ev.Type, ev.Timestamp)
		}
		if ts.Before(prev) {
			t.Fatalf("event %s timestamp went backwards", ev.Type)
		}
		prev = ts
	}
}

func TestSequencer_ConcurrentCallsRunOnce(t *testing.T) {
	release := make(chan struct{})
	var drains int
	var drainMu sync.Mutex
	s, rec, exits := newTestSequencer(t, Config{
		Drain: func(ctx context.Context) error {
			drainMu.Lock()
			drains++
			drainMu.Unlock()
			<-release
			return nil
		},
	})

	const callers = 5
	results := make(chan Result, callers)
	for i := 0; i < callers; i++ {
		go func() { results <- s.InitiateShutdown("SIGTERM") }()
	}

	time.Sleep(20 * time.Millisecond)
	select {
	case <-results:
		t.Fatal("a caller returned before the sequence completed")
	default:
	}
	close(release)

	for i := 0; i < callers; i++ {
		select {
		case res := <-results:
			if res.Reason != "SIGTERM" {
				t.Fatalf("result reason = %q", res.Reason)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("caller did not return")
		}
	}

	if drains != 1 {
		t.Fatalf("drain ran %d times, want 1", drains)
	}
	if len(*exits) != 1 {
		t.Fatalf("exit called %d times, want 1", len(*exits))
	}
	count := 0
	for _, typ := range rec.types() {
		if typ == EventShutdownComplete {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shutdown_complete emitted %d times, want 1", count)
	}

	// A later call still returns the same result without re-running.
	if res := s.InitiateShutdown("error"); res.Reason != "SIGTERM" {
		t.Fatalf("late call reason = %q, want SIGTERM", res.Reason)
	}
}

func TestSequencer_DrainTimeout(t *testing.T) {
	s, rec, _ := newTestSequencer(t, Config{
		DrainTimeout: 100 * time.Millisecond,
		Drain: func(ctx context.Context) error {
			time.Sleep(5 * time.Second)
			return nil
		},
	})

	start := time.Now()
	s.InitiateShutdown("SIGTERM")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s, drain timeout not enforced", elapsed)
	}

	ev, ok := rec.find(EventDrainTimeout)
	if !ok {
		t.Fatalf("missing drain_timeout in %v", rec.types())
	}
	if ev.Data["timeoutMs"] != int64(100) {
		t.Fatalf("timeoutMs = %v, want 100", ev.Data["timeoutMs"])
	}
	if rec.index(EventDrainTimeout, 0) > rec.index(EventPhaseChanged, PhaseCheckpointing) {
		t.Fatal("drain_timeout must be emitted before checkpointing")
	}
	if s.Phase() != PhaseExited {
		t.Fatalf("Phase() = %s, want exited", s.Phase())
	}
}

func TestSequencer_DrainFailureContinues(t *testing.T) {
	s, rec, _ := newTestSequencer(t, Config{
		Drain: func(ctx context.Context) error { return errors.New("busy") },
	})
	s.InitiateShutdown("SIGTERM")

	ev, ok := rec.find(EventDrainFailed)
	if !ok || ev.Data["error"] != "busy" {
		t.Fatalf("drain_failed = %+v", ev)
	}
	if _, ok := rec.find(EventShutdownComplete); !ok {
		t.Fatal("sequence should complete after a failed drain")
	}
}

func TestSequencer_DrainPanicContinues(t *testing.T) {
	s, rec, _ := newTestSequencer(t, Config{
		Drain: func(ctx context.Context) error { panic("boom") },
	})
	s.InitiateShutdown("SIGTERM")

	if _, ok := rec.find(EventDrainFailed); !ok {
		t.Fatalf("expected drain_failed, got %v", rec.types())
	}
	if s.Phase() != PhaseExited {
		t.Fatalf("Phase() = %s, want exited", s.Phase())
	}
}

func TestSequencer_DisposeLIFO(t *testing.T) {
	s, rec, _ := newTestSequencer(t, Config{})

	var mu sync.Mutex
	var order []string
	mark := func(name string, err error) Disposable {
		return DisposeFunc(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		})
	}
	s.Register(mark("A", nil))
	s.Register(mark("B", errors.New("stuck")))
	s.Register(mark("C", nil))

	s.InitiateShutdown("SIGTERM")

	want := []string{"C", "B", "A"}
	if len(order) != len(want) {
		t.Fatalf("dispose order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispose order = %v, want %v", order, want)
		}
	}

	failed, ok := rec.find(EventDisposeFailed)
	if !ok || failed.Data["name"] != "B" {
		t.Fatalf("dispose_failed = %+v, want B", failed)
	}
	done, ok := rec.find(EventCleanupComplete)
	if !ok {
		t.Fatal("missing cleanup_complete")
	}
	if done.Data["disposedCount"] != 3 || done.Data["failedCount"] != 1 {
		t.Fatalf("cleanup_complete data = %v", done.Data)
	}
}

func TestSequencer_StuckDisposeIsBounded(t *testing.T) {
	s, rec, exits := newTestSequencer(t, Config{
		DrainTimeout:      50 * time.Millisecond,
		CheckpointTimeout: 50 * time.Millisecond,
		NotifyTimeout:     50 * time.Millisecond,
	})
	block := make(chan struct{})
	defer close(block)

	var mu sync.Mutex
	var order []string
	mark := func(name string) Disposable {
		return DisposeFunc(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	s.Register(mark("A"))
	s.Register(DisposeFunc("stuck", func(context.Context) error {
		<-block
		return nil
	}))
	s.Register(mark("C"))

	done := make(chan Result, 1)
	go func() { done <- s.InitiateShutdown("SIGTERM") }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sequencer still in phase %s", s.Phase())
	}

	if s.Phase() != PhaseExited || len(*exits) != 1 {
		t.Fatalf("phase = %s, exits = %v", s.Phase(), *exits)
	}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "C" || got[1] != "A" {
		t.Errorf("disposed = %v, want [C A]", got)
	}
	failed, ok := rec.find(EventDisposeFailed)
	if !ok || failed.Data["name"] != "stuck" {
		t.Fatalf("dispose_failed = %+v, want stuck", failed)
	}
	if failed.Data["error"] != errPhaseTimeout.Error() {
		t.Errorf("dispose_failed error = %v", failed.Data["error"])
	}
	cleaned, _ := rec.find(EventCleanupComplete)
	if cleaned.Data["disposedCount"] != 3 || cleaned.Data["failedCount"] != 1 {
		t.Errorf("cleanup_complete data = %v", cleaned.Data)
	}
}

func TestSequencer_UnsubscribePrunes(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 10; i++ {
		unsub := s.Subscribe(func(Event) {})
		unsub()
		unsub()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.order) != 0 || len(s.subs) != 0 {
		t.Fatalf("order = %v, subs = %d after unsubscribing", s.order, len(s.subs))
	}
}

func TestSequencer_DisposePanicIsolated(t *testing.T) {
	s, _, _ := newTestSequencer(t, Config{})
	var ran bool
	s.Register(DisposeFunc("first", func(context.Context) error { ran = true; return nil }))
	s.Register(DisposeFunc("panics", func(context.Context) error { panic("bad") }))

	s.InitiateShutdown("SIGTERM")
	if !ran {
		t.Fatal("disposable after a panicking one should still run")
	}
}

func TestSequencer_CheckpointSkipped(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		reason string
	}{
		{"disabled", Config{CheckpointEnabled: false, Checkpoint: &memWriter{}}, "disabled"},
		{"no writer", Config{CheckpointEnabled: true}, "no_writer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec, _ := newTestSequencer(t, tt.cfg)
			s.InitiateShutdown("SIGTERM")
			ev, ok := rec.find(EventCheckpointSkipped)
			if !ok {
				t.Fatalf("missing checkpoint_skipped in %v", rec.types())
			}
			if ev.Data["reason"] != tt.reason {
				t.Fatalf("skip reason = %v, want %s", ev.Data["reason"], tt.reason)
			}
		})
	}
}

func TestSequencer_CheckpointWritten(t *testing.T) {
	w := &memWriter{}
	s, rec, _ := newTestSequencer(t, Config{
		WorkerID:          "w-7",
		CheckpointEnabled: true,
		Checkpoint:        w,
		State:             func() map[string]interface{} { return map[string]interface{}{"turns": 4} },
	})
	s.InitiateShutdown("timeout")

	if _, ok := rec.find(EventCheckpointComplete); !ok {
		t.Fatalf("missing checkpoint_complete in %v", rec.types())
	}
	if len(w.written) != 1 {
		t.Fatalf("written = %d checkpoints, want 1", len(w.written))
	}
	cp := w.written[0]
	if cp.WorkerID != "w-7" || cp.Reason != checkpoint.ReasonTimeout {
		t.Fatalf("checkpoint = %+v", cp)
	}
	if cp.State["turns"] != 4 {
		t.Fatalf("state = %v", cp.State)
	}
}

func TestSequencer_CheckpointFailureContinues(t *testing.T) {
	s, rec, _ := newTestSequencer(t, Config{
		CheckpointEnabled: true,
		Checkpoint:        &memWriter{err: errors.New("disk full")},
	})
	s.InitiateShutdown("SIGTERM")
	if _, ok := rec.find(EventCheckpointFailed); !ok {
		t.Fatalf("missing checkpoint_failed in %v", rec.types())
	}
	if s.Phase() != PhaseExited {
		t.Fatalf("Phase() = %s, want exited", s.Phase())
	}
}

func TestSequencer_NotifyFinalStatus(t *testing.T) {
	tests := []struct {
		reason   string
		status   string
		exitCode int
	}{
		{"SIGTERM", notifier.StatusTerminated, 0},
		{"timeout", notifier.StatusTerminated, 0},
		{"error", notifier.StatusError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			n := &memNotifier{}
			s, rec, exits := newTestSequencer(t, Config{Notifier: n})
			res := s.InitiateShutdown(tt.reason)

			if len(n.reports) != 1 {
				t.Fatalf("reports = %d, want 1", len(n.reports))
			}
			if n.reports[0].Status != tt.status || n.reports[0].Reason != tt.reason {
				t.Fatalf("report = %+v", n.reports[0])
			}
			if res.ExitCode != tt.exitCode || (*exits)[0] != tt.exitCode {
				t.Fatalf("exit code = %d, want %d", res.ExitCode, tt.exitCode)
			}
			if _, ok := rec.find(EventAPINotifyComplete); !ok {
				t.Fatal("missing api_notify_complete")
			}
		})
	}
}

func TestSequencer_NotifyFailureStillExits(t *testing.T) {
	n := &memNotifier{err: errors.New("503")}
	s, rec, exits := newTestSequencer(t, Config{Notifier: n})
	s.InitiateShutdown("SIGTERM")

	if _, ok := rec.find(EventAPINotifyFailed); !ok {
		t.Fatalf("missing api_notify_failed in %v", rec.types())
	}
	if len(*exits) != 1 {
		t.Fatalf("exit calls = %v", *exits)
	}
}

func TestSequencer_InstallUninstall(t *testing.T) {
	a := New(Config{})
	b := New(Config{})

	if err := a.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := a.Install(); err != nil {
		t.Fatalf("second Install should be a no-op: %v", err)
	}
	if !a.Installed() {
		t.Fatal("a should be installed")
	}
	if err := b.Install(); !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("b.Install err = %v, want ErrAlreadyInstalled", err)
	}

	a.Uninstall()
	a.Uninstall()
	if a.Installed() {
		t.Fatal("a should be uninstalled")
	}
	if err := b.Install(); err != nil {
		t.Fatalf("b.Install after uninstall: %v", err)
	}
	b.Uninstall()
}

func TestSequencer_UninstallsOnExit(t *testing.T) {
	s, _, _ := newTestSequencer(t, Config{})
	if err := s.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	s.InitiateShutdown("SIGTERM")
	if s.Installed() {
		t.Fatal("handlers should be removed once exited")
	}
}

func TestFinalStatusFor(t *testing.T) {
	if got := FinalStatusFor("error"); got != notifier.StatusError {
		t.Fatalf("error -> %s", got)
	}
	for _, reason := range []string{"SIGTERM", "SIGINT", "timeout", "manual"} {
		if got := FinalStatusFor(reason); got != notifier.StatusTerminated {
			t.Fatalf("%s -> %s", reason, got)
		}
	}
}
