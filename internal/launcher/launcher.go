// Package launcher starts the worker that executes a session.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/pathutil"
)

const stopGracePeriod = 10 * time.Second

// Env var names passed to worker processes.
const (
	EnvRelayURL  = "RELAY_URL"
	EnvSessionID = "RELAY_SESSION_ID"
	EnvWorkerID  = "RELAY_WORKER_ID"
	EnvToken     = "RELAY_TOKEN"
	EnvAPIURL    = "RELAY_API_URL"
)

// Spec describes one worker to start.
type Spec struct {
	SessionID string
	WorkerID  string
	RelayURL  string
	APIURL    string
	Token     string
	Prompt    string
	Metadata  map[string]string
}

// Handle controls a started worker.
type Handle interface {
	WorkerID() string
	// Stop asks the worker to exit and waits for it, escalating once ctx is done.
	Stop(ctx context.Context) error
	// Done is closed once the worker exited.
	Done() <-chan struct{}
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ProcessLauncher runs the worker binary as a local child process.
type ProcessLauncher struct {
	Binary string
	Args   []string
	LogDir string
	// ExtraPaths are appended to the worker's PATH when they exist.
	ExtraPaths []string
	Logf       logging.Logf
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logf := logging.OrNop(l.Logf)

	args := append([]string{}, l.Args...)
	if spec.Prompt != "" {
		args = append(args, "--prompt", spec.Prompt)
	}
	// Not CommandContext: the worker outlives the request that launched it.
	cmd := exec.Command(l.Binary, args...)
	path := pathutil.WorkerPath(os.Getenv("PATH"), l.Binary, l.ExtraPaths)
	cmd.Env = append(pathutil.WithPath(os.Environ(), path),
		EnvRelayURL+"="+spec.RelayURL,
		EnvSessionID+"="+spec.SessionID,
		EnvWorkerID+"="+spec.WorkerID,
		EnvToken+"="+spec.Token,
	)
	if spec.APIURL != "" {
		cmd.Env = append(cmd.Env, EnvAPIURL+"="+spec.APIURL)
	}

	var logFile *os.File
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0700); err != nil {
			logf("launcher: log dir %s: %v", l.LogDir, err)
		} else {
			path := filepath.Join(l.LogDir, spec.WorkerID+".log")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				logf("launcher: worker log open failed: worker=%s path=%s err=%v", spec.WorkerID, path, err)
			} else {
				logFile = f
				cmd.Stdout = f
				cmd.Stderr = f
			}
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start worker: %w", err)
	}
	logf("launcher: started worker=%s session=%s pid=%d", spec.WorkerID, spec.SessionID, cmd.Process.Pid)

	h := &processHandle{workerID: spec.WorkerID, proc: cmd.Process, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		logf("launcher: worker=%s exited: %v", spec.WorkerID, err)
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	workerID string
	proc     *os.Process
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func (h *processHandle) WorkerID() string      { return h.workerID }
func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	grace := time.NewTimer(stopGracePeriod)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}
	if err := h.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-h.done
	return nil
}

// FuncLauncher adapts a function, for workers started out of band.
type FuncLauncher func(ctx context.Context, spec Spec) (Handle, error)

func (f FuncLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	return f(ctx, spec)
}

// Nop records launches without starting anything. Workers are expected to
// connect on their own.
type Nop struct {
	mu       sync.Mutex
	launched []Spec
}

func (n *Nop) Launch(_ context.Context, spec Spec) (Handle, error) {
	n.mu.Lock()
	n.launched = append(n.launched, spec)
	n.mu.Unlock()
	return NewStaticHandle(spec.WorkerID), nil
}

// Launched returns every spec passed to Launch.
func (n *Nop) Launched() []Spec {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Spec(nil), n.launched...)
}

// StaticHandle is a Handle with no process behind it. Stop marks it done.
type StaticHandle struct {
	workerID string
	once     sync.Once
	done     chan struct{}
}

func NewStaticHandle(workerID string) *StaticHandle {
	return &StaticHandle{workerID: workerID, done: make(chan struct{})}
}

func (h *StaticHandle) WorkerID() string      { return h.workerID }
func (h *StaticHandle) Done() <-chan struct{} { return h.done }

func (h *StaticHandle) Stop(context.Context) error {
	h.once.Do(func() { close(h.done) })
	return nil
}
