package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/relay"
)

const agentKillAfter = 5 * time.Second

// agent is the child process doing the session's work. It writes protocol
// events to stdout, one per line, and reads decisions and user messages
// from stdin in the same format.
type agent struct {
	cmd  *exec.Cmd
	logf logging.Logf

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	done     chan struct{}
	exitCode int
	exitErr  error
}

func startAgent(command []string, dir string, env []string, onEvent func(*protocol.Event), logf logging.Logf) (*agent, error) {
	if len(command) == 0 {
		return nil, errors.New("no agent command configured")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	a := &agent{cmd: cmd, logf: logging.OrNop(logf), stdin: stdin, done: make(chan struct{})}
	a.logf("worker: agent started pid=%d cmd=%q", cmd.Process.Pid, command)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readEvents(stdout, onEvent)
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), relay.MaxLineSize)
		for scanner.Scan() {
			a.logf("agent: %s", scanner.Text())
		}
	}()
	go func() {
		// Wait only after the pipes are drained so no event is lost.
		readers.Wait()
		err := cmd.Wait()
		a.exitErr = err
		a.exitCode = exitCodeOf(err)
		a.logf("worker: agent exited code=%d err=%v", a.exitCode, err)
		close(a.done)
	}()
	return a, nil
}

func (a *agent) readEvents(r io.Reader, onEvent func(*protocol.Event)) {
	dec := relay.NewDecoder(a.logf)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				onEvent(ev)
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				a.logf("worker: agent stdout: %v", err)
			}
			return
		}
	}
}

// Write sends one event to the agent's stdin.
func (a *agent) Write(ev *protocol.Event) error {
	line, err := ev.Encode()
	if err != nil {
		return err
	}
	a.stdinMu.Lock()
	defer a.stdinMu.Unlock()
	if a.stdin == nil {
		return errors.New("agent stdin closed")
	}
	_, err = a.stdin.Write(line)
	return err
}

func (a *agent) closeStdin() {
	a.stdinMu.Lock()
	defer a.stdinMu.Unlock()
	if a.stdin != nil {
		a.stdin.Close()
		a.stdin = nil
	}
}

// Done is closed once the agent exited and its output was consumed.
func (a *agent) Done() <-chan struct{} {
	return a.done
}

// ExitCode is valid after Done.
func (a *agent) ExitCode() int {
	return a.exitCode
}

// Stop asks the agent to finish: stdin is closed and the process group gets
// SIGTERM, then SIGKILL once ctx ends or agentKillAfter passes.
func (a *agent) Stop(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	default:
	}
	a.closeStdin()
	a.signal(syscall.SIGTERM)

	timer := time.NewTimer(agentKillAfter)
	defer timer.Stop()
	select {
	case <-a.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	a.logf("worker: agent did not exit after SIGTERM, killing")
	a.signal(syscall.SIGKILL)
	<-a.done
	return ctx.Err()
}

func (a *agent) signal(sig syscall.Signal) {
	pid := a.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		a.cmd.Process.Signal(sig)
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal.
		return 128 + int(exitErr.Sys().(syscall.WaitStatus).Signal())
	}
	return -1
}
