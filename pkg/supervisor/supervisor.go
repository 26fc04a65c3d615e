// Package supervisor implements the Server Supervisor: spawns one child,
// wires its stdout to a Log Event Stream, and tracks PID, running state,
// and expected-crash classification (spec.md §4.2).
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/galvan/pkg/errors"
	"github.com/core-tools/galvan/pkg/identity"
	"github.com/core-tools/galvan/pkg/interlock"
	"github.com/core-tools/galvan/pkg/logging"
	"github.com/core-tools/galvan/pkg/logstream"
)

// Notifier is the narrow capability a supervisor needs to report into the
// interlock: report role/PID/zap events and termination. Implemented
// directly by *interlock.Interlock; injected at construction so the
// supervisor never holds a back-pointer to any controller (spec.md §9).
type Notifier interface {
	StateOf(handle interlock.Handle) interlock.ServerState
	NoteStarted(handle interlock.Handle) error
	NotePID(handle interlock.Handle, pid int)
	NoteActive(handle interlock.Handle)
	NotePassive(handle interlock.Handle)
	NoteZap(handle interlock.Handle)
	NoteTermination(handle interlock.Handle, expectedCrash bool, failureReason string)
}

// runningContext is the mutable state a supervisor owns exclusively:
// child handle, pid, expected-crash flag, and log sinks (spec.md §3).
type runningContext struct {
	mu   sync.Mutex
	cond *sync.Cond

	cmd           *exec.Cmd
	pid           int
	running       bool
	expectedCrash bool
	wasZapped     bool

	stdoutFile *os.File
	stderrFile *os.File
}

func newRunningContext() *runningContext {
	rc := &runningContext{}
	rc.cond = sync.NewCond(&rc.mu)
	return rc
}

// Supervisor is the per-server process supervisor.
type Supervisor struct {
	identity identity.ServerIdentity
	logger   logging.Logger
	notifier Notifier
	gate     *gate
	javaHome string

	mu sync.Mutex // protects rc pointer swap between runs
	rc *runningContext
}

// New creates a Supervisor for identity, reporting lifecycle events to
// notifier. JAVA_HOME is resolved once, here, and stashed: spec.md §9's
// "Global state" note treats it as a process-global read that must not be
// re-consulted on every start.
func New(id identity.ServerIdentity, logger logging.Logger, notifier Notifier) *Supervisor {
	if id.DebugPort > 0 {
		logger.Infof("NOTE: server %s configured with debug port %d", id.Name, id.DebugPort)
	}
	return &Supervisor{
		identity: id,
		logger:   logger,
		notifier: notifier,
		gate:     newGate(),
		javaHome: resolveJavaHome(),
		rc:       newRunningContext(),
	}
}

// ID identifies this supervisor to the interlock; it is the server name.
func (s *Supervisor) ID() string {
	return s.identity.Name
}

// Start spawns the child process. It is non-blocking: readiness is
// observed later via log events, not returned here (spec.md §4.2).
func (s *Supervisor) Start(ctx context.Context) error {
	token := s.gate.acquire()
	defer s.gate.release(token)

	if state := s.notifier.StateOf(s); state != interlock.Terminated {
		return errors.NewAlreadyRunningError(
			fmt.Sprintf("server is not terminated, current state: %s", state), nil).WithContext("server", s.ID())
	}

	if info, err := os.Stat(s.identity.WorkingDirectory); err != nil || !info.IsDir() {
		return errors.NewConfigInvalidError("working directory missing", err).WithContext("server", s.ID())
	}

	rc := newRunningContext()

	stdoutLog, stderrLog, err := s.openLogFiles()
	if err != nil {
		return errors.NewIOError("failed to open log files", err).WithContext("server", s.ID())
	}
	rc.stdoutFile = stdoutLog
	rc.stderrFile = stderrLog

	argv, err := s.identity.StartupCommand(ctx)
	if err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return errors.NewConfigInvalidError("failed to resolve startup command", err).WithContext("server", s.ID())
	}
	if len(argv) == 0 {
		stdoutLog.Close()
		stderrLog.Close()
		return errors.NewConfigInvalidError("startup command supplier returned no argv", nil).WithContext("server", s.ID())
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.identity.WorkingDirectory
	cmd.Env = buildEnv(s.identity, s.javaHome)
	cmd.Stderr = stderrLog
	setupProcessAttributes(cmd)

	stream := logstream.New(stdoutLog, s.logger, logstream.DefaultRules())
	s.wireStream(stream)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return errors.NewIOError("failed to create stdout pipe", err).WithContext("server", s.ID())
	}

	if err := cmd.Start(); err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return errors.NewIOError("failed to start process", err).WithContext("server", s.ID())
	}

	rc.cmd = cmd
	rc.running = true

	s.mu.Lock()
	s.rc = rc
	s.mu.Unlock()

	s.logger.Infof("Started server, id: %s, pid: %d", s.ID(), cmd.Process.Pid)

	go s.pumpStdout(stream, stdout)
	go s.watchExit(rc)

	if err := s.notifier.NoteStarted(s); err != nil {
		return err
	}

	return nil
}

// pumpStdout drains stdout through the Log Event Stream until EOF.
func (s *Supervisor) pumpStdout(stream *logstream.Stream, stdout io.ReadCloser) {
	defer stdout.Close()
	if err := stream.Pump(stdout); err != nil {
		s.logger.Warnf("Error reading stdout, id: %s, error: %v", s.ID(), err)
	}
}

// wireStream binds the fixed spec.md §4.1 event names to this
// supervisor's own state transitions.
func (s *Supervisor) wireStream(stream *logstream.Stream) {
	stream.On(logstream.EventPID, func(ev logstream.Event) {
		pid, ok := logstream.ParsePID(ev.Line)
		if !ok {
			s.logger.Warnf("Malformed PID line, id: %s, line: %q", s.ID(), ev.Line)
			return
		}
		s.setPID(pid)
	})
	stream.On(logstream.EventActive, func(logstream.Event) {
		s.notifier.NoteActive(s)
	})
	stream.On(logstream.EventPassive, func(logstream.Event) {
		s.notifier.NotePassive(s)
	})
	stream.On(logstream.EventZap, func(logstream.Event) {
		s.markZapped()
		s.notifier.NoteZap(s)
	})
}

func (s *Supervisor) setPID(pid int) {
	rc := s.current()
	rc.mu.Lock()
	rc.pid = pid
	rc.cond.Broadcast()
	rc.mu.Unlock()

	s.notifier.NotePID(s, pid)
}

func (s *Supervisor) markZapped() {
	rc := s.current()
	rc.mu.Lock()
	rc.pid = 0
	rc.wasZapped = true
	rc.cond.Broadcast()
	rc.mu.Unlock()
}

func (s *Supervisor) current() *runningContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rc
}

// waitForPid blocks until a PID has been observed in the current run, or
// returns 0 if the server has already terminated (spec.md §4.2 "PID
// rendezvous").
func (s *Supervisor) waitForPid() int {
	rc := s.current()
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for rc.pid == 0 && rc.running {
		rc.cond.Wait()
	}
	return rc.pid
}

// Stop requests termination of the running child. It fails with
// NotRunning if the server has already terminated (spec.md §4.2).
func (s *Supervisor) Stop(ctx context.Context) error {
	token := s.gate.acquire()
	defer s.gate.release(token)

	if state := s.notifier.StateOf(s); state == interlock.Terminated {
		return errors.NewNotRunningError("server is not running", nil).WithContext("server", s.ID())
	}

	rc := s.current()

	pid := s.waitForPid()
	if pid == 0 {
		// Race: the server terminated before ever reporting a PID we
		// could target; nothing left to kill.
		s.logger.Infof("Stop is a no-op, server already terminated, id: %s", s.ID())
		return nil
	}

	rc.mu.Lock()
	rc.expectedCrash = true
	rc.mu.Unlock()

	s.logger.Infof("Terminating server, id: %s, pid: %d", s.ID(), pid)

	cmd := terminateCommand(ctx, pid)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.NewIOError("failed to create terminate-command stdout pipe", err).WithContext("server", s.ID())
	}
	if err := cmd.Start(); err != nil {
		return errors.NewIOError("failed to start terminate command", err).WithContext("server", s.ID())
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		buf := make([]byte, 4096)
		for {
			if _, readErr := stdout.Read(buf); readErr != nil {
				return
			}
		}
	}()

	waitErr := s.pollKillCommand(cmd)
	<-drained
	if waitErr != nil {
		s.logger.Warnf("Terminate command exited with error (target may already be dead), id: %s, error: %v", s.ID(), waitErr)
	}

	return nil
}

// pollKillCommand waits for the kill/taskkill invocation itself to exit,
// logging progress every 5 seconds purely as a diagnostic (spec.md §5:
// the poll never abandons the wait).
func (s *Supervisor) pollKillCommand(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			s.logger.Infof("Still waiting for terminate command to exit, id: %s", s.ID())
		}
	}
}

// watchExit is the dedicated child-exit watcher (spec.md §4.2).
func (s *Supervisor) watchExit(rc *runningContext) {
	waitErr := rc.cmd.Wait()

	rc.mu.Lock()
	rc.running = false
	expectedCrash := rc.expectedCrash
	wasZapped := rc.wasZapped
	rc.cond.Broadcast()
	rc.mu.Unlock()

	pid := s.waitForPid()

	var failureReason string
	if !expectedCrash {
		if pid == 0 {
			failureReason = fmt.Sprintf("Server crashed before reporting PID, id: %s", s.ID())
			if wasZapped {
				failureReason = fmt.Sprintf("Server crashed before reporting PID after restart, id: %s", s.ID())
			}
		} else {
			exitCode := exitCodeOf(waitErr)
			failureReason = fmt.Sprintf("Unexpected server crash, id: %s, PID %d, status: %d", s.ID(), pid, exitCode)
		}
		s.logger.Errorf("%s", failureReason)
	} else {
		s.logger.Infof("Server terminated as expected, id: %s", s.ID())
	}

	rc.mu.Lock()
	if rc.stdoutFile != nil {
		rc.stdoutFile.Close()
	}
	if rc.stderrFile != nil {
		rc.stderrFile.Close()
	}
	rc.mu.Unlock()

	s.notifier.NoteTermination(s, expectedCrash, failureReason)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func (s *Supervisor) openLogFiles() (stdout, stderr *os.File, err error) {
	stdoutPath := s.identity.WorkingDirectory + string(os.PathSeparator) + "stdout.log"
	stderrPath := s.identity.WorkingDirectory + string(os.PathSeparator) + "stderr.log"

	stdout, err = os.OpenFile(stdoutPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err = os.OpenFile(stderrPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}
