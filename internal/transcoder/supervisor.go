package transcoder

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
)

const (
	// DefaultKillGrace is how long a stopped process may take to exit on its
	// own once its input is closed.
	DefaultKillGrace = 2 * time.Second

	firstFrameWarn  = 5 * time.Second
	firstFrameError = 22 * time.Second

	// exitCodeForced is what the transcoder returns when interrupted.
	exitCodeForced = 255
)

// Process roles, used in logs and metrics.
const (
	RoleStream      = "stream"
	RoleReturnAudio = "return_audio"
	RoleSnapshot    = "snapshot"
)

// ErrInputClosed is returned by Write after the process input was closed.
var ErrInputClosed = stderrors.New("transcoder input closed")

// Owner is the session side of a supervised process. Both methods are called
// from the supervisor's own goroutines, never while Spawn is running.
type Owner interface {
	// StopStream tears the session down.
	StopStream(sessionID string)
	// ForceStopStream tells the hub the session is over.
	ForceStopStream(sessionID string)
}

// ReadyFunc is invoked at most once: with nil on the first diagnostic line,
// or with the failure if the process could not start or died first.
type ReadyFunc func(err error)

// Options configure one supervised process.
type Options struct {
	Path      string
	Args      string // split on whitespace, no quoting
	SessionID string
	Role      string
	Debug     bool // log non-error diagnostic lines
	KillGrace time.Duration
	Logger    logger.Logger
	Owner     Owner
	Ready     ReadyFunc
}

// Supervisor wraps one running transcoder process.
type Supervisor struct {
	opts   Options
	logger logger.Logger
	diag   *logger.ThrottledLogger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	start time.Time

	ready       readyLatch
	stopping    atomic.Bool
	inputClosed atomic.Bool
	firstFrame  atomic.Bool

	stopOnce  sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	killTimer *time.Timer
	progress  Progress
	exited    bool

	done chan struct{}
}

type readyLatch struct {
	once sync.Once
	fn   ReadyFunc
}

// fire reports whether this call delivered err to the callback.
func (l *readyLatch) fire(err error) bool {
	if l.fn == nil {
		return false
	}
	fired := false
	l.once.Do(func() {
		fired = true
		l.fn(err)
	})
	return fired
}

// Spawn starts the process described by opts and returns immediately. A
// failure to start is reported asynchronously through Ready and the Owner.
func Spawn(opts Options) *Supervisor {
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.Role == "" {
		opts.Role = RoleStream
	}

	log := logger.WithComponent(logger.OrNull(opts.Logger), "transcoder").WithFields(map[string]interface{}{
		"role":       opts.Role,
		"session_id": opts.SessionID,
	})

	s := &Supervisor{
		opts:   opts,
		logger: log,
		diag:   logger.NewThrottledLogger(log, 20, 50),
		ready:  readyLatch{fn: opts.Ready},
		start:  time.Now(),
		done:   make(chan struct{}),
	}

	if err := s.startProcess(); err != nil {
		metrics.RecordSpawn(opts.Role, err)
		go s.spawnFailed(err)
		return s
	}
	metrics.RecordSpawn(opts.Role, nil)

	return s
}

func (s *Supervisor) startProcess() error {
	args := strings.Fields(s.opts.Args)
	s.logger.WithField("path", s.opts.Path).Debugf("Transcoder command: %s %s", s.opts.Path, strings.Join(args, " "))

	cmd := exec.Command(s.opts.Path, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.NewProcessSpawnError(err, s.opts.Path)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.NewProcessSpawnError(err, s.opts.Path)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.NewProcessSpawnError(err, s.opts.Path)
	}

	if err := cmd.Start(); err != nil {
		return errors.NewProcessSpawnError(err, s.opts.Path)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.logger = s.logger.WithField("pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanProgress(stdout, s.handleProgress)
	}()
	go func() {
		defer readers.Done()
		scanDiagnostics(stderr, s.handleDiagnostic)
	}()

	go func() {
		readers.Wait()
		s.handleExit(cmd.Wait())
	}()

	return nil
}

func (s *Supervisor) spawnFailed(err error) {
	s.logger.WithError(err).Error("Failed to start transcoder")
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
	close(s.done)

	s.ready.fire(err)
	if s.opts.Owner != nil {
		s.opts.Owner.StopStream(s.opts.SessionID)
	}
}

func (s *Supervisor) handleProgress(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()

	if p.Frame > 0 && s.firstFrame.CompareAndSwap(false, true) {
		elapsed := time.Since(s.start)
		metrics.ObserveFirstFrame(elapsed)

		msg := fmt.Sprintf("Getting the first frames took %.3f seconds", elapsed.Seconds())
		switch {
		case elapsed < firstFrameWarn:
			s.logger.Debug(msg)
		case elapsed < firstFrameError:
			s.logger.Warn(msg)
		default:
			s.logger.Error(msg)
		}
	}
}

func (s *Supervisor) handleDiagnostic(line string) {
	s.ready.fire(nil)

	level := ClassifyLine(line)
	if level <= logrus.ErrorLevel {
		s.logger.Error(line)
		return
	}
	if s.opts.Debug {
		s.diag.LogCategory(level, logger.CategoryDiagnostics, line, nil)
	}
}

func (s *Supervisor) handleExit(waitErr error) {
	s.mu.Lock()
	s.exited = true
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	s.mu.Unlock()
	defer close(s.done)

	if waitErr != nil && s.cmd.ProcessState == nil {
		s.logger.WithError(waitErr).Error("Waiting for transcoder failed")
	}
	code, signal := exitStatus(s.cmd.ProcessState)
	msg := fmt.Sprintf("Transcoder exited with code: %d and signal: %s", code, signal)
	log := s.logger.WithFields(map[string]interface{}{
		"exit_code": code,
		"signal":    signal,
	})

	switch {
	case s.stopping.Load() && code == 0:
		metrics.RecordExit(s.opts.Role, metrics.ExitExpected)
		log.Debug(msg + " (Expected)")

	case s.stopping.Load():
		metrics.RecordExit(s.opts.Role, metrics.ExitForced)
		log.Debug(msg + " (Forced)")

	case signal != "" || code == exitCodeForced:
		metrics.RecordExit(s.opts.Role, metrics.ExitUnexpected)
		log.Error(msg + " (Unexpected)")

	default:
		metrics.RecordExit(s.opts.Role, metrics.ExitFailed)
		log.Error(msg + " (Error)")

		if s.opts.Owner != nil {
			s.opts.Owner.StopStream(s.opts.SessionID)
		}
		if !s.ready.fire(errors.NewProcessExitError(code, signal)) && s.opts.Owner != nil {
			s.opts.Owner.ForceStopStream(s.opts.SessionID)
		}
	}
}

func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return state.ExitCode(), ws.Signal().String()
	}
	return state.ExitCode(), ""
}

// Write feeds one buffer into the process input. It blocks only for the pipe
// write itself.
func (s *Supervisor) Write(b []byte) error {
	if s.stdin == nil || s.inputClosed.Load() {
		return ErrInputClosed
	}
	_, err := s.stdin.Write(b)
	return err
}

// CloseInput closes the process input. The transcoder treats it as the end of
// the stream.
func (s *Supervisor) CloseInput() error {
	var err error
	s.closeOnce.Do(func() {
		s.inputClosed.Store(true)
		if s.stdin != nil {
			err = s.stdin.Close()
		}
	})
	return err
}

// Stop closes the process input and kills the process if it is still running
// after the kill grace period. It is safe to call repeatedly, and before or
// after the process exits.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.cmd == nil {
			return
		}

		if err := s.CloseInput(); err != nil {
			s.logger.WithError(err).Debug("Closing transcoder input failed")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.exited {
			return
		}
		s.killTimer = time.AfterFunc(s.opts.KillGrace, s.kill)
	})
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return
	}

	s.logger.Warn("Transcoder did not exit after its input was closed, killing it")
	if err := s.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		s.logger.WithError(err).Error("Failed to kill transcoder")
	}
}

// Done is closed once the process has exited or failed to start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Progress returns the latest progress block.
func (s *Supervisor) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Pid returns the process id, or 0 if the process never started.
func (s *Supervisor) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
