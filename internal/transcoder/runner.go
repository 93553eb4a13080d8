package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
)

// maxStderrTail bounds how much diagnostic output is kept for error messages.
const maxStderrTail = 2048

// Runner executes one-shot transcoder passes, such as single-frame extraction.
type Runner interface {
	// Run feeds stdin to the transcoder invoked with args and returns
	// everything it wrote to stdout.
	Run(ctx context.Context, args string, stdin []byte) ([]byte, error)
}

// ExecRunner runs the transcoder binary as a child process.
type ExecRunner struct {
	Path   string
	Logger logger.Logger
}

// NewExecRunner creates a Runner for the binary at path.
func NewExecRunner(path string, log logger.Logger) *ExecRunner {
	return &ExecRunner{
		Path:   path,
		Logger: logger.WithComponent(logger.OrNull(log), "transcoder").WithField("role", RoleSnapshot),
	}
}

func (r *ExecRunner) Run(ctx context.Context, args string, stdin []byte) ([]byte, error) {
	argv := strings.Fields(args)
	cmd := exec.CommandContext(ctx, r.Path, argv...)
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	log := logger.OrNull(r.Logger)
	log.Debugf("Transcoder command: %s %s", r.Path, strings.Join(argv, " "))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.RecordSpawn(RoleSnapshot, err)
		return nil, errors.NewProcessSpawnError(err, r.Path)
	}
	metrics.RecordSpawn(RoleSnapshot, nil)

	err := cmd.Wait()
	if err != nil {
		reason := metrics.ExitFailed
		if ctx.Err() != nil {
			reason = metrics.ExitForced
		}
		metrics.RecordExit(RoleSnapshot, reason)

		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError(fmt.Sprintf("transcoder pass cancelled after %s", time.Since(start).Round(time.Millisecond)))
		}
		code, signal := exitStatus(cmd.ProcessState)
		appErr := errors.NewProcessExitError(code, signal)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			appErr.Details["stderr"] = tail
		}
		return nil, appErr
	}
	metrics.RecordExit(RoleSnapshot, metrics.ExitExpected)

	return stdout.Bytes(), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
