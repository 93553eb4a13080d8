package transcoder

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	hooktest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/logger"
)

// writeScript stores a shell script that is run through /bin/sh, which avoids
// executing a file that was just written.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcoder.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

type fakeOwner struct {
	mu     sync.Mutex
	stops  []string
	forced []string
}

func (o *fakeOwner) StopStream(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops = append(o.stops, id)
}

func (o *fakeOwner) ForceStopStream(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forced = append(o.forced, id)
}

func (o *fakeOwner) calls() ([]string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.stops...), append([]string(nil), o.forced...)
}

type readyRecorder struct {
	mu    sync.Mutex
	calls []error
	fired chan struct{}
}

func newReadyRecorder() *readyRecorder {
	return &readyRecorder{fired: make(chan struct{}, 4)}
}

func (r *readyRecorder) fn(err error) {
	r.mu.Lock()
	r.calls = append(r.calls, err)
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *readyRecorder) results() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.calls...)
}

func testLogger() (logger.Logger, *hooktest.Hook) {
	log, hook := hooktest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return logger.NewLogrusAdapter(logrus.NewEntry(log)), hook
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transcoder did not exit")
	}
}

func hasMessage(hook *hooktest.Hook, substr string) bool {
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestSupervisor_ReadyOnFirstDiagnosticLine(t *testing.T) {
	script := writeScript(t, "echo 'Input #0, image2pipe' >&2\ncat > /dev/null\n")
	owner := &fakeOwner{}
	ready := newReadyRecorder()
	log, hook := testLogger()

	s := Spawn(Options{
		Path:      "/bin/sh",
		Args:      script,
		SessionID: "s1",
		Logger:    log,
		Owner:     owner,
		Ready:     ready.fn,
	})

	select {
	case <-ready.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("ready was not called")
	}
	assert.Equal(t, []error{nil}, ready.results())
	assert.NotZero(t, s.Pid())

	s.Stop()
	waitDone(t, s)

	stops, forced := owner.calls()
	assert.Empty(t, stops)
	assert.Empty(t, forced)
	assert.True(t, hasMessage(hook, "(Expected)"))
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	owner := &fakeOwner{}
	ready := newReadyRecorder()

	s := Spawn(Options{
		Path:      filepath.Join(t.TempDir(), "missing"),
		SessionID: "s2",
		Owner:     owner,
		Ready:     ready.fn,
	})
	waitDone(t, s)

	select {
	case <-ready.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("ready was not called")
	}
	results := ready.results()
	require.Len(t, results, 1)
	assert.True(t, errors.IsType(results[0], errors.ErrorTypeProcessSpawn))

	assert.Eventually(t, func() bool {
		stops, _ := owner.calls()
		return len(stops) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, forced := owner.calls()
	assert.Empty(t, forced)
	assert.Zero(t, s.Pid())
	assert.ErrorIs(t, s.Write([]byte("x")), ErrInputClosed)

	// Stopping a process that never ran is a no-op.
	s.Stop()
}

func TestSupervisor_ExitBeforeReady(t *testing.T) {
	script := writeScript(t, "exit 1\n")
	owner := &fakeOwner{}
	ready := newReadyRecorder()
	log, hook := testLogger()

	s := Spawn(Options{
		Path:      "/bin/sh",
		Args:      script,
		SessionID: "s3",
		Logger:    log,
		Owner:     owner,
		Ready:     ready.fn,
	})
	waitDone(t, s)

	results := ready.results()
	require.Len(t, results, 1)
	appErr, ok := errors.GetAppError(results[0])
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeProcessExit, appErr.Type)
	assert.Equal(t, 1, appErr.Details["code"])

	stops, forced := owner.calls()
	assert.Equal(t, []string{"s3"}, stops)
	assert.Empty(t, forced)
	assert.True(t, hasMessage(hook, "Transcoder exited with code: 1 and signal:  (Error)"))
}

func TestSupervisor_ExitAfterReady(t *testing.T) {
	script := writeScript(t, "echo 'Stream mapping:' >&2\nexit 1\n")
	owner := &fakeOwner{}
	ready := newReadyRecorder()

	s := Spawn(Options{
		Path:      "/bin/sh",
		Args:      script,
		SessionID: "s4",
		Owner:     owner,
		Ready:     ready.fn,
	})
	waitDone(t, s)

	assert.Equal(t, []error{nil}, ready.results())

	stops, forced := owner.calls()
	assert.Equal(t, []string{"s4"}, stops)
	assert.Equal(t, []string{"s4"}, forced)
}

func TestSupervisor_ExitWithoutReadyCallback(t *testing.T) {
	script := writeScript(t, "exit 2\n")
	owner := &fakeOwner{}

	s := Spawn(Options{
		Path:      "/bin/sh",
		Args:      script,
		SessionID: "s5",
		Role:      RoleReturnAudio,
		Owner:     owner,
	})
	waitDone(t, s)

	stops, forced := owner.calls()
	assert.Equal(t, []string{"s5"}, stops)
	assert.Equal(t, []string{"s5"}, forced)
}

func TestSupervisor_ForcedExitIsNotTornDown(t *testing.T) {
	script := writeScript(t, "exit 255\n")
	owner := &fakeOwner{}
	log, hook := testLogger()

	s := Spawn(Options{
		Path:      "/bin/sh",
		Args:      script,
		SessionID: "s6",
		Logger:    log,
		Owner:     owner,
	})
	waitDone(t, s)

	stops, forced := owner.calls()
	assert.Empty(t, stops)
	assert.Empty(t, forced)
	assert.True(t, hasMessage(hook, "(Unexpected)"))
}

func TestSupervisor_KillAfterGrace(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	owner := &fakeOwner{}
	log, hook := testLogger()

	s := Spawn(Options{
		Path:      "/bin/sh",
		Args:      script,
		SessionID: "s7",
		KillGrace: 100 * time.Millisecond,
		Logger:    log,
		Owner:     owner,
	})

	start := time.Now()
	s.Stop()
	s.Stop()
	waitDone(t, s)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, hasMessage(hook, "killing it"))
	assert.True(t, hasMessage(hook, "(Forced)"))

	stops, forced := owner.calls()
	assert.Empty(t, stops)
	assert.Empty(t, forced)
}

func TestSupervisor_WriteAndCloseInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	script := writeScript(t, "cat > "+out+"\n")

	s := Spawn(Options{Path: "/bin/sh", Args: script, SessionID: "s8"})

	require.NoError(t, s.Write([]byte("frame-1")))
	require.NoError(t, s.Write([]byte("frame-2")))
	require.NoError(t, s.CloseInput())
	require.NoError(t, s.CloseInput())
	assert.ErrorIs(t, s.Write([]byte("late")), ErrInputClosed)

	s.Stop()
	waitDone(t, s)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "frame-1frame-2", string(data))
}

func TestSupervisor_Progress(t *testing.T) {
	script := writeScript(t, "printf 'frame=12\\nfps=25.0\\nprogress=continue\\n'\ncat > /dev/null\n")
	log, hook := testLogger()

	s := Spawn(Options{Path: "/bin/sh", Args: script, SessionID: "s9", Logger: log})

	assert.Eventually(t, func() bool {
		return s.Progress().Frame == 12
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 25.0, s.Progress().FPS)
	assert.Eventually(t, func() bool {
		return hasMessage(hook, "Getting the first frames took")
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	waitDone(t, s)
}
