package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRegistry struct {
	*MemoryRegistry
}

func (f failingRegistry) Register(ctx context.Context, s *Session) error {
	return errors.New("connection refused")
}

func TestRecorder_AppliesInOrder(t *testing.T) {
	reg := NewMemoryRegistry()
	rec := NewRecorder(reg, nil)

	session := testSession("r1")
	session.Status = StatusActive
	rec.Record(*session)
	rec.Wait()

	got, err := reg.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	rec.Remove("r1")
	rec.Wait()

	_, err = reg.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecorder_WaitWithConcurrentWriters(t *testing.T) {
	reg := NewMemoryRegistry()
	rec := NewRecorder(reg, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := "w" + strconv.Itoa(w) + "-" + strconv.Itoa(i)
				rec.Record(*testSession(id))
				rec.Remove(id)
			}
		}(w)
	}

	// Waiting while other goroutines enqueue must neither race nor hang.
	for i := 0; i < 20; i++ {
		rec.Wait()
	}
	wg.Wait()

	rec.Record(*testSession("last"))
	rec.Wait()
	_, err := reg.Get(context.Background(), "last")
	require.NoError(t, err)

	sessions, err := reg.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRecorder_TouchIsThrottled(t *testing.T) {
	reg := NewMemoryRegistry()
	rec := NewRecorder(reg, nil)
	rec.touchInterval = time.Hour

	rec.Record(*testSession("r2"))
	rec.Wait()
	first, err := reg.Get(context.Background(), "r2")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	rec.Touch("r2")
	rec.Wait()
	touched, err := reg.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.True(t, touched.LastHeartbeat.After(first.LastHeartbeat))

	time.Sleep(2 * time.Millisecond)
	rec.Touch("r2")
	rec.Wait()
	throttled, err := reg.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, touched.LastHeartbeat, throttled.LastHeartbeat)
}

func TestRecorder_FailuresAreSwallowed(t *testing.T) {
	rec := NewRecorder(failingRegistry{NewMemoryRegistry()}, nil)

	assert.NotPanics(t, func() {
		rec.Record(*testSession("r3"))
		rec.Remove("never-recorded")
		rec.Wait()
	})
}

func TestRecorder_NilSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Record(Session{ID: "x"})
		rec.Touch("x")
		rec.Remove("x")
		rec.Wait()
	})

	empty := NewRecorder(nil, nil)
	assert.NotPanics(t, func() {
		empty.Record(Session{ID: "x"})
		empty.Touch("x")
		empty.Wait()
	})
}
