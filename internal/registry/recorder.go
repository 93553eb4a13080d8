package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
)

const (
	defaultRecordTimeout = 2 * time.Second
	defaultTouchInterval = 5 * time.Second
	recorderQueueSize    = 256
)

// Recorder writes to a Registry off the caller's goroutine. Session state
// transitions must never wait on the registry, so every call returns at once,
// writes are applied in order by a single worker and failures are only logged.
type Recorder struct {
	registry      Registry
	logger        logger.Logger
	timeout       time.Duration
	touchInterval time.Duration

	mu        sync.Mutex
	lastTouch map[string]time.Time

	ops   chan operation
	start sync.Once
}

// operation is one queued registry write. An operation with a flushed channel
// and no fn is a barrier: the worker closes flushed once every earlier write
// has been applied.
type operation struct {
	name      string
	sessionID string
	fn        func(ctx context.Context) error
	flushed   chan struct{}
}

// NewRecorder wraps reg. A nil registry yields a Recorder that does nothing.
func NewRecorder(reg Registry, log logger.Logger) *Recorder {
	return &Recorder{
		registry:      reg,
		logger:        logger.WithComponent(logger.OrNull(log), "registry"),
		timeout:       defaultRecordTimeout,
		touchInterval: defaultTouchInterval,
		lastTouch:     make(map[string]time.Time),
		ops:           make(chan operation, recorderQueueSize),
	}
}

func (r *Recorder) run() {
	for op := range r.ops {
		if op.fn != nil {
			r.apply(op)
		}
		if op.flushed != nil {
			close(op.flushed)
		}
	}
}

func (r *Recorder) apply(op operation) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := op.fn(ctx); err != nil && !errors.Is(err, ErrSessionNotFound) {
		metrics.IncrementRegistryError(op.name)
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"operation":  op.name,
			"session_id": op.sessionID,
		}).Warn("Session registry update failed")
	}
}

func (r *Recorder) do(name string, sessionID string, fn func(ctx context.Context) error) {
	if r == nil || r.registry == nil {
		return
	}
	r.start.Do(func() { go r.run() })

	select {
	case r.ops <- operation{name: name, sessionID: sessionID, fn: fn}:
	default:
		metrics.IncrementRegistryError(name)
		r.logger.WithField("session_id", sessionID).Warn("Session registry queue full, dropping update")
	}
}

// Record stores a snapshot of session.
func (r *Recorder) Record(session Session) {
	r.do("record", session.ID, func(ctx context.Context) error {
		return r.registry.Register(ctx, &session)
	})
}

// Touch refreshes a session's heartbeat, at most once per touch interval.
func (r *Recorder) Touch(sessionID string) {
	if r == nil || r.registry == nil {
		return
	}

	now := time.Now()
	r.mu.Lock()
	last, ok := r.lastTouch[sessionID]
	if ok && now.Sub(last) < r.touchInterval {
		r.mu.Unlock()
		return
	}
	r.lastTouch[sessionID] = now
	r.mu.Unlock()

	r.do("heartbeat", sessionID, func(ctx context.Context) error {
		return r.registry.Heartbeat(ctx, sessionID)
	})
}

// Remove deletes a session.
func (r *Recorder) Remove(sessionID string) {
	if r == nil || r.registry == nil {
		return
	}

	r.mu.Lock()
	delete(r.lastTouch, sessionID)
	r.mu.Unlock()

	r.do("unregister", sessionID, func(ctx context.Context) error {
		return r.registry.Unregister(ctx, sessionID)
	})
}

// Wait blocks until every write queued before the call has been applied.
// Writes queued concurrently with Wait may or may not be included.
func (r *Recorder) Wait() {
	if r == nil || r.registry == nil {
		return
	}
	r.start.Do(func() { go r.run() })

	flushed := make(chan struct{})
	r.ops <- operation{name: "flush", flushed: flushed}
	<-flushed
}
