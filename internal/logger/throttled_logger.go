package logger

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ThrottledLogger rate-limits chatty log categories, such as transcoder
// diagnostic output. Error level messages are never throttled. When a message
// gets through after others were dropped, the drop count is attached as the
// "suppressed" field.
type ThrottledLogger struct {
	base  Logger
	every rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*throttle
}

type throttle struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottledLogger allows up to burst messages per category at once and
// then perSecond messages per second.
func NewThrottledLogger(base Logger, perSecond float64, burst int) *ThrottledLogger {
	return &ThrottledLogger{
		base:     OrNull(base),
		every:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*throttle),
	}
}

func (t *ThrottledLogger) category(name string) *throttle {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.limiters[name]
	if !ok {
		c = &throttle{limiter: rate.NewLimiter(t.every, t.burst)}
		t.limiters[name] = c
	}
	return c
}

// LogCategory logs msg at level unless the category is over its rate.
// It reports whether the message was written.
func (t *ThrottledLogger) LogCategory(level logrus.Level, category, msg string, fields map[string]interface{}) bool {
	log := t.base
	if len(fields) > 0 {
		log = log.WithFields(fields)
	}

	if level <= logrus.ErrorLevel {
		log.Log(level, msg)
		return true
	}

	c := t.category(category)
	if !c.limiter.Allow() {
		c.suppressed.Add(1)
		return false
	}

	if n := c.suppressed.Swap(0); n > 0 {
		log = log.WithField("suppressed", n)
	}
	log.Log(level, msg)
	return true
}

// Suppressed returns the number of messages dropped for category since the
// last one that was written.
func (t *ThrottledLogger) Suppressed(category string) int64 {
	return t.category(category).suppressed.Load()
}

// Base returns the unthrottled logger.
func (t *ThrottledLogger) Base() Logger {
	return t.base
}

// Log category names.
const (
	CategoryDiagnostics = "diagnostics"
	CategoryProgress    = "progress"
	CategoryLiveness    = "liveness"
	CategoryFeed        = "feed"
)
