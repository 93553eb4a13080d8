// Package snapshot serves still images of the doorbell: the current visitor
// image or an idle fallback, passed through the transcoder.
package snapshot

import (
	"sync"
	"time"

	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
)

// DefaultVisitorTTL is how long a visitor stays reported without a new event
// or an explicit clear.
const DefaultVisitorTTL = 120 * time.Second

// VisitorSnapshot is the visitor the device reported last.
type VisitorSnapshot struct {
	Index     int       `json:"index"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
	MediaKind string    `json:"media_kind"`
	IsUnread  bool      `json:"is_unread"`
	Image     []byte    `json:"-"`
}

// VisitorState holds the current visitor of one accessory and clears it once
// the TTL passes.
type VisitorState struct {
	accessory string
	ttl       time.Duration
	logger    logger.Logger

	mu      sync.Mutex
	current *VisitorSnapshot
	timer   *time.Timer // auto-clear, restarted by Set
	// generation increments on every Set and Clear so late image downloads
	// and stale timers can tell they are out of date.
	generation uint64
}

// NewVisitorState creates an empty visitor state. A ttl of zero or less uses
// DefaultVisitorTTL.
func NewVisitorState(accessory string, ttl time.Duration, log logger.Logger) *VisitorState {
	if ttl <= 0 {
		ttl = DefaultVisitorTTL
	}
	return &VisitorState{
		accessory: accessory,
		ttl:       ttl,
		logger:    logger.WithAccessory(logger.OrNull(log), accessory),
	}
}

// Set records a new visitor and restarts the auto-clear window. It returns
// a generation to pass to SetImage.
func (v *VisitorState) Set(s VisitorSnapshot) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.generation++
	gen := v.generation
	v.current = &s

	if v.timer != nil {
		v.timer.Stop()
	}
	v.timer = time.AfterFunc(v.ttl, func() { v.expire(gen) })

	metrics.IncrementVisitorEvent(v.accessory, "detected")
	return gen
}

// SetImage attaches the fetched image to the visitor of generation gen. It
// reports false when that visitor was replaced or cleared in the meantime.
func (v *VisitorState) SetImage(gen uint64, image []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == nil || v.generation != gen {
		return false
	}
	updated := *v.current
	updated.Image = image
	v.current = &updated
	return true
}

// Clear forgets the visitor.
func (v *VisitorState) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == nil {
		return
	}
	v.reset()
	metrics.IncrementVisitorEvent(v.accessory, "cleared")
}

func (v *VisitorState) expire(gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.generation != gen || v.current == nil {
		return
	}
	v.logger.Debug("Visitor cleared after inactivity")
	v.reset()
	metrics.IncrementVisitorEvent(v.accessory, "expired")
}

// reset must be called with mu held.
func (v *VisitorState) reset() {
	v.generation++
	v.current = nil
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

// Current returns a copy of the visitor, if any.
func (v *VisitorState) Current() (VisitorSnapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == nil {
		return VisitorSnapshot{}, false
	}
	return *v.current, true
}

// Image returns the visitor image, or nil when there is none yet.
func (v *VisitorState) Image() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == nil {
		return nil
	}
	return v.current.Image
}

// MotionDetected reports whether a visitor is currently set.
func (v *VisitorState) MotionDetected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current != nil
}

// Close stops the auto-clear timer.
func (v *VisitorState) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}
