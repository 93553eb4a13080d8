package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zsiec/doorway/internal/device"
	"github.com/zsiec/doorway/internal/logger"
)

const idleKey = "idle"

// prefetchInterval spaces background fetches while the device keeps failing.
const prefetchInterval = 5 * time.Second

// Fallback is the idle image, fetched from the device on first use and shared
// by every accessory. Concurrent first users share a single fetch; a failed
// fetch is retried by the next caller. Background prefetches are rate limited
// so a stream feed polling an offline device does not fetch on every tick.
type Fallback struct {
	client  device.Client
	timeout time.Duration
	logger  logger.Logger

	group    singleflight.Group
	prefetch *rate.Limiter

	mu    sync.RWMutex
	image []byte
}

// NewFallback creates the idle image holder. Nothing is fetched until the
// first Get or Prefetch.
func NewFallback(client device.Client, timeout time.Duration, log logger.Logger) *Fallback {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fallback{
		client:   client,
		timeout:  timeout,
		logger:   logger.WithComponent(logger.OrNull(log), "fallback"),
		prefetch: rate.NewLimiter(rate.Every(prefetchInterval), 1),
	}
}

// Cached returns the idle image if it was already fetched.
func (f *Fallback) Cached() ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.image, f.image != nil
}

// Get returns the idle image, fetching it if needed.
func (f *Fallback) Get(ctx context.Context) ([]byte, error) {
	if img, ok := f.Cached(); ok {
		return img, nil
	}

	ch := f.group.DoChan(idleKey, f.fetch)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch starts a fetch in the background unless the image is cached or
// a prefetch was started within the last prefetchInterval.
func (f *Fallback) Prefetch() {
	if _, ok := f.Cached(); ok {
		return
	}
	if !f.prefetch.Allow() {
		return
	}
	f.group.DoChan(idleKey, f.fetch)
}

func (f *Fallback) fetch() (interface{}, error) {
	if img, ok := f.Cached(); ok {
		return img, nil
	}
	if f.client == nil {
		return nil, fmt.Errorf("no device client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	img, err := f.client.FetchIdleImage(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Failed to fetch idle image")
		return nil, err
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("idle image is empty")
	}

	f.mu.Lock()
	f.image = img
	f.mu.Unlock()

	f.logger.WithField("bytes", len(img)).Debug("Idle image fetched")
	return img, nil
}
