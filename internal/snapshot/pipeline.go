package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
	"github.com/zsiec/doorway/internal/resolution"
	"github.com/zsiec/doorway/internal/transcoder"
)

const (
	// DefaultCacheTTL is how long a resolved fetch keeps answering new requests.
	DefaultCacheTTL = 3 * time.Second

	// extractTimeout bounds one transcoder pass.
	extractTimeout = 30 * time.Second

	slowFetch     = 5 * time.Second
	timedOutFetch = 22 * time.Second
)

// ErrNoImage is the only failure reported to snapshot callers.
var ErrNoImage = errors.NewNoImageError()

// Pipeline produces snapshots for one accessory. Requests that arrive while
// a fetch is in flight, or shortly after it resolved, share its result.
type Pipeline struct {
	accessory string
	runner    transcoder.Runner
	source    *Source
	limits    resolution.Limits
	cacheTTL  time.Duration
	logger    logger.Logger

	mu       sync.Mutex
	inflight *inflight // nil when no fetch is shared
}

// inflight is one fetch shared by every request that arrives before it is
// cleared. done is closed once image and err are set.
type inflight struct {
	done  chan struct{}
	image []byte
	err   error
}

// PipelineOptions configure a Pipeline.
type PipelineOptions struct {
	Accessory string
	Runner    transcoder.Runner
	Source    *Source
	Limits    resolution.Limits
	CacheTTL  time.Duration
	Logger    logger.Logger
}

// NewPipeline creates the snapshot pipeline of one accessory. A CacheTTL of
// zero or less uses DefaultCacheTTL.
func NewPipeline(opts PipelineOptions) *Pipeline {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Pipeline{
		accessory: opts.Accessory,
		runner:    opts.Runner,
		source:    opts.Source,
		limits:    opts.Limits,
		cacheTTL:  ttl,
		logger:    logger.WithComponent(logger.WithAccessory(logger.OrNull(opts.Logger), opts.Accessory), "snapshot"),
	}
}

// RequestSnapshot returns the source image passed through filter. A fetch
// already in flight is shared regardless of its filter.
func (p *Pipeline) RequestSnapshot(ctx context.Context, filter string) ([]byte, error) {
	p.mu.Lock()
	f := p.inflight
	if f == nil {
		f = &inflight{done: make(chan struct{})}
		p.inflight = f
		go p.fetch(f, filter)
	} else {
		metrics.IncrementSnapshotCoalesced(p.accessory)
	}
	p.mu.Unlock()

	select {
	case <-f.done:
		return f.image, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached reports whether a fetch is in flight or still retained.
func (p *Pipeline) cached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight != nil
}

func (p *Pipeline) fetch(f *inflight, filter string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
	defer cancel()

	f.image, f.err = p.extract(ctx, filter)
	close(f.done)

	time.AfterFunc(p.cacheTTL, func() {
		p.mu.Lock()
		if p.inflight == f {
			p.inflight = nil
		}
		p.mu.Unlock()
	})

	elapsed := time.Since(start)
	metrics.ObserveSnapshotFetch(p.accessory, elapsed)

	msg := fmt.Sprintf("Fetching snapshot took %.3f seconds", elapsed.Seconds())
	switch {
	case elapsed < slowFetch:
		p.logger.Debug(msg)
	case elapsed < timedOutFetch:
		p.logger.Warn(msg)
	default:
		p.logger.Error(msg + ". The request has timed out and the snapshot was not refreshed on the hub")
	}
}

func (p *Pipeline) extract(ctx context.Context, filter string) ([]byte, error) {
	src, err := p.source.Image(ctx)
	if err != nil {
		return nil, fmt.Errorf("no source image: %w", err)
	}

	out, err := p.runner.Run(ctx, frameArgs(filter, true), src)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed to fetch snapshot")
	}
	return out, nil
}

// ResizeSnapshot passes image through filter. The result is never cached.
func (p *Pipeline) ResizeSnapshot(ctx context.Context, image []byte, filter string) ([]byte, error) {
	out, err := p.runner.Run(ctx, frameArgs(filter, false), image)
	if err != nil {
		return nil, fmt.Errorf("failed to resize snapshot: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("failed to resize snapshot: no output")
	}
	return out, nil
}

// HandleSnapshotRequest answers a hub snapshot request of width x height.
// Failures are logged and reported to cb as ErrNoImage.
func (p *Pipeline) HandleSnapshotRequest(ctx context.Context, width, height int, cb hub.SnapshotCallback) {
	plan := resolution.Resolve(width, height, p.limits, true)
	cached := p.cached()
	p.logger.Debugf("Snapshot requested: %d x %d", width, height)

	raw, err := p.RequestSnapshot(ctx, plan.SnapFilter)
	if err != nil {
		p.fail(err, cb)
		return
	}

	msg := fmt.Sprintf("Sending snapshot: %s x %s", dimension(plan.Width), dimension(plan.Height))
	if cached {
		msg += " (cached)"
	}
	p.logger.Debug(msg)

	img, err := p.ResizeSnapshot(ctx, raw, plan.ResizeFilter)
	if err != nil {
		p.fail(err, cb)
		return
	}

	metrics.RecordSnapshotRequest(p.accessory, "ok")
	cb(img, nil)
}

func (p *Pipeline) fail(err error, cb hub.SnapshotCallback) {
	p.logger.WithError(err).Error("Snapshot failed")
	metrics.RecordSnapshotRequest(p.accessory, "no_image")
	cb(nil, ErrNoImage)
}

func dimension(v int) string {
	if v > 0 {
		return fmt.Sprint(v)
	}
	return "native"
}

// frameArgs builds a single-frame extraction pass reading from stdin.
func frameArgs(filter string, quiet bool) string {
	var b strings.Builder
	b.WriteString("-i pipe: -frames:v 1")
	if filter != "" {
		b.WriteString(" -filter:v " + filter)
	}
	b.WriteString(" -f image2 -")
	if quiet {
		b.WriteString(" -hide_banner -loglevel error")
	}
	return b.String()
}
