package snapshot

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/resolution"
)

type fakeDevice struct {
	calls   atomic.Int32
	release chan struct{}
	image   []byte
	err     error
}

func (d *fakeDevice) FetchImage(ctx context.Context, index int) ([]byte, error) {
	return nil, stderrors.New("not used")
}

func (d *fakeDevice) FetchIdleImage(ctx context.Context) ([]byte, error) {
	d.calls.Add(1)
	if d.release != nil {
		<-d.release
	}
	return d.image, d.err
}

type fakeRunner struct {
	mu      sync.Mutex
	args    []string
	inputs  [][]byte
	release chan struct{}
	run     func(args string, stdin []byte) ([]byte, error)
}

func (r *fakeRunner) Run(ctx context.Context, args string, stdin []byte) ([]byte, error) {
	r.mu.Lock()
	r.args = append(r.args, args)
	r.inputs = append(r.inputs, stdin)
	r.mu.Unlock()

	if r.release != nil {
		<-r.release
	}
	if r.run != nil {
		return r.run(args, stdin)
	}
	return append([]byte("out:"), stdin...), nil
}

func (r *fakeRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.args...)
}

func newTestSource(idle []byte) (*Source, *VisitorState) {
	visitor := NewVisitorState("front", time.Minute, nil)
	fallback := NewFallback(&fakeDevice{image: idle}, time.Second, nil)
	return NewSource(visitor, fallback), visitor
}

func TestVisitorState_AutoClear(t *testing.T) {
	v := NewVisitorState("front", 100*time.Millisecond, nil)
	defer v.Close()

	assert.False(t, v.MotionDetected())

	gen := v.Set(VisitorSnapshot{Index: 1, Location: "front"})
	assert.True(t, v.MotionDetected())
	assert.Nil(t, v.Image())
	assert.True(t, v.SetImage(gen, []byte("img")))
	assert.Equal(t, []byte("img"), v.Image())

	assert.Eventually(t, func() bool {
		return !v.MotionDetected()
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := v.Current()
	assert.False(t, ok)
	assert.Nil(t, v.Image())
	assert.False(t, v.SetImage(gen, []byte("late")))
}

func TestVisitorState_NewEventRestartsWindow(t *testing.T) {
	v := NewVisitorState("front", 300*time.Millisecond, nil)
	defer v.Close()

	v.Set(VisitorSnapshot{Index: 1})
	time.Sleep(200 * time.Millisecond)
	v.Set(VisitorSnapshot{Index: 2})
	time.Sleep(200 * time.Millisecond)

	current, ok := v.Current()
	require.True(t, ok)
	assert.Equal(t, 2, current.Index)

	assert.Eventually(t, func() bool {
		return !v.MotionDetected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVisitorState_Clear(t *testing.T) {
	v := NewVisitorState("front", time.Minute, nil)
	defer v.Close()

	first := v.Set(VisitorSnapshot{Index: 1})
	second := v.Set(VisitorSnapshot{Index: 2})
	assert.False(t, v.SetImage(first, []byte("stale")))
	assert.True(t, v.SetImage(second, []byte("fresh")))

	v.Clear()
	v.Clear()
	assert.False(t, v.MotionDetected())
	assert.False(t, v.SetImage(second, []byte("late")))
}

func TestFallback_SingleFetch(t *testing.T) {
	dev := &fakeDevice{image: []byte("idle"), release: make(chan struct{})}
	f := NewFallback(dev, time.Second, nil)

	_, ok := f.Cached()
	assert.False(t, ok)

	var wg sync.WaitGroup
	results := make([][]byte, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, err := f.Get(context.Background())
			assert.NoError(t, err)
			results[i] = img
		}(i)
	}

	assert.Eventually(t, func() bool { return dev.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(dev.release)
	wg.Wait()

	for _, img := range results {
		assert.Equal(t, []byte("idle"), img)
	}
	assert.Equal(t, int32(1), dev.calls.Load())

	img, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("idle"), img)
	assert.Equal(t, int32(1), dev.calls.Load())
}

func TestFallback_FailureIsRetried(t *testing.T) {
	dev := &fakeDevice{err: stderrors.New("device offline")}
	f := NewFallback(dev, time.Second, nil)

	_, err := f.Get(context.Background())
	require.Error(t, err)

	dev.err = nil
	dev.image = []byte("idle")
	img, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("idle"), img)
	assert.Equal(t, int32(2), dev.calls.Load())
}

func TestSource_FrameBacksOffFailingFallback(t *testing.T) {
	dev := &fakeDevice{err: stderrors.New("device offline")}
	visitor := NewVisitorState("front", time.Minute, nil)
	defer visitor.Close()
	src := NewSource(visitor, NewFallback(dev, time.Second, nil))

	// A second of feed ticks.
	for i := 0; i < 30; i++ {
		assert.Nil(t, src.Frame())
		time.Sleep(33 * time.Millisecond)
	}
	assert.Equal(t, int32(1), dev.calls.Load())

	// Explicit requests are not held back.
	_, err := src.Image(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), dev.calls.Load())
}

func TestSource_PrefersVisitorImage(t *testing.T) {
	src, visitor := newTestSource([]byte("idle"))
	defer visitor.Close()

	assert.Eventually(t, func() bool {
		return string(src.Frame()) == "idle"
	}, time.Second, 5*time.Millisecond)

	gen := visitor.Set(VisitorSnapshot{Index: 4})
	img, err := src.Image(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", string(img), "visitor image not fetched yet")

	visitor.SetImage(gen, []byte("visitor"))
	assert.Equal(t, "visitor", string(src.Frame()))
}

func TestPipeline_CoalescesConcurrentRequests(t *testing.T) {
	src, visitor := newTestSource([]byte("idle"))
	defer visitor.Close()
	runner := &fakeRunner{release: make(chan struct{})}
	p := NewPipeline(PipelineOptions{Accessory: "front", Runner: runner, Source: src, CacheTTL: 300 * time.Millisecond})

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, err := p.RequestSnapshot(context.Background(), "")
			assert.NoError(t, err)
			results[i] = img
		}(i)
	}

	assert.Eventually(t, func() bool { return len(runner.calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(runner.release)
	wg.Wait()

	assert.Equal(t, results[0], results[1])
	assert.Equal(t, "out:idle", string(results[0]))
	require.Len(t, runner.calls(), 1)
	assert.Equal(t, "-i pipe: -frames:v 1 -f image2 - -hide_banner -loglevel error", runner.calls()[0])

	// Still retained right after resolution.
	_, err := p.RequestSnapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, runner.calls(), 1)

	// A request after the retention window starts a fresh fetch.
	time.Sleep(400 * time.Millisecond)
	_, err = p.RequestSnapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, runner.calls(), 2)
}

func TestPipeline_RequestHonoursContext(t *testing.T) {
	src, visitor := newTestSource([]byte("idle"))
	defer visitor.Close()
	runner := &fakeRunner{release: make(chan struct{})}
	defer close(runner.release)
	p := NewPipeline(PipelineOptions{Runner: runner, Source: src})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.RequestSnapshot(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeline_HandleSnapshotRequest(t *testing.T) {
	src, visitor := newTestSource([]byte("idle"))
	defer visitor.Close()
	runner := &fakeRunner{}
	p := NewPipeline(PipelineOptions{
		Accessory: "front",
		Runner:    runner,
		Source:    src,
		Limits:    resolution.Limits{MaxWidth: 1280, MaxHeight: 720, ForceMax: true, VideoFilter: "hflip"},
	})

	var got []byte
	var gotErr error
	p.HandleSnapshotRequest(context.Background(), 640, 360, func(img []byte, err error) {
		got, gotErr = img, err
	})

	require.NoError(t, gotErr)
	assert.Equal(t, "out:out:idle", string(got))

	calls := runner.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "-i pipe: -frames:v 1 -filter:v hflip -f image2 - -hide_banner -loglevel error", calls[0])
	assert.Equal(t, "-i pipe: -frames:v 1 -filter:v scale='min(640,iw)':'min(360,ih)':force_original_aspect_ratio=decrease,pad=640:360:(ow-iw)/2:(oh-ih)/2 -f image2 -", calls[1])
}

func TestPipeline_FailuresBecomeNoImage(t *testing.T) {
	tests := []struct {
		name string
		run  func(args string, stdin []byte) ([]byte, error)
	}{
		{
			name: "spawn failure",
			run: func(string, []byte) ([]byte, error) {
				return nil, errors.NewProcessSpawnError(stderrors.New("no such file"), "ffmpeg")
			},
		},
		{
			name: "empty extraction",
			run: func(string, []byte) ([]byte, error) {
				return nil, nil
			},
		},
		{
			name: "resize failure",
			run: func(args string, stdin []byte) ([]byte, error) {
				if strings.Contains(args, "-hide_banner") {
					return []byte("frame"), nil
				}
				return nil, errors.NewProcessExitError(1, "")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, visitor := newTestSource([]byte("idle"))
			defer visitor.Close()
			p := NewPipeline(PipelineOptions{Accessory: "front", Runner: &fakeRunner{run: tt.run}, Source: src})

			var gotErr error
			var got []byte
			p.HandleSnapshotRequest(context.Background(), 0, 0, func(img []byte, err error) {
				got, gotErr = img, err
			})

			assert.Nil(t, got)
			assert.Equal(t, ErrNoImage, gotErr)
			assert.True(t, errors.IsType(gotErr, errors.ErrorTypeNoImage))
		})
	}
}

func TestPipeline_NoSourceImage(t *testing.T) {
	visitor := NewVisitorState("front", time.Minute, nil)
	defer visitor.Close()
	src := NewSource(visitor, NewFallback(&fakeDevice{err: stderrors.New("offline")}, time.Second, nil))
	runner := &fakeRunner{}
	p := NewPipeline(PipelineOptions{Runner: runner, Source: src})

	var gotErr error
	p.HandleSnapshotRequest(context.Background(), 0, 0, func(_ []byte, err error) { gotErr = err })

	assert.Equal(t, ErrNoImage, gotErr)
	assert.Empty(t, runner.calls())
}
