// Package doorbell exposes one doorbell camera to the hub: streaming,
// snapshots and the motion state driven by device events.
package doorbell

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/doorway/internal/config"
	"github.com/zsiec/doorway/internal/device"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/internal/resolution"
	"github.com/zsiec/doorway/internal/snapshot"
	"github.com/zsiec/doorway/internal/stream"
	"github.com/zsiec/doorway/internal/transcoder"
)

// Options wire an Accessory to its collaborators.
type Options struct {
	Config     config.AccessoryConfig
	Stream     config.StreamConfig
	Snapshot   config.SnapshotConfig
	Transcoder config.TranscoderConfig

	Device   device.Client
	Fallback *snapshot.Fallback // shared by all accessories
	Hub      hub.Controller
	Runner   transcoder.Runner
	Recorder *registry.Recorder
	Logger   logger.Logger
}

// Accessory is one doorbell camera.
type Accessory struct {
	name         string
	device       device.Client
	fetchTimeout time.Duration
	logger       logger.Logger

	visitor  *snapshot.VisitorState
	pipeline *snapshot.Pipeline
	stream   *stream.Controller

	fetches sync.WaitGroup // in-flight visitor image downloads
}

// New creates an accessory from opts. A nil Fallback or Runner is replaced
// by one built from the device client and transcoder config.
func New(opts Options) *Accessory {
	name := opts.Config.Name
	log := logger.WithAccessory(logger.OrNull(opts.Logger), name)

	fallback := opts.Fallback
	if fallback == nil {
		fallback = snapshot.NewFallback(opts.Device, opts.Snapshot.FetchTimeout, opts.Logger)
	}
	runner := opts.Runner
	if runner == nil {
		runner = transcoder.NewExecRunner(opts.Transcoder.Path, opts.Logger)
	}

	visitor := snapshot.NewVisitorState(name, opts.Snapshot.VisitorTTL, opts.Logger)
	source := snapshot.NewSource(visitor, fallback)

	a := &Accessory{
		name:         name,
		device:       opts.Device,
		fetchTimeout: opts.Snapshot.FetchTimeout,
		logger:       log,
		visitor:      visitor,
	}
	if a.fetchTimeout <= 0 {
		a.fetchTimeout = 10 * time.Second
	}

	a.pipeline = snapshot.NewPipeline(snapshot.PipelineOptions{
		Accessory: name,
		Runner:    runner,
		Source:    source,
		Limits: resolution.Limits{
			MaxWidth:    opts.Config.MaxWidth,
			MaxHeight:   opts.Config.MaxHeight,
			ForceMax:    opts.Config.ForceMax,
			VideoFilter: opts.Config.VideoFilter,
		},
		CacheTTL: opts.Snapshot.CacheTTL,
		Logger:   opts.Logger,
	})

	a.stream = stream.NewController(stream.ControllerOptions{
		Accessory:  opts.Config,
		Stream:     opts.Stream,
		Transcoder: opts.Transcoder,
		Hub:        opts.Hub,
		Frames:     source,
		Recorder:   opts.Recorder,
		Logger:     opts.Logger,
	})

	for _, field := range opts.Config.SingleTokenWithWhitespace() {
		log.WithField("setting", field).Warn("Setting contains whitespace and will be split into separate transcoder arguments")
	}

	return a
}

func (a *Accessory) Name() string {
	return a.name
}

// PrepareStream answers the hub's prepare request.
func (a *Accessory) PrepareStream(ctx context.Context, req hub.PrepareRequest) (hub.PrepareResponse, error) {
	return a.stream.Prepare(ctx, req)
}

// HandleStreamRequest starts, stops or reconfigures a session.
func (a *Accessory) HandleStreamRequest(req hub.StreamRequest, cb hub.StreamCallback) {
	a.stream.HandleStreamRequest(req, cb)
}

// HandleSnapshotRequest delivers a snapshot of width x height to cb.
func (a *Accessory) HandleSnapshotRequest(ctx context.Context, width, height int, cb hub.SnapshotCallback) {
	a.pipeline.HandleSnapshotRequest(ctx, width, height, cb)
}

// MotionDetected reports whether a visitor is currently present.
func (a *Accessory) MotionDetected() bool {
	return a.visitor.MotionDetected()
}

// Visitor returns the current visitor, if any.
func (a *Accessory) Visitor() (snapshot.VisitorSnapshot, bool) {
	return a.visitor.Current()
}

// Sessions returns the ids of the running stream sessions.
func (a *Accessory) Sessions() []string {
	return a.stream.Sessions()
}

// HandleEvent applies a device event. A detected visitor's image is fetched
// in the background.
func (a *Accessory) HandleEvent(ev device.Event) {
	switch e := ev.(type) {
	case device.VisitorDetected:
		gen := a.visitor.Set(snapshot.VisitorSnapshot{
			Index:     e.Index,
			Location:  e.Location,
			Timestamp: e.Timestamp,
			MediaKind: e.MediaKind,
			IsUnread:  e.IsUnread,
		})
		a.logger.WithField("index", e.Index).Info("Visitor detected")

		a.fetches.Add(1)
		go a.fetchVisitorImage(gen, e.Index)

	case device.VisitorCleared:
		a.visitor.Clear()
		a.logger.Debug("Visitor cleared")

	default:
		a.logger.WithField("event", ev.String()).Debug("Ignoring device event")
	}
}

func (a *Accessory) fetchVisitorImage(gen uint64, index int) {
	defer a.fetches.Done()

	if a.device == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.fetchTimeout)
	defer cancel()

	img, err := a.device.FetchImage(ctx, index)
	if err != nil {
		a.logger.WithError(err).WithField("index", index).Warn("Failed to fetch visitor image")
		return
	}
	if !a.visitor.SetImage(gen, img) {
		a.logger.WithField("index", index).Debug("Visitor changed while its image was fetched")
	}
}

// Close stops all sessions and waits for pending image fetches.
func (a *Accessory) Close() {
	a.stream.Close()
	a.fetches.Wait()
	a.visitor.Close()
}
