package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/doorway/internal/config"
	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/internal/transcoder"
)

const (
	defaultRTCPInterval = 0.5 // seconds
	// livenessMultiplier is how many RTCP intervals may pass without a
	// datagram before the hub is considered gone.
	livenessMultiplier  = 5
	defaultFeedInterval = 33 * time.Millisecond
)

// FrameSource provides the still image fed into a live stream. Frame must
// not block and returns nil when there is nothing to show yet.
type FrameSource interface {
	Frame() []byte
}

// ControllerOptions configure a Controller.
type ControllerOptions struct {
	Accessory  config.AccessoryConfig
	Stream     config.StreamConfig
	Transcoder config.TranscoderConfig
	Hub        hub.Controller
	Frames     FrameSource
	Recorder   *registry.Recorder
	Logger     logger.Logger
}

// Controller runs the streaming sessions of one accessory.
type Controller struct {
	name       string
	settings   Settings
	transcoder config.TranscoderConfig
	hub        hub.Controller
	frames     FrameSource
	recorder   *registry.Recorder
	negotiator *Negotiator
	logger     logger.Logger
	diag       *logger.ThrottledLogger // per-datagram and feed chatter

	// mu guards active and every transition between pending and active.
	// Nothing that waits on a process, a socket or the network runs under it.
	mu     sync.Mutex
	active map[string]*activeSession
}

// activeSession is one started session. The resource fields are nil while
// the id is reserved and the transcoder is starting; they are set under mu.
type activeSession struct {
	id       string
	started  time.Time
	timeout  time.Duration          // liveness window
	main     *transcoder.Supervisor // encodes the stream
	ret      *transcoder.Supervisor // plays return audio, optional
	socket   *livenessSocket
	timer    *time.Timer   // inactivity timer, reset by every datagram
	feedStop chan struct{} // closed on release
	release  sync.Once
}

// NewController creates the controller for one accessory. Its negotiator
// holds prepared sessions for opts.Stream.PendingTTL.
func NewController(opts ControllerOptions) *Controller {
	name := opts.Accessory.Name
	log := logger.WithAccessory(logger.OrNull(opts.Logger), name)

	c := &Controller{
		name:       name,
		settings:   Settings{Accessory: opts.Accessory, Stream: opts.Stream},
		transcoder: opts.Transcoder,
		hub:        opts.Hub,
		frames:     opts.Frames,
		recorder:   opts.Recorder,
		logger:     logger.WithComponent(log, "stream"),
		active:     make(map[string]*activeSession),
	}
	c.diag = logger.NewThrottledLogger(c.logger, 1, 5)
	c.negotiator = NewNegotiator(name, opts.Stream.PendingTTL, opts.Recorder, log)
	c.negotiator.onExpire = func(string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.updateCounts()
	}
	return c
}

// Prepare handles the hub's prepare request. Preparing an id that is active
// stops the running session first, so an id is never both pending and
// active.
func (c *Controller) Prepare(ctx context.Context, req hub.PrepareRequest) (hub.PrepareResponse, error) {
	session, err := c.negotiator.allocate(ctx, req)
	if err != nil {
		return hub.PrepareResponse{}, err
	}

	c.mu.Lock()
	if prev, ok := c.active[req.SessionID]; ok {
		logger.WithSession(c.logger, req.SessionID).Debug("Session prepared again while active, stopping it")
		c.removeLocked(prev, metrics.StopReplaced)
	}
	c.negotiator.commit(session)
	c.updateCounts()
	c.mu.Unlock()

	return prepareResponse(session, req), nil
}

// HandleStreamRequest dispatches a start, stop or reconfigure request.
func (c *Controller) HandleStreamRequest(req hub.StreamRequest, done hub.StreamCallback) {
	if done == nil {
		done = func(error) {}
	}
	switch req.Type {
	case hub.RequestStart:
		c.Start(req, done)
	case hub.RequestStop:
		c.Stop(req.SessionID)
		done(nil)
	case hub.RequestReconfigure:
		c.Reconfigure(req, done)
	default:
		done(errors.NewValidationError(fmt.Sprintf("unknown stream request type: %s", req.Type)))
	}
}

// Reconfigure is acknowledged without touching the running stream.
func (c *Controller) Reconfigure(req hub.StreamRequest, done hub.StreamCallback) {
	c.logger.WithFields(map[string]interface{}{
		"session_id": req.SessionID,
		"width":      req.Video.Width,
		"height":     req.Video.Height,
		"fps":        req.Video.FPS,
		"bitrate":    req.Video.MaxBitrate,
	}).Debug("Received request to reconfigure, ignoring it")
	done(nil)
}

// Start activates a prepared session. done is called once the transcoder is
// ready or has failed, or right away when the session was never prepared.
//
// The id is reserved as active before the transcoder is spawned, and the
// spawn runs without the lock. A stop or prepare that arrives meanwhile
// removes the reservation, and the freshly started resources are discarded.
func (c *Controller) Start(req hub.StreamRequest, done hub.StreamCallback) {
	if done == nil {
		done = func(error) {}
	}
	id := req.SessionID
	log := logger.WithSession(c.logger, id)

	c.mu.Lock()
	session, ok := c.negotiator.Take(id)
	if !ok {
		c.mu.Unlock()
		log.Warn("Start requested for a session that was not prepared")
		metrics.IncrementRejected(c.name, string(errors.ErrorTypeNotFound))
		done(errors.NewSessionNotFoundError(id))
		return
	}

	entry := &activeSession{
		id:       id,
		started:  time.Now(),
		timeout:  livenessTimeout(req.Video.RTCPInterval),
		feedStop: make(chan struct{}),
	}
	c.active[id] = entry
	c.updateCounts()
	c.mu.Unlock()

	plan := buildStreamArgs(session, req, c.settings)
	if plan.audioError != "" {
		log.Error(plan.audioError)
	}
	log.Infof("Starting video stream: %s x %s, %d fps, %d kbps%s",
		dimension(plan.width), dimension(plan.height), plan.fps, plan.bitrate, audioState(plan.audio))

	socket, err := openLiveness(session.network(), session.VideoReturnPort,
		func(kind, detail string) { c.heartbeat(entry, kind, detail) },
		func(err error) { c.socketFailed(entry, err) })
	if err != nil {
		log.WithError(err).Error("Failed to open liveness socket")
		metrics.IncrementRejected(c.name, string(errors.ErrorTypePortAllocation))
		c.abandon(entry)
		done(errors.NewPortAllocationError(err))
		return
	}

	owner := &sessionOwner{c: c, entry: entry}
	main := transcoder.Spawn(transcoder.Options{
		Path:      c.transcoder.Path,
		Args:      plan.args,
		SessionID: id,
		Role:      transcoder.RoleStream,
		Debug:     c.settings.Accessory.Debug,
		KillGrace: c.transcoder.KillGrace,
		Logger:    c.logger,
		Owner:     owner,
		Ready:     transcoder.ReadyFunc(done),
	})

	var ret *transcoder.Supervisor
	if target := c.settings.Accessory.ReturnAudioTarget; target != "" {
		ret = transcoder.Spawn(transcoder.Options{
			Path:      c.transcoder.Path,
			Args:      returnAudioArgs(target, c.settings.Accessory.DebugReturn),
			SessionID: id,
			Role:      transcoder.RoleReturnAudio,
			Debug:     c.settings.Accessory.DebugReturn,
			KillGrace: c.transcoder.KillGrace,
			Logger:    c.logger,
			Owner:     owner,
		})
		c.sendReturnSDP(ret, session, log)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[id] != entry {
		log.Debug("Session ended while its transcoder was starting")
		discard(log, socket, main, ret)
		return
	}

	entry.socket, entry.main, entry.ret = socket, main, ret
	entry.timer = time.AfterFunc(entry.timeout, func() { c.livenessExpired(entry) })
	go c.feed(entry)

	metrics.IncrementStarted(c.name)

	record := session.record(c.name)
	record.Status = registry.StatusActive
	record.StartedAt = entry.started
	record.VideoCodec = plan.vcodec
	record.Width, record.Height = plan.width, plan.height
	record.FPS, record.Bitrate = plan.fps, plan.bitrate
	record.Audio = plan.audio
	c.recorder.Record(record)
}

// abandon drops a reservation whose start failed before anything ran.
func (c *Controller) abandon(entry *activeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[entry.id] != entry {
		return
	}
	delete(c.active, entry.id)
	c.release(entry)
	c.recorder.Remove(entry.id)
	c.updateCounts()
}

// discard stops resources started for a session that was removed while they
// were starting. Supervisor.Stop does not block.
func discard(log logger.Logger, socket *livenessSocket, main, ret *transcoder.Supervisor) {
	releaseResource(log, "socket", socket.Close)
	releaseResource(log, "transcoder", func() error {
		main.Stop()
		return nil
	})
	if ret != nil {
		releaseResource(log, "return audio transcoder", func() error {
			ret.Stop()
			return nil
		})
	}
}

func (c *Controller) sendReturnSDP(ret *transcoder.Supervisor, session *PendingSession, log logger.Logger) {
	payload, err := returnAudioSDP(session)
	if err != nil {
		log.WithError(err).Error("Failed to build return audio SDP")
	} else if err := ret.Write(payload); err != nil {
		log.WithError(err).Error("Failed to send return audio SDP")
	}
	if err := ret.CloseInput(); err != nil {
		log.WithError(err).Debug("Closing return audio input failed")
	}
}

// Stop tears a session down. Stopping a session that is not active is a
// no-op.
func (c *Controller) Stop(sessionID string) {
	c.stop(sessionID, metrics.StopRequested)
}

func (c *Controller) stop(sessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.active[sessionID]
	if !ok {
		c.logger.WithField("session_id", sessionID).Debug("No active session to stop")
		return
	}
	c.removeLocked(entry, reason)
}

// stopEntry stops entry if it is still the active session for its id.
func (c *Controller) stopEntry(entry *activeSession, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[entry.id] != entry {
		return false
	}
	c.removeLocked(entry, reason)
	return true
}

// removeLocked must be called with mu held.
func (c *Controller) removeLocked(entry *activeSession, reason string) {
	delete(c.active, entry.id)
	c.release(entry)

	logger.WithSession(c.logger, entry.id).WithField("reason", reason).Info("Stopped video stream")
	metrics.RecordSessionStop(c.name, reason, time.Since(entry.started))
	c.recorder.Remove(entry.id)
	c.updateCounts()
}

// release frees every resource of entry. A failure in one does not keep the
// others from being released.
func (c *Controller) release(entry *activeSession) {
	entry.release.Do(func() {
		log := logger.WithSession(c.logger, entry.id)

		releaseResource(log, "inactivity timer", func() error {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			return nil
		})
		releaseResource(log, "feed", func() error {
			close(entry.feedStop)
			return nil
		})
		releaseResource(log, "socket", func() error {
			if entry.socket == nil {
				return nil
			}
			return entry.socket.Close()
		})
		releaseResource(log, "transcoder", func() error {
			if entry.main != nil {
				entry.main.Stop()
			}
			return nil
		})
		releaseResource(log, "return audio transcoder", func() error {
			if entry.ret != nil {
				entry.ret.Stop()
			}
			return nil
		})
	})
}

func releaseResource(log logger.Logger, resource string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("resource", resource).Errorf("Panic while releasing %s: %v", resource, r)
		}
	}()
	if err := fn(); err != nil {
		log.WithError(err).WithField("resource", resource).Errorf("Error releasing %s", resource)
	}
}

func (c *Controller) heartbeat(entry *activeSession, kind, detail string) {
	metrics.IncrementLivenessDatagram(c.name, kind)
	c.diag.LogCategory(logrus.TraceLevel, logger.CategoryLiveness, "Liveness datagram", map[string]interface{}{
		"session_id": entry.id,
		"kind":       kind,
		"detail":     detail,
	})

	c.mu.Lock()
	current := c.active[entry.id] == entry
	// The timer is armed once the transcoder has been spawned.
	if current && entry.timer != nil {
		entry.timer.Reset(entry.timeout)
	}
	c.mu.Unlock()

	if current {
		c.recorder.Touch(entry.id)
	}
}

func (c *Controller) livenessExpired(entry *activeSession) {
	if !c.stopEntry(entry, metrics.StopTimeout) {
		return
	}
	logger.WithSession(c.logger, entry.id).Info("Device appears to be inactive, stopping stream")
	metrics.IncrementLivenessTimeout(c.name)
	if c.hub != nil {
		c.hub.ForceStopStreamingSession(entry.id)
	}
}

func (c *Controller) socketFailed(entry *activeSession, err error) {
	logger.WithSession(c.logger, entry.id).WithError(err).Error("Socket error")
	c.stopEntry(entry, metrics.StopSocket)
}

// feed writes the current frame into the transcoder until the session stops.
func (c *Controller) feed(entry *activeSession) {
	if c.frames == nil {
		return
	}
	interval := c.settings.Stream.FeedInterval
	if interval <= 0 {
		interval = defaultFeedInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-entry.feedStop:
			return
		case <-entry.main.Done():
			return
		case <-ticker.C:
		}

		frame := c.frames.Frame()
		if frame == nil {
			continue
		}
		if err := entry.main.Write(frame); err != nil {
			if stderrors.Is(err, transcoder.ErrInputClosed) {
				return
			}
			c.diag.LogCategory(logrus.DebugLevel, logger.CategoryFeed, "Failed to write frame", map[string]interface{}{
				"session_id": entry.id,
				"error":      err.Error(),
			})
			continue
		}
		metrics.IncrementFeedFrames(c.name)
	}
}

// Active reports whether id has a running session.
func (c *Controller) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// Pending reports whether id is prepared and waiting for start.
func (c *Controller) Pending(sessionID string) bool {
	return c.negotiator.Pending(sessionID)
}

// Sessions returns the ids of the running sessions.
func (c *Controller) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every session and discards prepared ones.
func (c *Controller) Close() {
	c.mu.Lock()
	for _, entry := range c.active {
		c.removeLocked(entry, metrics.StopRequested)
	}
	c.mu.Unlock()

	c.negotiator.Close()

	c.mu.Lock()
	c.updateCounts()
	c.mu.Unlock()
}

// updateCounts must be called with mu held.
func (c *Controller) updateCounts() {
	metrics.SetSessionCounts(c.name, c.negotiator.Len(), len(c.active))
}

// sessionOwner connects a supervisor to the session it was spawned for.
type sessionOwner struct {
	c     *Controller
	entry *activeSession
}

func (o *sessionOwner) StopStream(sessionID string) {
	o.c.stopEntry(o.entry, metrics.StopTranscoder)
}

// ForceStopStream tells the hub the session ended, unless the id was
// started again in the meantime.
func (o *sessionOwner) ForceStopStream(sessionID string) {
	o.c.mu.Lock()
	current, ok := o.c.active[sessionID]
	o.c.mu.Unlock()

	if ok && current != o.entry {
		return
	}
	if o.c.hub != nil {
		o.c.hub.ForceStopStreamingSession(sessionID)
	}
}

func livenessTimeout(rtcpInterval float64) time.Duration {
	if rtcpInterval <= 0 {
		rtcpInterval = defaultRTCPInterval
	}
	return time.Duration(rtcpInterval * livenessMultiplier * float64(time.Second))
}

func dimension(v int) string {
	if v > 0 {
		return fmt.Sprint(v)
	}
	return "native"
}

func audioState(on bool) string {
	if on {
		return " with audio"
	}
	return ""
}
