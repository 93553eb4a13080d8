package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session stop reasons
const (
	StopRequested  = "requested"
	StopTimeout    = "timeout"
	StopTranscoder = "transcoder"
	StopReplaced   = "replaced"
	StopSocket     = "socket"
)

// Transcoder exit reasons
const (
	ExitExpected   = "expected"
	ExitForced     = "forced"
	ExitUnexpected = "unexpected"
	ExitFailed     = "failed"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doorway_sessions_active",
		Help: "Number of active streaming sessions",
	}, []string{"accessory"})

	sessionsPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doorway_sessions_pending",
		Help: "Number of prepared sessions waiting for start",
	}, []string{"accessory"})

	sessionsPreparedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_sessions_prepared_total",
		Help: "Total prepare requests handled",
	}, []string{"accessory"})

	sessionsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_sessions_started_total",
		Help: "Total sessions moved from pending to active",
	}, []string{"accessory"})

	sessionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_sessions_rejected_total",
		Help: "Total start requests rejected",
	}, []string{"accessory", "error_type"})

	sessionsStoppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_sessions_stopped_total",
		Help: "Total sessions torn down by reason",
	}, []string{"accessory", "reason"})

	pendingExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_sessions_pending_expired_total",
		Help: "Total prepared sessions discarded because start never arrived",
	}, []string{"accessory"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doorway_session_duration_seconds",
		Help:    "Active session duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"accessory"})

	// Liveness metrics
	livenessDatagramsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_liveness_datagrams_total",
		Help: "Datagrams received on the liveness socket by kind",
	}, []string{"accessory", "kind"})

	livenessTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_liveness_timeouts_total",
		Help: "Sessions stopped because the hub went quiet",
	}, []string{"accessory"})

	// Transcoder metrics
	transcoderSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_transcoder_spawns_total",
		Help: "Transcoder processes started by role",
	}, []string{"role", "result"})

	transcoderExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_transcoder_exits_total",
		Help: "Transcoder process exits by role and reason",
	}, []string{"role", "reason"})

	transcoderRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "doorway_transcoder_running",
		Help: "Transcoder processes currently running",
	}, []string{"role"})

	transcoderFirstFrame = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "doorway_transcoder_first_frame_seconds",
		Help:    "Time from spawn to the first encoded frame",
		Buckets: []float64{0.5, 1, 2, 5, 10, 22, 30, 60},
	})

	feedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_feed_frames_total",
		Help: "Still frames written into live transcoders",
	}, []string{"accessory"})

	// Snapshot metrics
	snapshotRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_snapshot_requests_total",
		Help: "Snapshot requests by result",
	}, []string{"accessory", "result"})

	snapshotCoalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_snapshot_coalesced_total",
		Help: "Snapshot requests served by an in-flight fetch",
	}, []string{"accessory"})

	snapshotFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doorway_snapshot_fetch_duration_seconds",
		Help:    "Snapshot extraction duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 22, 30},
	}, []string{"accessory"})

	// Device event metrics
	visitorEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_visitor_events_total",
		Help: "Device events by kind",
	}, []string{"accessory", "event"})

	registryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_registry_errors_total",
		Help: "Session registry operations that failed",
	}, []string{"operation"})
)

// SetSessionCounts publishes the pending and active map sizes of one accessory.
func SetSessionCounts(accessory string, pending, active int) {
	sessionsPending.WithLabelValues(accessory).Set(float64(pending))
	sessionsActive.WithLabelValues(accessory).Set(float64(active))
}

func IncrementPrepared(accessory string) {
	sessionsPreparedTotal.WithLabelValues(accessory).Inc()
}

func IncrementStarted(accessory string) {
	sessionsStartedTotal.WithLabelValues(accessory).Inc()
}

func IncrementRejected(accessory, errorType string) {
	sessionsRejectedTotal.WithLabelValues(accessory, errorType).Inc()
}

// RecordSessionStop counts a teardown and observes how long the session ran.
func RecordSessionStop(accessory, reason string, lifetime time.Duration) {
	sessionsStoppedTotal.WithLabelValues(accessory, reason).Inc()
	sessionDuration.WithLabelValues(accessory).Observe(lifetime.Seconds())
}

func IncrementPendingExpired(accessory string) {
	pendingExpiredTotal.WithLabelValues(accessory).Inc()
}

// IncrementLivenessDatagram counts a datagram of the given kind (rtp, rtcp, unknown).
func IncrementLivenessDatagram(accessory, kind string) {
	livenessDatagramsTotal.WithLabelValues(accessory, kind).Inc()
}

func IncrementLivenessTimeout(accessory string) {
	livenessTimeoutsTotal.WithLabelValues(accessory).Inc()
}

// RecordSpawn counts a spawn attempt. A successful one also raises the running gauge.
func RecordSpawn(role string, err error) {
	if err != nil {
		transcoderSpawnsTotal.WithLabelValues(role, "error").Inc()
		return
	}
	transcoderSpawnsTotal.WithLabelValues(role, "ok").Inc()
	transcoderRunning.WithLabelValues(role).Inc()
}

// RecordExit counts a process exit and lowers the running gauge.
func RecordExit(role, reason string) {
	transcoderExitsTotal.WithLabelValues(role, reason).Inc()
	transcoderRunning.WithLabelValues(role).Dec()
}

func ObserveFirstFrame(d time.Duration) {
	transcoderFirstFrame.Observe(d.Seconds())
}

func IncrementFeedFrames(accessory string) {
	feedFramesTotal.WithLabelValues(accessory).Inc()
}

// RecordSnapshotRequest counts a snapshot request by result (ok, no_image).
func RecordSnapshotRequest(accessory, result string) {
	snapshotRequestsTotal.WithLabelValues(accessory, result).Inc()
}

func IncrementSnapshotCoalesced(accessory string) {
	snapshotCoalescedTotal.WithLabelValues(accessory).Inc()
}

func ObserveSnapshotFetch(accessory string, d time.Duration) {
	snapshotFetchDuration.WithLabelValues(accessory).Observe(d.Seconds())
}

func IncrementVisitorEvent(accessory, event string) {
	visitorEventsTotal.WithLabelValues(accessory, event).Inc()
}

func IncrementRegistryError(operation string) {
	registryErrorsTotal.WithLabelValues(operation).Inc()
}
