// Package stream negotiates hub streaming sessions and runs them: transport
// arguments for the transcoder, the liveness socket and the frame feed.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/metrics"
	"github.com/zsiec/doorway/internal/registry"
)

// DefaultPendingTTL bounds how long a prepared session waits for its start.
const DefaultPendingTTL = 60 * time.Second

// PendingSession is a prepared session waiting for the hub's start request.
type PendingSession struct {
	SessionID   string
	PeerAddress string
	IPVersion   hub.IPVersion

	VideoPort        int
	VideoReturnPort  int
	VideoCryptoSuite hub.CryptoSuite
	VideoKeySalt     []byte // master key followed by master salt
	VideoSSRC        uint32

	AudioPort        int
	AudioReturnPort  int
	AudioCryptoSuite hub.CryptoSuite
	AudioKeySalt     []byte
	AudioSSRC        uint32

	CreatedAt time.Time
}

// network returns the UDP network matching the session's address family.
func (p *PendingSession) network() string {
	if p.IPVersion == hub.IPv6 {
		return "udp6"
	}
	return "udp4"
}

func (p *PendingSession) record(accessory string) registry.Session {
	return registry.Session{
		ID:              p.SessionID,
		Accessory:       accessory,
		Status:          registry.StatusPending,
		PeerAddress:     p.PeerAddress,
		IPVersion:       string(p.IPVersion),
		VideoPort:       p.VideoPort,
		VideoReturnPort: p.VideoReturnPort,
		VideoSSRC:       p.VideoSSRC,
		AudioPort:       p.AudioPort,
		AudioReturnPort: p.AudioReturnPort,
		AudioSSRC:       p.AudioSSRC,
		CreatedAt:       p.CreatedAt,
	}
}

// pendingEntry pairs a prepared session with its expiry timer. The timer
// only acts if the entry is still the one stored for its id.
type pendingEntry struct {
	session *PendingSession
	timer   *time.Timer
}

// Negotiator handles the prepare phase of a session and holds prepared
// sessions until they are started or expire.
type Negotiator struct {
	accessory string
	ttl       time.Duration
	recorder  *registry.Recorder
	logger    logger.Logger
	onExpire  func(sessionID string) // called after an expired entry is dropped

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewNegotiator creates the negotiator for one accessory. A ttl of zero or
// less uses DefaultPendingTTL.
func NewNegotiator(accessory string, ttl time.Duration, recorder *registry.Recorder, log logger.Logger) *Negotiator {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Negotiator{
		accessory: accessory,
		ttl:       ttl,
		recorder:  recorder,
		logger:    logger.WithComponent(logger.WithAccessory(logger.OrNull(log), accessory), "negotiator"),
		pending:   make(map[string]*pendingEntry),
	}
}

// Prepare allocates the return ports and SSRCs for a session and stores it
// as pending. The hub's keys are echoed back unmodified. Preparing an id
// again replaces the earlier pending session.
func (n *Negotiator) Prepare(ctx context.Context, req hub.PrepareRequest) (hub.PrepareResponse, error) {
	session, err := n.allocate(ctx, req)
	if err != nil {
		return hub.PrepareResponse{}, err
	}
	n.commit(session)
	return prepareResponse(session, req), nil
}

// allocate builds the pending session for req without storing it.
func (n *Negotiator) allocate(ctx context.Context, req hub.PrepareRequest) (*PendingSession, error) {
	session := &PendingSession{
		SessionID:        req.SessionID,
		PeerAddress:      req.TargetAddress,
		IPVersion:        req.AddressVersion,
		VideoPort:        req.Video.Port,
		VideoCryptoSuite: req.Video.CryptoSuite,
		VideoKeySalt:     keySalt(req.Video),
		AudioPort:        req.Audio.Port,
		AudioCryptoSuite: req.Audio.CryptoSuite,
		AudioKeySalt:     keySalt(req.Audio),
		CreatedAt:        time.Now(),
	}

	ports, err := allocatePorts(ctx, session.network(), 2)
	if err != nil {
		n.logger.WithError(err).WithField("session_id", req.SessionID).Error("Failed to allocate return ports")
		return nil, errors.NewPortAllocationError(err)
	}
	session.VideoReturnPort, session.AudioReturnPort = ports[0], ports[1]

	if session.VideoSSRC, err = randomSSRC(); err != nil {
		return nil, errors.WrapInternalError(err, "failed to generate SSRC")
	}
	if session.AudioSSRC, err = randomSSRC(); err != nil {
		return nil, errors.WrapInternalError(err, "failed to generate SSRC")
	}
	return session, nil
}

// commit stores session as pending and records it.
func (n *Negotiator) commit(session *PendingSession) {
	n.store(session)

	n.logger.WithFields(map[string]interface{}{
		"session_id":        session.SessionID,
		"peer":              session.PeerAddress,
		"video_return_port": session.VideoReturnPort,
		"audio_return_port": session.AudioReturnPort,
	}).Debug("Session prepared")
	metrics.IncrementPrepared(n.accessory)
	n.recorder.Record(session.record(n.accessory))
}

func prepareResponse(session *PendingSession, req hub.PrepareRequest) hub.PrepareResponse {
	return hub.PrepareResponse{
		Video: hub.ReturnEndpoint{
			Port: uint16(session.VideoReturnPort),
			SSRC: session.VideoSSRC,
			Key:  req.Video.Key,
			Salt: req.Video.Salt,
		},
		Audio: hub.ReturnEndpoint{
			Port: uint16(session.AudioReturnPort),
			SSRC: session.AudioSSRC,
			Key:  req.Audio.Key,
			Salt: req.Audio.Salt,
		},
	}
}

func (n *Negotiator) store(session *PendingSession) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.pending[session.SessionID]; ok {
		prev.timer.Stop()
		n.logger.WithField("session_id", session.SessionID).Debug("Replacing pending session")
	}

	entry := &pendingEntry{session: session}
	entry.timer = time.AfterFunc(n.ttl, func() { n.expire(entry) })
	n.pending[session.SessionID] = entry
}

func (n *Negotiator) expire(entry *pendingEntry) {
	id := entry.session.SessionID

	n.mu.Lock()
	if n.pending[id] != entry {
		n.mu.Unlock()
		return
	}
	delete(n.pending, id)
	n.mu.Unlock()

	n.logger.WithField("session_id", id).Info("Prepared session was never started, discarding it")
	metrics.IncrementPendingExpired(n.accessory)
	n.recorder.Remove(id)
	if n.onExpire != nil {
		n.onExpire(id)
	}
}

// Take removes and returns the pending session for id.
func (n *Negotiator) Take(sessionID string) (*PendingSession, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, ok := n.pending[sessionID]
	if !ok {
		return nil, false
	}
	entry.timer.Stop()
	delete(n.pending, sessionID)
	return entry.session, true
}

// Pending reports whether id is prepared and not yet started.
func (n *Negotiator) Pending(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.pending[sessionID]
	return ok
}

// Len returns the number of pending sessions.
func (n *Negotiator) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close discards all pending sessions.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, entry := range n.pending {
		entry.timer.Stop()
		delete(n.pending, id)
	}
}

func keySalt(e hub.MediaEndpoint) []byte {
	b := make([]byte, 0, len(e.Key)+len(e.Salt))
	b = append(b, e.Key...)
	return append(b, e.Salt...)
}

// allocatePorts reserves count distinct ephemeral UDP ports. The sockets are
// held until all ports are known, then released for the session to bind.
func allocatePorts(ctx context.Context, network string, count int) ([]int, error) {
	var lc net.ListenConfig
	conns := make([]net.PacketConn, 0, count)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	ports := make([]int, 0, count)
	for i := 0; i < count; i++ {
		conn, err := lc.ListenPacket(ctx, network, ":0")
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", network, err)
		}
		conns = append(conns, conn)
		ports = append(ports, conn.LocalAddr().(*net.UDPAddr).Port)
	}
	return ports, nil
}

func randomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	// The transcoder parses -ssrc as a signed 32-bit value.
	b[0] = 0
	return binary.BigEndian.Uint32(b[:]), nil
}
