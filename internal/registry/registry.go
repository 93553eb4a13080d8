// Package registry records hub streaming sessions so they can be listed
// through the API and inspected from outside the process.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session is not in the registry
	ErrSessionNotFound = errors.New("session not found")
)

// Status is the lifecycle phase of a recorded session.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// Session is the registry view of one hub streaming session.
type Session struct {
	ID          string `json:"id"`
	Accessory   string `json:"accessory"`
	Status      Status `json:"status"`
	PeerAddress string `json:"peer_address"`
	IPVersion   string `json:"ip_version"`

	VideoPort       int    `json:"video_port"`
	VideoReturnPort int    `json:"video_return_port"`
	VideoSSRC       uint32 `json:"video_ssrc"`
	AudioPort       int    `json:"audio_port"`
	AudioReturnPort int    `json:"audio_return_port"`
	AudioSSRC       uint32 `json:"audio_ssrc"`

	// Effective stream parameters, set once the session is started
	VideoCodec string `json:"video_codec,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"` // kbit/s
	Audio      bool   `json:"audio"`

	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry defines the session registry operations
type Registry interface {
	// Register adds or replaces a session, keeping the original CreatedAt
	Register(ctx context.Context, session *Session) error

	// Heartbeat refreshes a session's last-seen time and expiry
	Heartbeat(ctx context.Context, sessionID string) error

	// Unregister removes a session
	Unregister(ctx context.Context, sessionID string) error

	// Get retrieves a session by ID
	Get(ctx context.Context, sessionID string) (*Session, error)

	// List returns all recorded sessions
	List(ctx context.Context) ([]*Session, error)

	// Close releases resources held by the registry
	Close() error
}
