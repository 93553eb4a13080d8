// Package hub holds the request and response types exchanged with the
// smart-home hub's streaming service, and the hub-side signals doorway needs.
package hub

// IPVersion of the hub's streaming address.
type IPVersion string

const (
	IPv4 IPVersion = "ipv4"
	IPv6 IPVersion = "ipv6"
)

// CryptoSuite identifies an SRTP cipher suite. Only one is supported.
type CryptoSuite int

const (
	AESCM128HMACSHA180 CryptoSuite = 0
)

// SRTPSuiteName is the transcoder's name for the supported suite.
const SRTPSuiteName = "AES_CM_128_HMAC_SHA1_80"

func (c CryptoSuite) String() string {
	if c == AESCM128HMACSHA180 {
		return SRTPSuiteName
	}
	return "unsupported"
}

// AudioCodec is the codec the hub offers for the audio leg.
type AudioCodec string

const (
	AudioCodecOpus   AudioCodec = "OPUS"
	AudioCodecAACELD AudioCodec = "AAC-eld"
)

// RequestType selects the stream operation.
type RequestType string

const (
	RequestStart       RequestType = "start"
	RequestStop        RequestType = "stop"
	RequestReconfigure RequestType = "reconfigure"
)

// MediaEndpoint is where the hub wants one media leg delivered, and the
// pre-negotiated keys for it.
type MediaEndpoint struct {
	Port        int         `json:"port"`
	CryptoSuite CryptoSuite `json:"crypto_suite"`
	Key         []byte      `json:"srtp_key"`
	Salt        []byte      `json:"srtp_salt"`
}

// PrepareRequest opens a session.
type PrepareRequest struct {
	SessionID      string        `json:"session_id"`
	TargetAddress  string        `json:"target_address"`
	AddressVersion IPVersion     `json:"address_version"`
	Video          MediaEndpoint `json:"video"`
	Audio          MediaEndpoint `json:"audio"`
}

// ReturnEndpoint is what doorway listens on for one media leg.
type ReturnEndpoint struct {
	Port uint16 `json:"port"`
	SSRC uint32 `json:"ssrc"`
	Key  []byte `json:"srtp_key"`
	Salt []byte `json:"srtp_salt"`
}

// PrepareResponse answers a PrepareRequest.
type PrepareResponse struct {
	Video ReturnEndpoint `json:"video"`
	Audio ReturnEndpoint `json:"audio"`
}

// VideoParams are the negotiated video settings of a start request.
type VideoParams struct {
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	FPS          int     `json:"fps"`
	MaxBitrate   int     `json:"max_bit_rate"` // kbit/s
	PayloadType  uint8   `json:"pt"`
	MTU          int     `json:"mtu"`
	RTCPInterval float64 `json:"rtcp_interval"` // seconds
}

// AudioParams are the negotiated audio settings of a start request.
type AudioParams struct {
	Codec        AudioCodec `json:"codec"`
	Channels     int        `json:"channel"`
	SampleRate   int        `json:"sample_rate"` // kHz
	MaxBitrate   int        `json:"max_bit_rate"`
	PayloadType  uint8      `json:"pt"`
	RTCPInterval float64    `json:"rtcp_interval"`
}

// StreamRequest is a start, stop or reconfigure request for a session.
type StreamRequest struct {
	SessionID string      `json:"session_id"`
	Type      RequestType `json:"type"`
	Video     VideoParams `json:"video"`
	Audio     AudioParams `json:"audio"`
}

// StreamCallback acknowledges a StreamRequest. A start is acknowledged once
// the stream is ready or has failed.
type StreamCallback func(err error)

// SnapshotCallback delivers a snapshot or the reason there is none.
type SnapshotCallback func(image []byte, err error)

// Controller is the hub-side streaming controller.
type Controller interface {
	// ForceStopStreamingSession tells the hub that doorway ended a session on
	// its own.
	ForceStopStreamingSession(sessionID string)
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(sessionID string)

func (f ControllerFunc) ForceStopStreamingSession(sessionID string) { f(sessionID) }
