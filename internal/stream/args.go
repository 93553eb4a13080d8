package stream

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/zsiec/doorway/internal/config"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/resolution"
)

const (
	defaultEncoderOptions = "-preset ultrafast -tune zerolatency"
	audioPacketSize       = 188
)

// Settings are the stream settings of one accessory.
type Settings struct {
	Accessory config.AccessoryConfig
	Stream    config.StreamConfig
}

func (s Settings) videoCodec() string {
	if s.Accessory.VideoCodec != "" {
		return s.Accessory.VideoCodec
	}
	if s.Stream.DefaultVideoCodec != "" {
		return s.Stream.DefaultVideoCodec
	}
	return "libx264"
}

// packetSize ignores the MTU the hub asks for.
func (s Settings) packetSize() int {
	if s.Accessory.PacketSize > 0 {
		return s.Accessory.PacketSize
	}
	if s.Stream.DefaultPacketSize > 0 {
		return s.Stream.DefaultPacketSize
	}
	return 1316
}

func (s Settings) encoderOptions(vcodec string) string {
	if s.Accessory.EncoderOptions != "" {
		return s.Accessory.EncoderOptions
	}
	if vcodec == "libx264" {
		return defaultEncoderOptions
	}
	return ""
}

func (s Settings) limits() resolution.Limits {
	return resolution.Limits{
		MaxWidth:    s.Accessory.MaxWidth,
		MaxHeight:   s.Accessory.MaxHeight,
		ForceMax:    s.Accessory.ForceMax,
		VideoFilter: s.Accessory.VideoFilter,
	}
}

// streamPlan is the transcoder invocation for one started session.
type streamPlan struct {
	args    string
	vcodec  string
	width   int
	height  int
	fps     int
	bitrate int
	audio   bool

	// audioError is set when audio was requested with a codec that cannot
	// be encoded.
	audioError string
}

// buildStreamArgs assembles the whitespace separated transcoder arguments
// for a session.
func buildStreamArgs(s *PendingSession, req hub.StreamRequest, set Settings) streamPlan {
	acc := set.Accessory
	plan := resolution.Resolve(req.Video.Width, req.Video.Height, set.limits(), false)

	p := streamPlan{
		vcodec:  set.videoCodec(),
		width:   plan.Width,
		height:  plan.Height,
		fps:     resolution.Rate(req.Video.FPS, acc.MaxFPS, acc.ForceMax),
		bitrate: resolution.Rate(req.Video.MaxBitrate, acc.MaxBitrate, acc.ForceMax),
	}

	audio := ""
	if acc.Audio {
		var ok bool
		if audio, ok = audioArgs(s, req.Audio); ok {
			p.audio = true
		} else {
			p.audioError = fmt.Sprintf("Unsupported audio codec requested: %s", req.Audio.Codec)
		}
	}

	var b strings.Builder
	b.WriteString(set.Stream.SourceArgs)
	if p.audio && set.Stream.AudioSourceArgs != "" {
		b.WriteString(" " + set.Stream.AudioSourceArgs)
	}

	b.WriteString(" -an -sn -dn")
	b.WriteString(" -codec:v " + p.vcodec)
	b.WriteString(" -pix_fmt yuv420p")
	b.WriteString(" -color_range mpeg")
	if p.fps > 0 {
		b.WriteString(" -r " + strconv.Itoa(p.fps))
	}
	b.WriteString(" -f rawvideo")
	if opts := set.encoderOptions(p.vcodec); opts != "" {
		b.WriteString(" " + opts)
	}
	if plan.VideoFilter != "" {
		b.WriteString(" -filter:v " + plan.VideoFilter)
	}
	if p.bitrate > 0 {
		b.WriteString(fmt.Sprintf(" -b:v %dk", p.bitrate))
	}
	b.WriteString(fmt.Sprintf(" -payload_type %d", req.Video.PayloadType))
	b.WriteString(srtpOutput(s.VideoSSRC, s.VideoKeySalt, s.PeerAddress, s.VideoPort, set.packetSize()))

	b.WriteString(audio)
	b.WriteString(logArgs(acc.Debug))
	b.WriteString(" -progress pipe:1")

	p.args = b.String()
	return p
}

// audioArgs returns the audio leg, or false when the codec is unsupported.
func audioArgs(s *PendingSession, a hub.AudioParams) (string, bool) {
	var codec string
	switch a.Codec {
	case hub.AudioCodecOpus:
		codec = "libopus -application lowdelay"
	case hub.AudioCodecAACELD:
		codec = "libfdk_aac -profile:a aac_eld"
	default:
		return "", false
	}

	var b strings.Builder
	b.WriteString(" -vn -sn -dn")
	b.WriteString(" -codec:a " + codec)
	b.WriteString(" -flags +global_header")
	b.WriteString(fmt.Sprintf(" -ar %dk", a.SampleRate))
	b.WriteString(fmt.Sprintf(" -b:a %dk", a.MaxBitrate))
	b.WriteString(fmt.Sprintf(" -ac %d", a.Channels))
	b.WriteString(fmt.Sprintf(" -payload_type %d", a.PayloadType))
	b.WriteString(srtpOutput(s.AudioSSRC, s.AudioKeySalt, s.PeerAddress, s.AudioPort, audioPacketSize))
	return b.String(), true
}

func srtpOutput(ssrc uint32, keySalt []byte, host string, port, packetSize int) string {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	return fmt.Sprintf(" -ssrc %d -f rtp -srtp_out_suite %s -srtp_out_params %s srtp://%s?rtcpport=%d&pkt_size=%d",
		ssrc, hub.SRTPSuiteName, base64.StdEncoding.EncodeToString(keySalt), target, port, packetSize)
}

func logArgs(debug bool) string {
	if debug {
		return " -loglevel level+verbose"
	}
	return " -loglevel level"
}

// returnAudioArgs decodes the hub's talkback audio, described by an SDP
// payload on stdin, into target.
func returnAudioArgs(target string, debug bool) string {
	return "-hide_banner" +
		" -protocol_whitelist pipe,udp,rtp,file,crypto" +
		" -f sdp" +
		" -c:a libfdk_aac" +
		" -i pipe:" +
		" " + target +
		logArgs(debug)
}
