package stream

import (
	"encoding/base64"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/doorway/internal/hub"
)

const (
	returnAudioPayloadType = "110"
	returnAudioFmtp        = "profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3; config=F8F0212C00BC00"
)

// returnAudioSDP describes the hub's talkback stream: AAC-ELD at 16 kHz mono
// on the audio return port, encrypted with the session's audio keys.
func returnAudioSDP(s *PendingSession) ([]byte, error) {
	addrType := "IP4"
	if s.IPVersion == hub.IPv6 {
		addrType = "IP6"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: s.PeerAddress,
		},
		SessionName: "Talk",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: s.PeerAddress},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: s.AudioReturnPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{returnAudioPayloadType},
			},
			Bandwidth: []sdp.Bandwidth{{Type: "AS", Bandwidth: 24}},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", returnAudioPayloadType+" MPEG4-GENERIC/16000/1"),
				sdp.NewPropertyAttribute("rtcp-mux"),
				sdp.NewAttribute("fmtp", returnAudioPayloadType+" "+returnAudioFmtp),
				sdp.NewAttribute("crypto", "1 "+hub.SRTPSuiteName+" inline:"+base64.StdEncoding.EncodeToString(s.AudioKeySalt)),
			},
		}},
	}

	return desc.Marshal()
}
