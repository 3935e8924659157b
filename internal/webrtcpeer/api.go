package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/config"
)

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// audioCodecs are registered in this order; voice calls reorder them so Opus
// always leads.
var audioCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	},
}

var videoCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoRTCPFeedback},
		PayloadType:        96,
	},
}

type APIConfig struct {
	Network config.WebRTCNetwork
	Logger  *slog.Logger
	// SettingEngine, when set, runs last and may override anything. Tests use
	// it to attach a virtual network.
	SettingEngine func(se *webrtc.SettingEngine)
}

// NewAPI builds the pion API shared by every call of the agent.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	for _, c := range audioCodecs {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	for _, c := range videoCodecs {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(logger)}
	if err := ApplyNetworkSettings(&se, cfg.Network); err != nil {
		return nil, err
	}
	if cfg.SettingEngine != nil {
		cfg.SettingEngine(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, n config.WebRTCNetwork) error {
	if n.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(n.UDPPortRange.Min, n.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(n.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(n.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	// There is no bind-address knob; restricting gathering with an IP filter
	// has the same effect.
	if !config.IsUnspecifiedIP(n.UDPListenIP) {
		listenIP := n.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}

// preferCodec returns codecs with every entry of mimeType moved to the front,
// keeping relative order otherwise.
func preferCodec(codecs []webrtc.RTPCodecParameters, mimeType string) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	var rest []webrtc.RTPCodecParameters
	for _, c := range codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}
