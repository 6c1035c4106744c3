package rtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-mesh/internal/config"
)

var audioCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
}

var videoCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0"},
		PayloadType:        98,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 125,
	},
}

// createMediaEngine builds the media engine and interceptor chain of one peer
// connection. A non-nil estimator factory enables send side congestion
// control.
func createMediaEngine(
	conf *config.WebRTCConfig,
	estimator *cc.InterceptorFactory,
) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerKind(mediaEngine, webrtc.RTPCodecTypeAudio, audioCodecs, conf.EnabledCodecs, conf.Audio); err != nil {
		return nil, nil, err
	}
	if err := registerKind(mediaEngine, webrtc.RTPCodecTypeVideo, videoCodecs, conf.EnabledCodecs, conf.Video); err != nil {
		return nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	if estimator != nil {
		registry.Add(estimator)
		if err := webrtc.ConfigureTWCCHeaderExtensionSender(mediaEngine, registry); err != nil {
			return nil, nil, err
		}
	}

	return mediaEngine, registry, nil
}

// registerKind registers the enabled codecs and the header extensions of one
// media kind.
func registerKind(
	mediaEngine *webrtc.MediaEngine,
	kind webrtc.RTPCodecType,
	codecs []webrtc.RTPCodecParameters,
	enabledCodecs []config.CodecSpec,
	kindConf config.MediaKindConfig,
) error {
	for _, codec := range codecs {
		if !isCodecEnabled(enabledCodecs, codec.RTPCodecCapability) {
			continue
		}
		codec.RTCPFeedback = kindConf.RTCPFeedback
		if err := mediaEngine.RegisterCodec(codec, kind); err != nil {
			return err
		}
	}

	for _, uri := range kindConf.HeaderExtensions {
		if err := mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, kind); err != nil {
			return err
		}
	}

	return nil
}

func isCodecEnabled(codecs []config.CodecSpec, capability webrtc.RTPCodecCapability) bool {
	for _, codec := range codecs {
		if !strings.EqualFold(codec.Mime, capability.MimeType) {
			continue
		}
		if codec.FmtpLine == "" || strings.EqualFold(codec.FmtpLine, capability.SDPFmtpLine) {
			return true
		}
	}

	return false
}
