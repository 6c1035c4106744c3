package config

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// MediaKindConfig holds what the media engine negotiates for one media kind.
// Every mesh session both sends and receives, so a single set serves both.
type MediaKindConfig struct {
	HeaderExtensions []string
	RTCPFeedback     []webrtc.RTCPFeedback
}

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	EnabledCodecs []CodecSpec
	Audio         MediaKindConfig
	Video         MediaKindConfig
	// InitialBitrate of the bandwidth estimator, zero disables it.
	InitialBitrate int
}

var (
	audioKind = MediaKindConfig{
		HeaderExtensions: []string{sdp.SDESMidURI, sdp.AudioLevelURI},
	}
	videoKind = MediaKindConfig{
		HeaderExtensions: []string{sdp.SDESMidURI, sdp.SDESRTPStreamIDURI, sdp.TransportCCURI},
		RTCPFeedback: []webrtc.RTCPFeedback{
			{Type: webrtc.TypeRTCPFBTransportCC},
			{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
			{Type: webrtc.TypeRTCPFBNACK},
			{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
		},
	}
)

// NewWebRTCConfig turns the rtc and peer sections into pion settings shared
// by every peer connection.
func NewWebRTCConfig(conf *Config) (*WebRTCConfig, error) {
	rtc := webrtc.Configuration{SDPSemantics: webrtc.SDPSemanticsUnifiedPlan}
	for _, url := range conf.RTC.ICEServers {
		rtc.ICEServers = append(rtc.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	engine := webrtc.SettingEngine{}
	if conf.RTC.UDPOnly {
		engine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	}

	if start, end := conf.RTC.ICEPortRangeStart, conf.RTC.ICEPortRangeEnd; start != 0 && end != 0 {
		if err := engine.SetEphemeralUDPPortRange(uint16(start), uint16(end)); err != nil {
			return nil, err
		}
	}

	return &WebRTCConfig{
		Configuration:  rtc,
		SettingEngine:  engine,
		EnabledCodecs:  conf.Peer.EnabledCodecs,
		Audio:          audioKind,
		Video:          videoKind,
		InitialBitrate: conf.RTC.InitialBitrate,
	}, nil
}
