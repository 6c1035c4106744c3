// Package rtc implements mesh session transports over pion peer connections.
package rtc

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/config"
	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/peer"
	"github.com/isqad/livelook-mesh/internal/telemetry"
)

const (
	rtcpPLIInterval            = time.Second * 3
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

var (
	_ peer.Transport = (*PCTransport)(nil)

	errNotSessionDescription = errors.New("not a session description")
)

// PCTransport is the peer connection of one mesh session.
type PCTransport struct {
	peer      core.PeerID
	pc        *webrtc.PeerConnection
	allocator *StreamAllocator

	// Media sections we add are named midPrefix+n so they never collide with
	// the numeric mids pion assigns to sections the remote side adds.
	midPrefix string
	mids      int

	done      chan struct{}
	closeOnce sync.Once
}

type TransportParams struct {
	Peer   core.PeerID
	Config *config.WebRTCConfig
	Events peer.TransportEvents
}

// NewTransportFactory binds the transport configuration for the session
// manager.
func NewTransportFactory(conf *config.WebRTCConfig) peer.TransportFactory {
	return func(id core.PeerID, events peer.TransportEvents) (peer.Transport, error) {
		return NewPCTransport(TransportParams{Peer: id, Config: conf, Events: events})
	}
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	allocator := NewStreamAllocator(params.Peer)

	pc, err := newPeerConnection(params, allocator)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		peer:      params.Peer,
		pc:        pc,
		allocator: allocator,
		midPrefix: "t" + uuid.NewString()[:6] + "-",
		done:      make(chan struct{}),
	}

	events := params.Events
	t.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || events.OnICECandidate == nil {
			return
		}
		events.OnICECandidate(candidate.ToJSON())
	})
	t.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		if state == webrtc.ICEGathererStateComplete {
			log.Debug().Str("service", "rtc").Str("peer", string(t.peer)).Msg("ICE gathering complete")
		}
	})
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("service", "rtc").Str("peer", string(t.peer)).Str("state", state.String()).Msg("connection state changed")
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(state)
		}
	})
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("service", "rtc").Str("peer", string(t.peer)).Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("on media track")

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go t.requestKeyframes(track)
		}
		if events.OnTrack != nil {
			events.OnTrack(track)
		}
	})

	return t, nil
}

func newPeerConnection(params TransportParams, allocator *StreamAllocator) (*webrtc.PeerConnection, error) {
	conf := params.Config

	var err error
	var estimator *cc.InterceptorFactory
	if conf.InitialBitrate > 0 {
		estimator, err = newEstimatorFactory(allocator, conf.InitialBitrate)
		if err != nil {
			return nil, err
		}
	}

	me, registry, err := createMediaEngine(conf, estimator)
	if err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("peer", string(params.Peer)).Msg("can't create media engine")
		return nil, err
	}

	se := conf.SettingEngine
	se.LoggerFactory = loggerFactory{}
	se.DisableMediaEngineCopy(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	return api.NewPeerConnection(conf.Configuration)
}

func (t *PCTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return offer, err
	}
	t.logDescription(offer)

	return offer, nil
}

func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return answer, err
	}
	t.logDescription(answer)

	return answer, nil
}

func (t *PCTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *PCTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	for _, transceiver := range t.pc.GetTransceivers() {
		if transceiver.Sender() != sender || transceiver.Mid() != "" {
			continue
		}
		t.mids++
		if err := transceiver.SetMid(t.midPrefix + strconv.Itoa(t.mids)); err != nil {
			return nil, err
		}
	}

	go t.readRTCP(sender)

	return sender, nil
}

// TargetBitrate is the current send side estimate, zero when congestion
// control is off.
func (t *PCTransport) TargetBitrate() int {
	return t.allocator.TargetBitrate()
}

func (t *PCTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.allocator.Close()
		err = t.pc.Close()
	})

	return err
}

// readRTCP drains feedback for sender until its transport is closed.
func (t *PCTransport) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication:
				telemetry.RTCPCounter.WithLabelValues("pli").Inc()
			case *rtcp.FullIntraRequest:
				telemetry.RTCPCounter.WithLabelValues("fir").Inc()
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				telemetry.RTCPCounter.WithLabelValues("remb").Inc()
			case *rtcp.TransportLayerNack:
				telemetry.RTCPCounter.WithLabelValues("nack").Inc()
			}
		}
	}
}

// requestKeyframes sends a PLI on an interval so the remote side keeps
// pushing keyframes.
func (t *PCTransport) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
				log.Debug().Err(err).Str("service", "rtc").Str("peer", string(t.peer)).Msg("can't send PLI")
			}
		}
	}
}

func (t *PCTransport) logDescription(desc webrtc.SessionDescription) {
	sections, err := mediaSections(desc.SDP)
	if err != nil {
		log.Warn().Err(err).Str("service", "rtc").Str("peer", string(t.peer)).Msg("can't parse session description")
		return
	}
	log.Debug().Str("service", "rtc").Str("peer", string(t.peer)).Str("type", desc.Type.String()).Strs("media", sections).Msg("created session description")
}

// mediaSections lists the m-lines of raw as kind:direction pairs.
func mediaSections(raw string) ([]string, error) {
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, err
	}
	if parsed.Origin.Username == "" && len(parsed.MediaDescriptions) == 0 {
		return nil, errNotSessionDescription
	}

	sections := make([]string, 0, len(parsed.MediaDescriptions))
	for _, media := range parsed.MediaDescriptions {
		direction := "sendrecv"
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				direction = attr.Key
			}
		}
		sections = append(sections, media.MediaName.Media+":"+direction)
	}

	return sections, nil
}
