package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/signal"
)

// Loop is the single control flow that owns the Manager. Go runs work
// elsewhere and, when work returns a non-nil continuation, runs it back on
// the loop. Post runs fn on the loop.
type Loop interface {
	Go(work func() func())
	Post(fn func())
}

// Sender is the sending half of a media slot. A nil track keeps the slot and
// stops sending.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Transport is one peer connection. Calls may block and are made off the
// control loop, except AddICECandidate and AddTrack.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Close() error
}

// TransportEvents are invoked from transport goroutines.
type TransportEvents struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnTrack                 func(RemoteTrack)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
}

type TransportFactory func(peer core.PeerID, events TransportEvents) (Transport, error)

type Signaler interface {
	Send(msg *signal.Message) error
}

// TrackSource provides the local tracks attached to new sessions.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}
