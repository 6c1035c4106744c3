package peer

import (
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-mesh/internal/core"
)

type State int

const (
	Idle State = iota
	Offering
	Answering
	// Connected means offer/answer completed. ICE connectivity is reported
	// separately by the transport.
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type session struct {
	peer       core.PeerID
	state      State
	generation uint64
	transport  Transport

	// transportID tags the events of transport.
	transportID uint64

	remote *webrtc.SessionDescription
	// unapplied is a renegotiation offer that was sent but is applied to the
	// transport only when its answer arrives.
	unapplied *webrtc.SessionDescription

	// pending holds remote candidates until the remote description is set.
	pending []webrtc.ICECandidateInit
	// outgoing holds local candidates until our description is sent.
	outgoing  []webrtc.ICECandidateInit
	localSent bool

	awaitingAnswer bool
	applyingAnswer bool
	renegotiate    bool
	// queuedOffer is a remote offer that arrived while our own answered
	// offer was still being applied.
	queuedOffer *webrtc.SessionDescription

	senders map[webrtc.RTPCodecType]Sender
}

func newSession(peer core.PeerID, generation uint64) *session {
	return &session{
		peer:       peer,
		state:      Idle,
		generation: generation,
		senders:    make(map[webrtc.RTPCodecType]Sender),
	}
}
