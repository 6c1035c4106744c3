package peer

import (
	"fmt"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/signal"
)

// manualLoop queues everything and runs it only when the test says so.
type manualLoop struct {
	queue []func()
}

func (l *manualLoop) Go(work func() func()) {
	l.queue = append(l.queue, func() {
		if next := work(); next != nil {
			l.queue = append(l.queue, next)
		}
	})
}

func (l *manualLoop) Post(fn func()) {
	l.queue = append(l.queue, fn)
}

func (l *manualLoop) RunAll() {
	for i := 0; len(l.queue) > 0; i++ {
		if i > 10000 {
			panic("loop does not settle")
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		fn()
	}
}

type fakeSender struct {
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.track = track
	s.replaced++
	return nil
}

type fakeTransport struct {
	id     int
	peer   core.PeerID
	events TransportEvents
	errs   map[string]error

	ops        []string
	candidates []string
	senders    []*fakeSender
	closed     bool
	signaling  webrtc.SignalingState
}

func (t *fakeTransport) do(op string) error {
	t.ops = append(t.ops, op)
	return t.errs[op]
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if err := t.do(opCreateOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", t.id)}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	if err := t.do(opCreateAnswer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.id)}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := t.do(opSetLocal); err != nil {
		return err
	}
	return t.transition(desc.Type, webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemoteOffer)
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.do(opSetRemote); err != nil {
		return err
	}
	return t.transition(desc.Type, webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalOffer)
}

// transition follows the signaling state machine of a peer connection that
// can't roll back: an offer is only applied while stable, an answer only
// while the opposite side's offer is pending.
func (t *fakeTransport) transition(typ webrtc.SDPType, offered, answering webrtc.SignalingState) error {
	switch {
	case typ == webrtc.SDPTypeOffer && t.signaling == webrtc.SignalingStateStable:
		t.signaling = offered
	case typ == webrtc.SDPTypeAnswer && t.signaling == answering:
		t.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("invalid signaling transition from %s with %s", t.signaling, typ)
	}
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := t.do("add_ice_candidate"); err != nil {
		return err
	}
	t.candidates = append(t.candidates, candidate.Candidate)
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	if err := t.do("add_track"); err != nil {
		return nil, err
	}
	sender := &fakeSender{track: track}
	t.senders = append(t.senders, sender)
	return sender, nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return t.do("close")
}

type fakeFactory struct {
	transports []*fakeTransport
	errs       map[core.PeerID]map[string]error
	fail       error
}

func (f *fakeFactory) New(peer core.PeerID, events TransportEvents) (Transport, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	t := &fakeTransport{
		id:        len(f.transports) + 1,
		peer:      peer,
		events:    events,
		errs:      f.errs[peer],
		signaling: webrtc.SignalingStateStable,
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) For(peer core.PeerID) []*fakeTransport {
	var out []*fakeTransport
	for _, t := range f.transports {
		if t.peer == peer {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeFactory) Last(peer core.PeerID) *fakeTransport {
	all := f.For(peer)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

type fakeSignaler struct {
	sent    []*signal.Message
	err     error
	deliver func(*signal.Message)
}

func (s *fakeSignaler) Send(msg *signal.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	if s.deliver != nil {
		s.deliver(msg)
	}
	return nil
}

func (s *fakeSignaler) Types() []signal.MessageType {
	types := make([]signal.MessageType, 0, len(s.sent))
	for _, msg := range s.sent {
		types = append(types, msg.Type)
	}
	return types
}

func (s *fakeSignaler) OfType(t signal.MessageType) []*signal.Message {
	var out []*signal.Message
	for _, msg := range s.sent {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

type staticTracks []webrtc.TrackLocal

func (t staticTracks) Tracks() []webrtc.TrackLocal {
	return t
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return "stream-" + t.id }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

func newVideoTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	if err != nil {
		panic(err)
	}
	return track
}

func newAudioTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "local")
	if err != nil {
		panic(err)
	}
	return track
}

type harness struct {
	loop     *manualLoop
	factory  *fakeFactory
	signaler *fakeSignaler
	manager  *Manager

	states   map[core.PeerID][]State
	closed   []core.PeerID
	failures []error
	remote   map[core.PeerID][]RemoteTrack
}

func newHarness(self core.PeerID, loop *manualLoop) *harness {
	if loop == nil {
		loop = &manualLoop{}
	}
	h := &harness{
		loop:     loop,
		factory:  &fakeFactory{errs: make(map[core.PeerID]map[string]error)},
		signaler: &fakeSignaler{},
		states:   make(map[core.PeerID][]State),
		remote:   make(map[core.PeerID][]RemoteTrack),
	}
	h.manager = NewManager(Options{
		Loop:         loop,
		Signaler:     h.signaler,
		NewTransport: h.factory.New,
	})
	h.manager.SetSelf(self)
	h.manager.OnStateChange(func(peer core.PeerID, state State) {
		h.states[peer] = append(h.states[peer], state)
	})
	h.manager.OnSessionClosed(func(peer core.PeerID) {
		h.closed = append(h.closed, peer)
	})
	h.manager.OnNegotiationFailure(func(err error) {
		h.failures = append(h.failures, err)
	})
	h.manager.OnRemoteTrack(func(peer core.PeerID, track RemoteTrack) {
		h.remote[peer] = append(h.remote[peer], track)
	})
	return h
}

// link relays every message sent by one harness into the other through the
// shared loop, the way the relay would.
func link(a, b *harness) {
	a.signaler.deliver = relayTo(a.manager.Self(), b)
	b.signaler.deliver = relayTo(b.manager.Self(), a)
}

func relayTo(from core.PeerID, to *harness) func(*signal.Message) {
	return func(msg *signal.Message) {
		if msg.TargetID != to.manager.Self() {
			return
		}
		to.loop.Post(func() {
			switch msg.Type {
			case signal.OfferType:
				_ = to.manager.HandleOffer(from, *msg.Offer)
			case signal.AnswerType:
				_ = to.manager.HandleAnswer(from, *msg.Answer)
			case signal.ICECandidateType:
				_ = to.manager.HandleICECandidate(from, *msg.Candidate)
			}
		})
	}
}

func answerFor(peer core.PeerID) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer-" + string(peer)}
}

func offerFrom(peer core.PeerID) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer-" + string(peer)}
}

func candidate(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}
