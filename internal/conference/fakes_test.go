package conference

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/media"
	"github.com/isqad/livelook-mesh/internal/peer"
	"github.com/isqad/livelook-mesh/internal/signal"
)

type fakeSender struct {
	lock  sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.lock.Lock()
	s.track = track
	s.lock.Unlock()
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.track
}

type fakeTransport struct {
	id     int
	peer   core.PeerID
	events peer.TransportEvents

	lock    sync.Mutex
	closed  bool
	senders []*fakeSender
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", t.id)}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.id)}, nil
}

func (t *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (t *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (t *fakeTransport) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	sender := &fakeSender{track: track}
	t.senders = append(t.senders, sender)
	return sender, nil
}

func (t *fakeTransport) Senders() []*fakeSender {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]*fakeSender(nil), t.senders...)
}

func (t *fakeTransport) Close() error {
	t.lock.Lock()
	t.closed = true
	t.lock.Unlock()
	return nil
}

func (t *fakeTransport) Closed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

type fakeFactory struct {
	lock       sync.Mutex
	transports []*fakeTransport
}

func (f *fakeFactory) New(id core.PeerID, events peer.TransportEvents) (peer.Transport, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	t := &fakeTransport{id: len(f.transports) + 1, peer: id, events: events}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) Last(id core.PeerID) *fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()

	for i := len(f.transports) - 1; i >= 0; i-- {
		if f.transports[i].peer == id {
			return f.transports[i]
		}
	}
	return nil
}

func (f *fakeFactory) All() []*fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakeTransport(nil), f.transports...)
}

type fakeSignaler struct {
	lock sync.Mutex
	sent []*signal.Message
	err  error
}

func (s *fakeSignaler) Send(msg *signal.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) OfType(t signal.MessageType) []*signal.Message {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []*signal.Message
	for _, msg := range s.sent {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

type fakeDevice struct {
	lock    sync.Mutex
	tracks  []webrtc.TrackLocal
	stopped bool
}

func (d *fakeDevice) Tracks() []webrtc.TrackLocal { return d.tracks }
func (d *fakeDevice) Start()                      {}

func (d *fakeDevice) Stop() {
	d.lock.Lock()
	d.stopped = true
	d.lock.Unlock()
}

func (d *fakeDevice) Stopped() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stopped
}

type fakeAcquirer struct {
	lock    sync.Mutex
	devices []*fakeDevice
	err     error
}

func (a *fakeAcquirer) Acquire(_ context.Context, kind core.SourceKind) (media.Device, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.err != nil {
		return nil, a.err
	}

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, string(kind)+"-video", string(kind))
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, string(kind)+"-audio", string(kind))
	if err != nil {
		return nil, err
	}

	device := &fakeDevice{tracks: []webrtc.TrackLocal{video, audio}}
	a.devices = append(a.devices, device)
	return device, nil
}

func (a *fakeAcquirer) Last() *fakeDevice {
	a.lock.Lock()
	defer a.lock.Unlock()

	if len(a.devices) == 0 {
		return nil
	}
	return a.devices[len(a.devices)-1]
}

type fakeRemoteTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	closed chan struct{}
}

func newFakeRemoteTrack(id string, kind webrtc.RTPCodecType) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, closed: make(chan struct{})}
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return "remote-" + t.id }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.closed
	return nil, nil, io.EOF
}

type harness struct {
	client    *Client
	signaler  *fakeSignaler
	factory   *fakeFactory
	acquirer  *fakeAcquirer
	cancel    context.CancelFunc
	runResult chan error
}

func newHarness(t *testing.T, historyLimit int) *harness {
	t.Helper()

	h := &harness{
		signaler:  &fakeSignaler{},
		factory:   &fakeFactory{},
		acquirer:  &fakeAcquirer{},
		runResult: make(chan error, 1),
	}
	h.client = NewClient(Options{
		Signaler:     h.signaler,
		NewTransport: h.factory.New,
		Acquirer:     h.acquirer,
		HistoryLimit: historyLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.runResult <- h.client.Run(ctx)
	}()
	t.Cleanup(cancel)

	return h
}

func (h *harness) deliver(msgs ...*signal.Message) {
	for _, msg := range msgs {
		h.client.HandleMessage(msg)
	}
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		return cond(h.client.Snapshot())
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitSession(t *testing.T, id core.PeerID, state peer.State) {
	t.Helper()

	h.waitFor(t, func(s Snapshot) bool {
		got, ok := s.Sessions[id]
		return ok && got == state
	})
}

func clientID(id core.PeerID) *signal.Message {
	return &signal.Message{Type: signal.ClientIDType, ClientID: id}
}

func participants(meetingID string, creator core.PeerID, ids ...core.PeerID) *signal.Message {
	roster := make(map[core.PeerID]string, len(ids))
	for _, id := range ids {
		roster[id] = "User" + string(id)
	}
	return &signal.Message{Type: signal.ParticipantsUpdateType, MeetingID: meetingID, Participants: roster, CreatorID: creator}
}

func answerFrom(id core.PeerID) *signal.Message {
	return &signal.Message{
		Type:   signal.AnswerType,
		FromID: id,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + string(id)},
	}
}

func offerFrom(id core.PeerID) *signal.Message {
	return &signal.Message{
		Type:   signal.OfferType,
		FromID: id,
		Offer:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + string(id)},
	}
}
