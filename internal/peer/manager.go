// Package peer owns the negotiation state of every mesh session.
package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/signal"
	"github.com/isqad/livelook-mesh/internal/telemetry"
)

const (
	opCreateTransport = "create_transport"
	opCreateOffer     = "create_offer"
	opCreateAnswer    = "create_answer"
	opSetLocal        = "set_local_description"
	opSetRemote       = "set_remote_description"
	opSend            = "send"
)

var (
	ErrSelfSession      = errors.New("can't open a session to self")
	ErrUnexpectedAnswer = errors.New("answer without a pending offer")
	ErrUnexpectedOffer  = errors.New("offer while answering")
)

type Options struct {
	Loop         Loop
	Signaler     Signaler
	NewTransport TransportFactory
	Tracks       TrackSource
}

// Manager is the PeerSessionManager. It is not safe for concurrent use: every
// method must be called on the Loop it was created with.
type Manager struct {
	self         core.PeerID
	loop         Loop
	signaler     Signaler
	newTransport TransportFactory
	tracks       TrackSource

	sessions   map[core.PeerID]*session
	generation uint64

	onStateChange func(core.PeerID, State)
	onRemoteTrack func(core.PeerID, RemoteTrack)
	onClosed      func(core.PeerID)
	onFailure     func(error)
}

func NewManager(opts Options) *Manager {
	return &Manager{
		loop:         opts.Loop,
		signaler:     opts.Signaler,
		newTransport: opts.NewTransport,
		tracks:       opts.Tracks,
		sessions:     make(map[core.PeerID]*session),
	}
}

func (m *Manager) SetSelf(id core.PeerID) {
	m.self = id
}

func (m *Manager) Self() core.PeerID {
	return m.self
}

func (m *Manager) SetTrackSource(tracks TrackSource) {
	m.tracks = tracks
}

func (m *Manager) OnStateChange(callback func(core.PeerID, State)) {
	m.onStateChange = callback
}

func (m *Manager) OnRemoteTrack(callback func(core.PeerID, RemoteTrack)) {
	m.onRemoteTrack = callback
}

func (m *Manager) OnSessionClosed(callback func(core.PeerID)) {
	m.onClosed = callback
}

func (m *Manager) OnNegotiationFailure(callback func(error)) {
	m.onFailure = callback
}

// Peers returns the ids of all live sessions, sorted.
func (m *Manager) Peers() []core.PeerID {
	ids := make([]core.PeerID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	core.SortPeerIDs(ids)

	return ids
}

func (m *Manager) Len() int {
	return len(m.sessions)
}

func (m *Manager) State(peer core.PeerID) (State, bool) {
	s, ok := m.sessions[peer]
	if !ok {
		return Closed, false
	}

	return s.state, true
}

func (m *Manager) States() map[core.PeerID]State {
	states := make(map[core.PeerID]State, len(m.sessions))
	for id, s := range m.sessions {
		states[id] = s.state
	}

	return states
}

// Connect opens a session to peer and starts offering. Connecting to a peer
// that already has a session is a no-op.
func (m *Manager) Connect(peer core.PeerID) error {
	if peer == m.self || peer.IsZero() {
		return ErrSelfSession
	}
	if _, ok := m.sessions[peer]; ok {
		return nil
	}

	s, err := m.open(peer)
	if err != nil {
		return err
	}

	m.setState(s, Offering)
	m.offer(s)

	return nil
}

// Disconnect closes the session with peer if there is one.
func (m *Manager) Disconnect(peer core.PeerID) {
	if s, ok := m.sessions[peer]; ok {
		m.close(s)
	}
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, id := range m.Peers() {
		m.close(m.sessions[id])
	}
}

// HandleOffer processes an offer relayed from peer. An offer from an unknown
// peer opens a new answering session.
func (m *Manager) HandleOffer(from core.PeerID, offer webrtc.SessionDescription) error {
	if from == m.self || from.IsZero() {
		return ErrSelfSession
	}

	s, ok := m.sessions[from]
	if !ok {
		created, err := m.open(from)
		if err != nil {
			return err
		}
		m.setState(created, Answering)
		m.answer(created, offer)

		return nil
	}

	switch s.state {
	case Offering:
		if s.applyingAnswer {
			s.queuedOffer = &offer
			return nil
		}
		if m.self.Less(from) {
			log.Info().Str("service", "peer").Str("peer", string(from)).Msg("glare: keep local offer")
			return nil
		}

		log.Info().Str("service", "peer").Str("peer", string(from)).Msg("glare: drop local offer")
		if err := m.dropLocalOffer(s); err != nil {
			return err
		}
	case Connected:
		log.Debug().Str("service", "peer").Str("peer", string(from)).Msg("renegotiation offer")
	default:
		log.Warn().Str("service", "peer").Str("peer", string(from)).Str("state", s.state.String()).Msg("drop offer")
		return ErrUnexpectedOffer
	}

	m.setState(s, Answering)
	m.answer(s, offer)

	return nil
}

// HandleAnswer applies the answer to our pending offer to peer.
func (m *Manager) HandleAnswer(from core.PeerID, answer webrtc.SessionDescription) error {
	s, ok := m.sessions[from]
	if !ok {
		log.Warn().Str("service", "peer").Str("peer", string(from)).Msg("answer from unknown peer")
		return fmt.Errorf("%w: answer from %s", core.ErrUnknownPeer, from)
	}
	if s.state != Offering || !s.awaitingAnswer {
		log.Warn().Str("service", "peer").Str("peer", string(from)).Str("state", s.state.String()).Msg("drop answer")
		return ErrUnexpectedAnswer
	}
	s.awaitingAnswer = false
	s.applyingAnswer = true

	if s.unapplied == nil {
		m.applyAnswer(s, answer)
		return nil
	}

	offer := *s.unapplied
	s.unapplied = nil
	t := s.transport
	m.step(s, Offering, opSetLocal, func() error {
		return t.SetLocalDescription(offer)
	}, func(s *session) {
		m.applyAnswer(s, answer)
	})

	return nil
}

func (m *Manager) applyAnswer(s *session, answer webrtc.SessionDescription) {
	t := s.transport
	m.step(s, Offering, opSetRemote, func() error {
		return t.SetRemoteDescription(answer)
	}, func(s *session) {
		s.applyingAnswer = false
		s.remote = &answer
		m.flushCandidates(s)
		m.setState(s, Connected)
		m.connected(s)
	})
}

// HandleICECandidate adds a remote candidate, buffering it until the remote
// description of the session is known.
func (m *Manager) HandleICECandidate(from core.PeerID, candidate webrtc.ICECandidateInit) error {
	s, ok := m.sessions[from]
	if !ok {
		log.Warn().Str("service", "peer").Str("peer", string(from)).Msg("ICE candidate from unknown peer")
		return fmt.Errorf("%w: ICE candidate from %s", core.ErrUnknownPeer, from)
	}

	if s.remote == nil {
		s.pending = append(s.pending, candidate)
		return nil
	}

	if err := s.transport.AddICECandidate(candidate); err != nil {
		log.Warn().Err(err).Str("service", "peer").Str("peer", string(from)).Msg("can't add ICE candidate")
		return err
	}

	return nil
}

// SetLocalTracks attaches tracks to every session, replacing the track of a
// sender of the same kind in place. Sessions that gain a new sender are
// renegotiated.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) {
	for _, id := range m.Peers() {
		s := m.sessions[id]
		if !m.attach(s, tracks) {
			continue
		}

		switch s.state {
		case Connected:
			m.setState(s, Offering)
			m.offer(s)
		case Offering, Answering:
			s.renegotiate = true
		}
	}
}

// DetachTracks stops sending on every sender of every session. Senders keep
// their slots so a later source can reuse them.
func (m *Manager) DetachTracks() {
	for _, id := range m.Peers() {
		m.detach(m.sessions[id])
	}
}

func (m *Manager) open(peer core.PeerID) (*session, error) {
	s := newSession(peer, m.nextGeneration())

	s.transportID = s.generation
	t, err := m.openTransport(peer, s.transportID)
	if err != nil {
		nerr := &core.NegotiationError{Peer: peer, Op: opCreateTransport, Err: err}
		log.Error().Err(err).Str("service", "peer").Str("peer", string(peer)).Msg("can't create transport")
		telemetry.NegotiationCounter.WithLabelValues(opCreateTransport, "failure").Inc()
		if m.onFailure != nil {
			m.onFailure(nerr)
		}
		return nil, nerr
	}
	s.transport = t

	m.sessions[peer] = s
	telemetry.SessionStarted()
	log.Debug().Str("service", "peer").Str("peer", string(peer)).Msg("session opened")

	if m.tracks != nil {
		m.attach(s, m.tracks.Tracks())
	}

	return s, nil
}

// openTransport binds the events of a new transport to id. Events of a
// transport the session no longer uses are dropped.
func (m *Manager) openTransport(peer core.PeerID, id uint64) (Transport, error) {
	return m.newTransport(peer, TransportEvents{
		OnICECandidate: func(candidate webrtc.ICECandidateInit) {
			m.loop.Post(func() {
				if s, ok := m.bound(peer, id); ok {
					m.sendCandidate(s, candidate)
				}
			})
		},
		OnTrack: func(track RemoteTrack) {
			m.loop.Post(func() {
				if _, ok := m.bound(peer, id); ok && m.onRemoteTrack != nil {
					m.onRemoteTrack(peer, track)
				}
			})
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			m.loop.Post(func() {
				if _, ok := m.bound(peer, id); !ok {
					return
				}
				log.Debug().Str("service", "peer").Str("peer", string(peer)).Str("state", state.String()).Msg("transport state changed")
				telemetry.TransportCounter.WithLabelValues(state.String()).Inc()
			})
		},
	})
}

// dropLocalOffer discards our pending offer after losing a glare. A session
// that never completed a negotiation gets a fresh transport. An established
// one never applies its offers before they are answered, so there is nothing
// to undo on the transport.
func (m *Manager) dropLocalOffer(s *session) error {
	s.generation = m.nextGeneration()
	s.awaitingAnswer = false
	s.renegotiate = false
	s.unapplied = nil

	if s.remote != nil {
		// Our changes still need an offer of their own once the remote one
		// is answered.
		s.renegotiate = true
		return nil
	}

	old := s.transport
	s.transportID = s.generation
	t, err := m.openTransport(s.peer, s.transportID)
	if err != nil {
		m.fail(s, opCreateTransport, err)
		return &core.NegotiationError{Peer: s.peer, Op: opCreateTransport, Err: err}
	}
	s.transport = t
	s.senders = make(map[webrtc.RTPCodecType]Sender)
	s.localSent = false
	s.outgoing = nil
	m.closeTransport(s.peer, old)

	if m.tracks != nil {
		m.attach(s, m.tracks.Tracks())
	}

	return nil
}

// offer sends a fresh offer to the peer. The first offer of a session is
// applied before it is sent so ICE gathering starts. Later offers are applied
// only once answered, which leaves the transport stable if the peer offers at
// the same time.
func (m *Manager) offer(s *session) {
	t := s.transport

	var offer webrtc.SessionDescription
	m.step(s, Offering, opCreateOffer, func() (err error) {
		offer, err = t.CreateOffer()
		return err
	}, func(s *session) {
		if s.remote != nil {
			s.unapplied = &offer
			m.sendOffer(s, offer)
			return
		}

		m.step(s, Offering, opSetLocal, func() error {
			return t.SetLocalDescription(offer)
		}, func(s *session) {
			m.sendOffer(s, offer)
		})
	})
}

func (m *Manager) sendOffer(s *session, offer webrtc.SessionDescription) {
	if err := m.signaler.Send(signal.NewOffer(s.peer, offer)); err != nil {
		m.fail(s, opSend, err)
		return
	}
	s.awaitingAnswer = true
	m.localSent(s)
}

func (m *Manager) answer(s *session, offer webrtc.SessionDescription) {
	t := s.transport

	m.step(s, Answering, opSetRemote, func() error {
		return t.SetRemoteDescription(offer)
	}, func(s *session) {
		s.remote = &offer
		m.flushCandidates(s)

		var answer webrtc.SessionDescription
		m.step(s, Answering, opCreateAnswer, func() (err error) {
			answer, err = t.CreateAnswer()
			return err
		}, func(s *session) {
			m.step(s, Answering, opSetLocal, func() error {
				return t.SetLocalDescription(answer)
			}, func(s *session) {
				if err := m.signaler.Send(signal.NewAnswer(s.peer, answer)); err != nil {
					m.fail(s, opSend, err)
					return
				}
				m.localSent(s)
				m.setState(s, Connected)
				m.connected(s)
			})
		})
	})
}

// step runs work off the loop. The continuation is dropped when the session
// was closed, replaced or moved out of expect while work was running.
func (m *Manager) step(s *session, expect State, op string, work func() error, then func(*session)) {
	peer, generation := s.peer, s.generation

	m.loop.Go(func() func() {
		err := work()

		return func() {
			cur, ok := m.current(peer, generation)
			if !ok || cur.state != expect {
				log.Debug().Str("service", "peer").Str("peer", string(peer)).Str("op", op).Msg("discard stale result")
				telemetry.NegotiationCounter.WithLabelValues(op, "stale").Inc()
				return
			}
			if err != nil {
				m.fail(cur, op, err)
				return
			}

			telemetry.NegotiationCounter.WithLabelValues(op, "success").Inc()
			then(cur)
		}
	})
}

func (m *Manager) current(peer core.PeerID, generation uint64) (*session, bool) {
	s, ok := m.sessions[peer]
	if !ok || s.generation != generation {
		return nil, false
	}

	return s, true
}

func (m *Manager) bound(peer core.PeerID, transportID uint64) (*session, bool) {
	s, ok := m.sessions[peer]
	if !ok || s.transportID != transportID {
		return nil, false
	}

	return s, true
}

func (m *Manager) connected(s *session) {
	if s.queuedOffer != nil {
		offer := *s.queuedOffer
		s.queuedOffer = nil
		m.setState(s, Answering)
		m.answer(s, offer)
		return
	}
	if !s.renegotiate {
		return
	}
	s.renegotiate = false

	m.setState(s, Offering)
	m.offer(s)
}

func (m *Manager) localSent(s *session) {
	if s.localSent {
		return
	}
	s.localSent = true

	for _, candidate := range s.outgoing {
		m.sendCandidate(s, candidate)
	}
	s.outgoing = nil
}

func (m *Manager) sendCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if !s.localSent {
		s.outgoing = append(s.outgoing, candidate)
		return
	}

	if err := m.signaler.Send(signal.NewICECandidate(s.peer, candidate)); err != nil {
		log.Error().Err(err).Str("service", "peer").Str("peer", string(s.peer)).Msg("can't send ICE candidate")
	}
}

func (m *Manager) flushCandidates(s *session) {
	for _, candidate := range s.pending {
		if err := s.transport.AddICECandidate(candidate); err != nil {
			log.Warn().Err(err).Str("service", "peer").Str("peer", string(s.peer)).Msg("can't add buffered ICE candidate")
		}
	}
	s.pending = nil
}

// attach reports whether a new sender was added.
func (m *Manager) attach(s *session, tracks []webrtc.TrackLocal) bool {
	added := false

	for _, track := range tracks {
		if sender, ok := s.senders[track.Kind()]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				log.Error().Err(err).Str("service", "peer").Str("peer", string(s.peer)).Str("track", track.ID()).Msg("can't replace track")
			}
			continue
		}

		sender, err := s.transport.AddTrack(track)
		if err != nil {
			log.Error().Err(err).Str("service", "peer").Str("peer", string(s.peer)).Str("track", track.ID()).Msg("can't add track")
			continue
		}
		s.senders[track.Kind()] = sender
		added = true
	}

	return added
}

func (m *Manager) detach(s *session) {
	for kind, sender := range s.senders {
		if err := sender.ReplaceTrack(nil); err != nil {
			log.Error().Err(err).Str("service", "peer").Str("peer", string(s.peer)).Str("kind", kind.String()).Msg("can't detach track")
		}
	}
}

func (m *Manager) fail(s *session, op string, err error) {
	nerr := &core.NegotiationError{Peer: s.peer, Op: op, Err: err}

	log.Error().Err(err).Str("service", "peer").Str("peer", string(s.peer)).Str("op", op).Msg("negotiation failed")
	telemetry.NegotiationCounter.WithLabelValues(op, "failure").Inc()

	m.close(s)

	if m.onFailure != nil {
		m.onFailure(nerr)
	}
}

func (m *Manager) close(s *session) {
	s.generation = m.nextGeneration()
	delete(m.sessions, s.peer)

	m.detach(s)
	m.closeTransport(s.peer, s.transport)
	m.setState(s, Closed)

	telemetry.SessionStopped()

	if m.onClosed != nil {
		m.onClosed(s.peer)
	}
}

func (m *Manager) closeTransport(peer core.PeerID, t Transport) {
	m.loop.Go(func() func() {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("service", "peer").Str("peer", string(peer)).Msg("close transport")
		}
		return nil
	})
}

func (m *Manager) setState(s *session, state State) {
	if s.state == state {
		return
	}
	log.Debug().Str("service", "peer").Str("peer", string(s.peer)).Str("from", s.state.String()).Str("to", state.String()).Msg("state changed")
	s.state = state

	if m.onStateChange != nil {
		m.onStateChange(s.peer, state)
	}
}

func (m *Manager) nextGeneration() uint64 {
	m.generation++
	return m.generation
}
