// Package sink collects the remote media of every peer for rendering.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/telemetry"
)

// Track is an inbound media track.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PacketHandler receives every packet read from a remote track. It is called
// from the track's reader goroutine.
type PacketHandler func(peer core.PeerID, trackID string, packet *rtp.Packet)

// TrackInfo is a snapshot of one remote track.
type TrackInfo struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
	Ended    bool   `json:"ended"`
}

// RemoteStream is a snapshot of the media received from one peer.
type RemoteStream struct {
	Peer   core.PeerID `json:"peer"`
	Tracks []TrackInfo `json:"tracks"`
}

type remoteTrack struct {
	track   Track
	packets atomic.Uint64
	bytes   atomic.Uint64
	ended   atomic.Bool
	removed atomic.Bool
}

type stream struct {
	peer   core.PeerID
	tracks []*remoteTrack
}

// Sink is the StreamSink. It is safe for concurrent use.
type Sink struct {
	lock    sync.RWMutex
	streams map[core.PeerID]*stream
	handler PacketHandler
}

func New() *Sink {
	return &Sink{streams: make(map[core.PeerID]*stream)}
}

// OnPacket sets the handler for tracks added afterwards.
func (s *Sink) OnPacket(handler PacketHandler) {
	s.lock.Lock()
	s.handler = handler
	s.lock.Unlock()
}

// AddTrack attaches track to the stream of peer, creating the stream on the
// first track, and starts draining it.
func (s *Sink) AddTrack(peer core.PeerID, track Track) {
	t := &remoteTrack{track: track}

	s.lock.Lock()
	st, ok := s.streams[peer]
	if !ok {
		st = &stream{peer: peer}
		s.streams[peer] = st
		telemetry.RemoteStreamAdded()
	}
	st.tracks = append(st.tracks, t)
	handler := s.handler
	s.lock.Unlock()

	log.Debug().Str("service", "sink").Str("peer", string(peer)).Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("remote track added")

	go s.drain(peer, t, handler)
}

func (s *Sink) drain(peer core.PeerID, t *remoteTrack, handler PacketHandler) {
	defer t.ended.Store(true)

	for {
		packet, _, err := t.track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("service", "sink").Str("peer", string(peer)).Str("track", t.track.ID()).Msg("remote track ended")
			return
		}

		t.packets.Add(1)
		t.bytes.Add(uint64(len(packet.Payload)))

		if handler != nil && !t.removed.Load() {
			handler(peer, t.track.ID(), packet)
		}
	}
}

// RemoveStream drops every track of peer. Readers stop forwarding packets
// and end with their transport.
func (s *Sink) RemoveStream(peer core.PeerID) {
	s.lock.Lock()
	st, ok := s.streams[peer]
	if ok {
		delete(s.streams, peer)
	}
	s.lock.Unlock()

	if !ok {
		return
	}

	for _, t := range st.tracks {
		t.removed.Store(true)
	}
	telemetry.RemoteStreamRemoved()

	log.Debug().Str("service", "sink").Str("peer", string(peer)).Msg("remote stream removed")
}

// Clear removes every stream.
func (s *Sink) Clear() {
	for _, stream := range s.Streams() {
		s.RemoveStream(stream.Peer)
	}
}

func (s *Sink) Stream(peer core.PeerID) (RemoteStream, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	st, ok := s.streams[peer]
	if !ok {
		return RemoteStream{}, false
	}

	return st.snapshot(), true
}

// Streams returns a snapshot of every stream ordered by peer.
func (s *Sink) Streams() []RemoteStream {
	s.lock.RLock()
	ids := make([]core.PeerID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	core.SortPeerIDs(ids)

	streams := make([]RemoteStream, 0, len(ids))
	for _, id := range ids {
		streams = append(streams, s.streams[id].snapshot())
	}
	s.lock.RUnlock()

	return streams
}

func (s *Sink) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.streams)
}

func (st *stream) snapshot() RemoteStream {
	tracks := make([]TrackInfo, 0, len(st.tracks))
	for _, t := range st.tracks {
		tracks = append(tracks, TrackInfo{
			ID:       t.track.ID(),
			StreamID: t.track.StreamID(),
			Kind:     t.track.Kind().String(),
			Packets:  t.packets.Load(),
			Bytes:    t.bytes.Load(),
			Ended:    t.ended.Load(),
		})
	}

	return RemoteStream{Peer: st.peer, Tracks: tracks}
}
