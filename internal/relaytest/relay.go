// Package relaytest runs an in-process signaling relay for tests. It speaks
// the same protocol as the production relay: ids are assigned on connect,
// meetings broadcast full rosters, negotiation messages are forwarded with
// from_id set to the sender.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/signal"
)

const sessionIDKey = "client_id"

type meeting struct {
	creator      core.PeerID
	participants map[core.PeerID]string
}

type Relay struct {
	websocket *melody.Melody
	server    *httptest.Server
	nextID    int64

	lock      sync.Mutex
	sessions  map[core.PeerID]*melody.Session
	nicknames map[core.PeerID]string
	meetings  map[string]*meeting
	received  []*signal.Message
}

func New() *Relay {
	relay := &Relay{
		websocket: melody.New(),
		nextID:    100,
		sessions:  make(map[core.PeerID]*melody.Session),
		nicknames: make(map[core.PeerID]string),
		meetings:  make(map[string]*meeting),
	}
	relay.websocket.Config.MaxMessageSize = 200 * 1024

	relay.websocket.HandleConnect(relay.handleConnect)
	relay.websocket.HandleDisconnect(relay.handleDisconnect)
	relay.websocket.HandleMessage(relay.handleMessage)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		id := core.PeerID(strconv.FormatInt(atomic.AddInt64(&relay.nextID, 1), 10))
		keys := map[string]interface{}{sessionIDKey: id}

		if err := relay.websocket.HandleRequestWithKeys(w, r, keys); err != nil {
			log.Error().Err(err).Str("service", "relaytest").Msg("can't handle request")
		}
	})

	relay.server = httptest.NewServer(r)

	return relay
}

// URL is the ws:// address of the relay endpoint.
func (relay *Relay) URL() string {
	return "ws" + strings.TrimPrefix(relay.server.URL, "http") + "/ws"
}

func (relay *Relay) Close() {
	_ = relay.websocket.Close()
	relay.server.Close()
}

// Clients returns the ids of connected clients.
func (relay *Relay) Clients() []core.PeerID {
	relay.lock.Lock()
	defer relay.lock.Unlock()

	ids := make([]core.PeerID, 0, len(relay.sessions))
	for id := range relay.sessions {
		ids = append(ids, id)
	}
	core.SortPeerIDs(ids)

	return ids
}

// WaitClients blocks until n clients are connected or the timeout passes.
func (relay *Relay) WaitClients(n int, timeout time.Duration) []core.PeerID {
	deadline := time.Now().Add(timeout)
	for {
		ids := relay.Clients()
		if len(ids) >= n || time.Now().After(deadline) {
			return ids
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Received returns copies of the messages clients sent, in arrival order.
func (relay *Relay) Received() []signal.Message {
	relay.lock.Lock()
	defer relay.lock.Unlock()

	out := make([]signal.Message, 0, len(relay.received))
	for _, msg := range relay.received {
		out = append(out, *msg)
	}

	return out
}

// Push writes msg to the client with id.
func (relay *Relay) Push(id core.PeerID, msg *signal.Message) error {
	relay.lock.Lock()
	session, ok := relay.sessions[id]
	relay.lock.Unlock()
	if !ok {
		return core.ErrUnknownPeer
	}

	return write(session, msg)
}

// Kick closes the connection of the client with id.
func (relay *Relay) Kick(id core.PeerID) {
	relay.lock.Lock()
	session, ok := relay.sessions[id]
	relay.lock.Unlock()

	if ok {
		_ = session.Close()
	}
}

func (relay *Relay) handleConnect(s *melody.Session) {
	id := sessionID(s)

	relay.lock.Lock()
	relay.sessions[id] = s
	relay.nicknames[id] = "User" + string(id)
	relay.lock.Unlock()

	_ = write(s, &signal.Message{Type: signal.ClientIDType, ClientID: id})
}

func (relay *Relay) handleDisconnect(s *melody.Session) {
	id := sessionID(s)

	relay.lock.Lock()
	delete(relay.sessions, id)
	delete(relay.nicknames, id)
	var updated []string
	for meetingID, m := range relay.meetings {
		if _, ok := m.participants[id]; ok {
			delete(m.participants, id)
			updated = append(updated, meetingID)
		}
	}
	relay.lock.Unlock()

	for _, meetingID := range updated {
		relay.broadcastParticipants(meetingID)
	}
}

func (relay *Relay) handleMessage(s *melody.Session, data []byte) {
	from := sessionID(s)

	msg := &signal.Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		relay.sendError(s, "malformed message")
		return
	}

	relay.lock.Lock()
	relay.received = append(relay.received, msg)
	relay.lock.Unlock()

	switch msg.Type {
	case signal.SetNicknameType:
		if msg.Nickname == "" {
			relay.sendError(s, "nickname is empty")
			return
		}
		relay.lock.Lock()
		relay.nicknames[from] = msg.Nickname
		relay.lock.Unlock()
		_ = write(s, &signal.Message{Type: signal.NicknameSetType, Nickname: msg.Nickname})
	case signal.CreateMeetingType:
		relay.lock.Lock()
		_, exists := relay.meetings[msg.MeetingID]
		if !exists {
			relay.meetings[msg.MeetingID] = &meeting{
				creator:      from,
				participants: map[core.PeerID]string{from: relay.nicknames[from]},
			}
		}
		relay.lock.Unlock()
		if exists {
			relay.sendError(s, "meeting already exists")
			return
		}
		_ = write(s, &signal.Message{Type: signal.MeetingCreatedType, MeetingID: msg.MeetingID})
		relay.broadcastParticipants(msg.MeetingID)
	case signal.JoinMeetingType:
		relay.lock.Lock()
		m, ok := relay.meetings[msg.MeetingID]
		if ok {
			m.participants[from] = relay.nicknames[from]
		}
		relay.lock.Unlock()
		if !ok {
			relay.sendError(s, "meeting does not exist")
			return
		}
		_ = write(s, &signal.Message{Type: signal.JoinedMeetingType, MeetingID: msg.MeetingID})
		relay.broadcastParticipants(msg.MeetingID)
	case signal.LeaveMeetingType:
		relay.lock.Lock()
		if m, ok := relay.meetings[msg.MeetingID]; ok {
			delete(m.participants, from)
		}
		relay.lock.Unlock()
		_ = write(s, &signal.Message{Type: signal.LeftMeetingType, MeetingID: msg.MeetingID})
		relay.broadcastParticipants(msg.MeetingID)
	case signal.TerminateMeetingType:
		relay.terminate(s, from, msg.MeetingID)
	case signal.TextMessageType:
		relay.broadcast(msg.MeetingID, &signal.Message{
			Type:           signal.TextMessageType,
			SenderID:       from,
			SenderNickname: relay.nickname(from),
			Content:        msg.Content,
			Timestamp:      time.Now().Format("2006-01-02 15:04:05"),
		})
	case signal.OfferType, signal.AnswerType, signal.ICECandidateType:
		target := msg.TargetID
		msg.TargetID = ""
		msg.FromID = from
		if err := relay.Push(target, msg); err != nil {
			relay.sendError(s, "target client does not exist")
		}
	default:
		relay.sendError(s, "unknown message type")
	}
}

func (relay *Relay) terminate(s *melody.Session, from core.PeerID, meetingID string) {
	relay.lock.Lock()
	m, ok := relay.meetings[meetingID]
	allowed := ok && m.creator == from
	if allowed {
		delete(relay.meetings, meetingID)
	}
	relay.lock.Unlock()

	if !ok {
		relay.sendError(s, "meeting does not exist")
		return
	}
	if !allowed {
		relay.sendError(s, "only the creator can terminate the meeting")
		return
	}

	msg := &signal.Message{Type: signal.MeetingTerminatedType, MeetingID: meetingID}
	for id := range m.participants {
		_ = relay.Push(id, msg)
	}
}

func (relay *Relay) broadcastParticipants(meetingID string) {
	relay.lock.Lock()
	m, ok := relay.meetings[meetingID]
	if !ok {
		relay.lock.Unlock()
		return
	}
	msg := &signal.Message{
		Type:         signal.ParticipantsUpdateType,
		MeetingID:    meetingID,
		Participants: core.NewRoster(m.participants, m.creator).Participants,
		CreatorID:    m.creator,
	}
	relay.lock.Unlock()

	relay.broadcast(meetingID, msg)
}

func (relay *Relay) broadcast(meetingID string, msg *signal.Message) {
	relay.lock.Lock()
	var targets []core.PeerID
	if m, ok := relay.meetings[meetingID]; ok {
		for id := range m.participants {
			targets = append(targets, id)
		}
	}
	relay.lock.Unlock()

	for _, id := range targets {
		_ = relay.Push(id, msg)
	}
}

func (relay *Relay) nickname(id core.PeerID) string {
	relay.lock.Lock()
	defer relay.lock.Unlock()

	return relay.nicknames[id]
}

func (relay *Relay) sendError(s *melody.Session, text string) {
	_ = write(s, &signal.Message{Type: signal.ErrorType, Error: text})
}

func sessionID(s *melody.Session) core.PeerID {
	id, _ := s.Keys[sessionIDKey].(core.PeerID)
	return id
}

func write(s *melody.Session, msg *signal.Message) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	return s.Write(payload)
}
