package conference

import (
	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/peer"
	"github.com/isqad/livelook-mesh/internal/signal"
)

// Snapshot is a copy of the client state for readers outside the loop.
type Snapshot struct {
	ClientID  core.PeerID                `json:"client_id"`
	Nickname  string                     `json:"nickname"`
	MeetingID string                     `json:"meeting_id"`
	Roster    core.Roster                `json:"roster"`
	CreatorID core.PeerID                `json:"creator_id"`
	IsCreator bool                       `json:"is_creator"`
	Chat      []signal.ChatMessage       `json:"chat"`
	LastError string                     `json:"last_error,omitempty"`
	Source    core.SourceKind            `json:"source"`
	Sessions  map[core.PeerID]peer.State `json:"sessions"`
}

type state struct {
	clientID  core.PeerID
	nickname  string
	meetingID string
	roster    core.Roster
	chat      []signal.ChatMessage
	lastError string
}

func (s *state) resetMeeting() {
	s.meetingID = ""
	s.roster = core.Roster{}
	s.chat = nil
}

func (s *state) reset() {
	*s = state{}
}

func (s *state) appendChat(msg signal.ChatMessage, limit int) {
	s.chat = append(s.chat, msg)
	if over := len(s.chat) - limit; over > 0 {
		s.chat = append([]signal.ChatMessage(nil), s.chat[over:]...)
	}
}

func (s *state) snapshot(sessions map[core.PeerID]peer.State) Snapshot {
	if sessions == nil {
		sessions = make(map[core.PeerID]peer.State)
	}

	return Snapshot{
		ClientID:  s.clientID,
		Nickname:  s.nickname,
		MeetingID: s.meetingID,
		Roster:    s.roster.Clone(),
		CreatorID: s.roster.CreatorID,
		IsCreator: !s.clientID.IsZero() && s.roster.CreatorID == s.clientID,
		Chat:      append([]signal.ChatMessage(nil), s.chat...),
		LastError: s.lastError,
		Sessions:  sessions,
	}
}

// Snapshot returns the state as of the last processed event.
func (c *Client) Snapshot() Snapshot {
	c.snapshotLock.RLock()
	defer c.snapshotLock.RUnlock()

	return c.snapshot
}

// Subscribe returns a channel signalled after every committed change and
// when the loop stops. Notifications coalesce; read Snapshot for the state.
func (c *Client) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.snapshotLock.Lock()
	c.subscribers[ch] = struct{}{}
	c.snapshotLock.Unlock()

	return ch, func() {
		c.snapshotLock.Lock()
		delete(c.subscribers, ch)
		c.snapshotLock.Unlock()
	}
}

func (c *Client) publish() {
	if !c.dirty {
		return
	}
	c.dirty = false

	snapshot := c.state.snapshot(c.peers.States())
	snapshot.Source = c.media.Kind()

	c.snapshotLock.Lock()
	c.snapshot = snapshot
	c.snapshotLock.Unlock()

	c.notify()
}

func (c *Client) notify() {
	c.snapshotLock.RLock()
	defer c.snapshotLock.RUnlock()

	for ch := range c.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
