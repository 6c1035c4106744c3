package conference

import (
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/peer"
	"github.com/isqad/livelook-mesh/internal/roster"
	"github.com/isqad/livelook-mesh/internal/signal"
)

func (c *Client) route() {
	c.router.OnClientID(c.handleClientID)
	c.router.OnNicknameSet(func(nickname string) {
		c.state.nickname = nickname
		c.changed()
	})
	c.router.OnMeetingCreated(c.handleMeetingEntered)
	c.router.OnJoinedMeeting(c.handleMeetingEntered)
	c.router.OnLeftMeeting(c.handleMeetingEnded)
	c.router.OnMeetingTerminated(c.handleMeetingEnded)
	c.router.OnParticipantsUpdate(c.handleParticipants)
	c.router.OnTextMessage(func(msg signal.ChatMessage) {
		c.state.appendChat(msg, c.historyLimit)
		c.changed()
	})
	c.router.OnOffer(func(from core.PeerID, offer webrtc.SessionDescription) {
		if err := c.peers.HandleOffer(from, offer); err != nil {
			log.Warn().Err(err).Str("service", "conference").Str("peer", string(from)).Msg("offer not handled")
		}
	})
	c.router.OnAnswer(func(from core.PeerID, answer webrtc.SessionDescription) {
		if err := c.peers.HandleAnswer(from, answer); err != nil {
			log.Warn().Err(err).Str("service", "conference").Str("peer", string(from)).Msg("answer not handled")
		}
	})
	c.router.OnICECandidate(func(from core.PeerID, candidate webrtc.ICECandidateInit) {
		if err := c.peers.HandleICECandidate(from, candidate); err != nil {
			log.Warn().Err(err).Str("service", "conference").Str("peer", string(from)).Msg("ICE candidate not handled")
		}
	})
	c.router.OnError(func(text string) {
		log.Warn().Str("service", "conference").Str("error", text).Msg("relay error")
		c.state.lastError = text
		c.changed()
	})
}

func (c *Client) handleClientID(id core.PeerID) {
	log.Info().Str("service", "conference").Str("client_id", string(id)).Msg("client id assigned")

	c.state.clientID = id
	c.peers.SetSelf(id)
	c.changed()

	// A roster that arrived before our id was never acted on.
	if c.state.roster.Len() > 0 {
		c.reconcile(core.Roster{}, c.state.roster)
	}
}

func (c *Client) handleMeetingEntered(meetingID string) {
	log.Info().Str("service", "conference").Str("meeting", meetingID).Msg("entered meeting")

	if c.state.meetingID != "" && c.state.meetingID != meetingID {
		c.endMeeting()
	}
	c.state.meetingID = meetingID
	c.changed()
}

// handleMeetingEnded closes every session. The local source stays active so
// it is ready for the next meeting. A confirmation of a leave we already
// acted on finds nothing left to close.
func (c *Client) handleMeetingEnded(meetingID string) {
	if c.state.meetingID != "" && meetingID != c.state.meetingID {
		log.Warn().Str("service", "conference").Str("meeting", meetingID).Msg("end of unknown meeting")
		return
	}

	log.Info().Str("service", "conference").Str("meeting", meetingID).Msg("meeting ended")
	c.endMeeting()
}

func (c *Client) endMeeting() {
	c.peers.CloseAll()
	c.sink.Clear()
	c.state.resetMeeting()
	c.changed()
}

func (c *Client) handleParticipants(meetingID string, current core.Roster) {
	if c.state.meetingID == "" {
		c.state.meetingID = meetingID
	}
	if meetingID != c.state.meetingID {
		log.Warn().Str("service", "conference").Str("meeting", meetingID).Msg("participants of another meeting")
		return
	}

	previous := c.state.roster
	c.state.roster = current
	c.changed()

	if c.state.clientID.IsZero() {
		log.Warn().Str("service", "conference").Msg("participants before client id")
		return
	}

	c.reconcile(previous, current)
}

func (c *Client) reconcile(previous, current core.Roster) {
	intents := roster.Reconcile(previous, current, c.state.clientID, c.peers.Peers())
	if intents.Empty() {
		return
	}

	log.Debug().Str("service", "conference").
		Interface("connect", intents.ToConnect).
		Interface("disconnect", intents.ToDisconnect).
		Msg("roster changed")

	for _, id := range intents.ToDisconnect {
		c.peers.Disconnect(id)
	}
	for _, id := range intents.ToConnect {
		if err := c.peers.Connect(id); err != nil {
			log.Error().Err(err).Str("service", "conference").Str("peer", string(id)).Msg("can't connect")
		}
	}
}

func (c *Client) handleRemoteTrack(id core.PeerID, track peer.RemoteTrack) {
	c.sink.AddTrack(id, track)
	c.changed()
}

func (c *Client) handleSessionClosed(id core.PeerID) {
	c.sink.RemoveStream(id)
	c.changed()
}

func (c *Client) handleNegotiationFailure(err error) {
	c.state.lastError = err.Error()
	c.changed()
}
