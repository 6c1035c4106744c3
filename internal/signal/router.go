package signal

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
)

// Router dispatches relay messages to the callbacks registered for their type.
// Types without a callback are ignored.
type Router struct {
	onClientID          func(core.PeerID)
	onNicknameSet       func(string)
	onMeetingCreated    func(string)
	onJoinedMeeting     func(string)
	onLeftMeeting       func(string)
	onMeetingTerminated func(string)
	onParticipants      func(meetingID string, roster core.Roster)
	onTextMessage       func(ChatMessage)
	onOffer             func(core.PeerID, webrtc.SessionDescription)
	onAnswer            func(core.PeerID, webrtc.SessionDescription)
	onICECandidate      func(core.PeerID, webrtc.ICECandidateInit)
	onError             func(string)
}

func NewRouter() *Router {
	return &Router{}
}

// Dispatch routes msg. It returns ErrUnknownMessageType for types the client
// does not understand and ErrMalformedMessage for missing payloads.
func (router *Router) Dispatch(msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	switch msg.Type {
	case ClientIDType:
		if router.onClientID != nil {
			router.onClientID(msg.ClientID)
		}
	case NicknameSetType:
		if router.onNicknameSet != nil {
			router.onNicknameSet(msg.Nickname)
		}
	case MeetingCreatedType:
		if router.onMeetingCreated != nil {
			router.onMeetingCreated(msg.MeetingID)
		}
	case JoinedMeetingType:
		if router.onJoinedMeeting != nil {
			router.onJoinedMeeting(msg.MeetingID)
		}
	case LeftMeetingType:
		if router.onLeftMeeting != nil {
			router.onLeftMeeting(msg.MeetingID)
		}
	case MeetingTerminatedType:
		if router.onMeetingTerminated != nil {
			router.onMeetingTerminated(msg.MeetingID)
		}
	case ParticipantsUpdateType:
		if router.onParticipants != nil {
			router.onParticipants(msg.MeetingID, msg.Roster())
		}
	case TextMessageType:
		if router.onTextMessage != nil {
			router.onTextMessage(msg.Chat())
		}
	case OfferType:
		if router.onOffer != nil {
			router.onOffer(msg.FromID, *msg.Offer)
		}
	case AnswerType:
		if router.onAnswer != nil {
			router.onAnswer(msg.FromID, *msg.Answer)
		}
	case ICECandidateType:
		if router.onICECandidate != nil {
			router.onICECandidate(msg.FromID, *msg.Candidate)
		}
	case ErrorType:
		if router.onError != nil {
			router.onError(msg.Error)
		}
	default:
		log.Debug().Str("service", "router").Str("type", string(msg.Type)).Msg("no route for client-bound type")
		return fmt.Errorf("%w: %q is not relay-bound", ErrUnknownMessageType, string(msg.Type))
	}

	return nil
}

func (router *Router) OnClientID(callback func(core.PeerID)) {
	router.onClientID = callback
}

func (router *Router) OnNicknameSet(callback func(string)) {
	router.onNicknameSet = callback
}

func (router *Router) OnMeetingCreated(callback func(string)) {
	router.onMeetingCreated = callback
}

func (router *Router) OnJoinedMeeting(callback func(string)) {
	router.onJoinedMeeting = callback
}

func (router *Router) OnLeftMeeting(callback func(string)) {
	router.onLeftMeeting = callback
}

func (router *Router) OnMeetingTerminated(callback func(string)) {
	router.onMeetingTerminated = callback
}

func (router *Router) OnParticipantsUpdate(callback func(string, core.Roster)) {
	router.onParticipants = callback
}

func (router *Router) OnTextMessage(callback func(ChatMessage)) {
	router.onTextMessage = callback
}

func (router *Router) OnOffer(callback func(core.PeerID, webrtc.SessionDescription)) {
	router.onOffer = callback
}

func (router *Router) OnAnswer(callback func(core.PeerID, webrtc.SessionDescription)) {
	router.onAnswer = callback
}

func (router *Router) OnICECandidate(callback func(core.PeerID, webrtc.ICECandidateInit)) {
	router.onICECandidate = callback
}

func (router *Router) OnError(callback func(string)) {
	router.onError = callback
}
