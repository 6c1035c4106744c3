package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-mesh/internal/core"
)

type MessageType string

const (
	ClientIDType           MessageType = "client_id"
	SetNicknameType        MessageType = "set_nickname"
	NicknameSetType        MessageType = "nickname_set"
	CreateMeetingType      MessageType = "create_meeting"
	JoinMeetingType        MessageType = "join_meeting"
	LeaveMeetingType       MessageType = "leave_meeting"
	MeetingCreatedType     MessageType = "meeting_created"
	JoinedMeetingType      MessageType = "joined_meeting"
	LeftMeetingType        MessageType = "left_meeting"
	TerminateMeetingType   MessageType = "terminate_meeting"
	MeetingTerminatedType  MessageType = "meeting_terminated"
	ParticipantsUpdateType MessageType = "participants_update"
	TextMessageType        MessageType = "text_message"
	OfferType              MessageType = "webrtc_offer"
	AnswerType             MessageType = "webrtc_answer"
	ICECandidateType       MessageType = "ice_candidate"
	ErrorType              MessageType = "error"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
)

// Message is the relay envelope. Only the fields of its Type are set.
type Message struct {
	Type MessageType `json:"type"`

	ClientID  core.PeerID `json:"client_id,omitempty"`
	Nickname  string      `json:"nickname,omitempty"`
	MeetingID string      `json:"meeting_id,omitempty"`

	Participants map[core.PeerID]string `json:"participants,omitempty"`
	CreatorID    core.PeerID            `json:"creator_id,omitempty"`

	FromID    core.PeerID                `json:"from_id,omitempty"`
	TargetID  core.PeerID                `json:"target_id,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	SenderID       core.PeerID `json:"sender_id,omitempty"`
	SenderNickname string      `json:"sender_nickname,omitempty"`
	Content        string      `json:"content,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`

	Error string `json:"message,omitempty"`
}

// ChatMessage is a text message as broadcast by the relay.
type ChatMessage struct {
	SenderID       core.PeerID `json:"sender_id"`
	SenderNickname string      `json:"sender_nickname"`
	Content        string      `json:"content"`
	Timestamp      string      `json:"timestamp"`
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Roster converts a participants_update payload into a core.Roster.
func (m *Message) Roster() core.Roster {
	return core.NewRoster(m.Participants, m.CreatorID)
}

func (m *Message) Chat() ChatMessage {
	return ChatMessage{
		SenderID:       m.SenderID,
		SenderNickname: m.SenderNickname,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
	}
}

// MessageFromReader decodes a single message and checks that the payload
// required by its type is present.
func MessageFromReader(reader io.Reader) (*Message, error) {
	msg := &Message{}
	if err := json.NewDecoder(reader).Decode(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if err := msg.validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

func (m *Message) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s without %s", ErrMalformedMessage, m.Type, field)
	}

	switch m.Type {
	case "":
		return fmt.Errorf("%w: no type", ErrMalformedMessage)
	case ClientIDType:
		if m.ClientID.IsZero() {
			return missing("client_id")
		}
	case OfferType:
		if m.FromID.IsZero() || m.Offer == nil {
			return missing("from_id or offer")
		}
	case AnswerType:
		if m.FromID.IsZero() || m.Answer == nil {
			return missing("from_id or answer")
		}
	case ICECandidateType:
		if m.FromID.IsZero() || m.Candidate == nil {
			return missing("from_id or candidate")
		}
	case MeetingCreatedType, JoinedMeetingType:
		if m.MeetingID == "" {
			return missing("meeting_id")
		}
	case SetNicknameType, NicknameSetType, CreateMeetingType, JoinMeetingType, LeaveMeetingType,
		LeftMeetingType, TerminateMeetingType, MeetingTerminatedType, ParticipantsUpdateType,
		TextMessageType, ErrorType:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, string(m.Type))
	}

	return nil
}

func NewSetNickname(nickname string) *Message {
	return &Message{Type: SetNicknameType, Nickname: nickname}
}

func NewCreateMeeting(meetingID string) *Message {
	return &Message{Type: CreateMeetingType, MeetingID: meetingID}
}

func NewJoinMeeting(meetingID string) *Message {
	return &Message{Type: JoinMeetingType, MeetingID: meetingID}
}

func NewLeaveMeeting(meetingID string) *Message {
	return &Message{Type: LeaveMeetingType, MeetingID: meetingID}
}

func NewTerminateMeeting(meetingID string) *Message {
	return &Message{Type: TerminateMeetingType, MeetingID: meetingID}
}

func NewTextMessage(meetingID, content string) *Message {
	return &Message{Type: TextMessageType, MeetingID: meetingID, Content: content}
}

func NewOffer(target core.PeerID, sdp webrtc.SessionDescription) *Message {
	return &Message{Type: OfferType, TargetID: target, Offer: &sdp}
}

func NewAnswer(target core.PeerID, sdp webrtc.SessionDescription) *Message {
	return &Message{Type: AnswerType, TargetID: target, Answer: &sdp}
}

func NewICECandidate(target core.PeerID, candidate webrtc.ICECandidateInit) *Message {
	return &Message{Type: ICECandidateType, TargetID: target, Candidate: &candidate}
}
