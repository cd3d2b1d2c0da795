package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

const (
	VoiceJoined = "joined"
	VoiceLeft   = "left"
)

// Event is any outbound frame a client can receive.
type Event interface {
	Type() string
}

// Welcome answers user_joined to the identifying session only.
type Welcome struct {
	SessionID     string                                         `json:"sessionId"`
	User          domain.Identity                                `json:"user"`
	VoiceChannels map[domain.ChannelID][]domain.VoiceParticipant `json:"voiceChannels"`
}

func (Welcome) Type() string    { return TypeUserJoined }
func (Welcome) Validate() error { return nil }

// ChannelAck confirms join_channel / leave_channel to the requesting session.
type ChannelAck struct {
	Kind        string           `json:"-"`
	ChannelID   domain.ChannelID `json:"channelId"`
	MemberCount int              `json:"memberCount"`
}

func (a ChannelAck) Type() string  { return a.Kind }
func (ChannelAck) Validate() error { return nil }

type MessageEvent struct {
	ID          domain.MessageID `json:"id"`
	ChannelID   domain.ChannelID `json:"channelId"`
	Content     string           `json:"content"`
	UserID      domain.UserID    `json:"userId"`
	DisplayName string           `json:"displayName"`
	Avatar      string           `json:"avatar,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func (MessageEvent) Type() string    { return TypeNewMessage }
func (MessageEvent) Validate() error { return nil }

func NewMessageEvent(m domain.Message) MessageEvent {
	return MessageEvent{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		Content:     m.Content,
		UserID:      m.Author.UserID,
		DisplayName: m.Author.DisplayName,
		Avatar:      m.Author.AvatarRef,
		CreatedAt:   m.CreatedAt,
	}
}

type TypingEvent struct {
	ChannelID   domain.ChannelID `json:"channelId"`
	UserID      domain.UserID    `json:"userId"`
	DisplayName string           `json:"displayName"`
}

func (TypingEvent) Type() string    { return TypeTyping }
func (TypingEvent) Validate() error { return nil }

// VoiceStateEvent announces a voice presence change. Participants is the channel's
// full list after the change.
type VoiceStateEvent struct {
	Action       string                    `json:"action"`
	ChannelID    domain.ChannelID          `json:"channelId"`
	UserID       domain.UserID             `json:"userId"`
	Participant  *domain.VoiceParticipant  `json:"participant,omitempty"`
	Participants []domain.VoiceParticipant `json:"participants"`
}

func (VoiceStateEvent) Type() string { return TypeVoiceState }

func (e VoiceStateEvent) Validate() error {
	if e.Action != VoiceJoined && e.Action != VoiceLeft {
		return errors.New("unknown voice action")
	}
	if e.UserID == "" {
		return errors.New("missing userId")
	}
	return e.ChannelID.Validate()
}

type SpeakingEvent struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	Speaking  bool             `json:"speaking"`
}

func (SpeakingEvent) Type() string    { return TypeSpeakingState }
func (SpeakingEvent) Validate() error { return nil }

// RTCRelay is a directed rtc_* frame as delivered to its target.
type RTCRelay struct {
	Kind       string          `json:"-"`
	FromUserID domain.UserID   `json:"fromUserId"`
	ToUserID   domain.UserID   `json:"toUserId"`
	Payload    json.RawMessage `json:"payload"`
}

func (r RTCRelay) Type() string  { return r.Kind }
func (RTCRelay) Validate() error { return nil }

type Pong struct{}

func (Pong) Type() string    { return TypePong }
func (Pong) Validate() error { return nil }

// EncodeEvent frames an outbound event.
func EncodeEvent(e Event) ([]byte, error) {
	return Encode(e.Type(), e)
}

// EncodeMessage frames an inbound message, as a client sends it.
func EncodeMessage(m Message) ([]byte, error) {
	return Encode(m.Type(), m)
}

// DecodeEvent parses one outbound frame; it is the client-side counterpart of Decode.
func DecodeEvent(frame []byte) (Event, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeUserJoined:
		return asEvent[Welcome](decodeAs(env, Welcome{}))
	case TypeJoinChannel, TypeLeaveChannel:
		return asEvent[ChannelAck](decodeAs(env, ChannelAck{Kind: env.Type}))
	case TypeNewMessage:
		return asEvent[MessageEvent](decodeAs(env, MessageEvent{}))
	case TypeTyping:
		return asEvent[TypingEvent](decodeAs(env, TypingEvent{}))
	case TypeVoiceState:
		return asEvent[VoiceStateEvent](decodeAs(env, VoiceStateEvent{}))
	case TypeSpeakingState:
		return asEvent[SpeakingEvent](decodeAs(env, SpeakingEvent{}))
	case TypeRTCOffer, TypeRTCAnswer, TypeRTCIceCandidate:
		return asEvent[RTCRelay](decodeAs(env, RTCRelay{Kind: env.Type}))
	case TypePong:
		return Pong{}, nil
	}
	return nil, &DecodeError{Type: env.Type, Kind: ErrUnknownType}
}

func asEvent[T Event](e T, err error) (Event, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}
