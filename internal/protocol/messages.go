package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dkeye/Huddle/internal/domain"
)

const MaxContentLen = 4000

// Message is any inbound frame after validation.
type Message interface {
	Type() string
}

type UserJoined struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

func (UserJoined) Type() string { return TypeUserJoined }

func (m UserJoined) Validate() error {
	_, err := m.Identity()
	return err
}

func (m UserJoined) Identity() (domain.Identity, error) {
	return domain.NewIdentity(m.UserID, m.DisplayName, m.Avatar)
}

type JoinChannel struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

func (JoinChannel) Type() string      { return TypeJoinChannel }
func (m JoinChannel) Validate() error { return m.ChannelID.Validate() }

type LeaveChannel struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

func (LeaveChannel) Type() string      { return TypeLeaveChannel }
func (m LeaveChannel) Validate() error { return m.ChannelID.Validate() }

type NewMessage struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Content   string           `json:"content"`
}

func (NewMessage) Type() string { return TypeNewMessage }

func (m NewMessage) Validate() error {
	if err := m.ChannelID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.New("empty content")
	}
	if len(m.Content) > MaxContentLen {
		return errors.New("content too long")
	}
	return nil
}

type Typing struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

func (Typing) Type() string      { return TypeTyping }
func (m Typing) Validate() error { return m.ChannelID.Validate() }

// VoiceState requests a voice move; a null channelId leaves voice.
// The optional identity fields attach an identity when none is known yet.
type VoiceState struct {
	ChannelID   *domain.ChannelID `json:"channelId"`
	Muted       bool              `json:"muted"`
	Deafened    bool              `json:"deafened"`
	UserID      string            `json:"userId,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	Avatar      string            `json:"avatar,omitempty"`
}

func (VoiceState) Type() string { return TypeVoiceState }

func (m VoiceState) Validate() error {
	if m.ChannelID != nil {
		if err := m.ChannelID.Validate(); err != nil {
			return err
		}
	}
	if m.UserID != "" {
		if _, err := domain.NewIdentity(m.UserID, m.DisplayName, m.Avatar); err != nil {
			return err
		}
	}
	return nil
}

// Target is the requested channel, empty for leave.
func (m VoiceState) Target() domain.ChannelID {
	if m.ChannelID == nil {
		return ""
	}
	return *m.ChannelID
}

// Identity returns the embedded identity if the frame carries one.
func (m VoiceState) Identity() (domain.Identity, bool) {
	if m.UserID == "" {
		return domain.Identity{}, false
	}
	id, err := domain.NewIdentity(m.UserID, m.DisplayName, m.Avatar)
	return id, err == nil
}

type SpeakingState struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Speaking  bool             `json:"speaking"`
}

func (SpeakingState) Type() string      { return TypeSpeakingState }
func (m SpeakingState) Validate() error { return m.ChannelID.Validate() }

// RTCSignal is one of the directed rtc_* frames; Payload is forwarded verbatim.
type RTCSignal struct {
	Kind         string          `json:"-"`
	TargetUserID domain.UserID   `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

func (m RTCSignal) Type() string { return m.Kind }

func (m RTCSignal) Validate() error {
	if m.TargetUserID == "" {
		return errors.New("missing targetUserId")
	}
	if len(m.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

type Ping struct{}

func (Ping) Type() string    { return TypePing }
func (Ping) Validate() error { return nil }

// Decode parses one inbound frame into its typed message.
func Decode(frame []byte) (Message, error) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeUserJoined:
		return asMessage[UserJoined](decodeAs(env, UserJoined{}))
	case TypeJoinChannel:
		return asMessage[JoinChannel](decodeAs(env, JoinChannel{}))
	case TypeLeaveChannel:
		return asMessage[LeaveChannel](decodeAs(env, LeaveChannel{}))
	case TypeNewMessage:
		return asMessage[NewMessage](decodeAs(env, NewMessage{}))
	case TypeTyping:
		return asMessage[Typing](decodeAs(env, Typing{}))
	case TypeVoiceState:
		return asMessage[VoiceState](decodeAs(env, VoiceState{}))
	case TypeSpeakingState:
		return asMessage[SpeakingState](decodeAs(env, SpeakingState{}))
	case TypeRTCOffer, TypeRTCAnswer, TypeRTCIceCandidate:
		return asMessage[RTCSignal](decodeAs(env, RTCSignal{Kind: env.Type}))
	case TypePing:
		return Ping{}, nil
	}
	return nil, &DecodeError{Type: env.Type, Kind: ErrUnknownType}
}

func asMessage[T Message](m T, err error) (Message, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}
