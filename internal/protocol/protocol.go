// Package protocol defines the wire envelope exchanged over the signaling socket and
// the typed payload carried for every message type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeUserJoined      = "user_joined"
	TypeJoinChannel     = "join_channel"
	TypeLeaveChannel    = "leave_channel"
	TypeNewMessage      = "new_message"
	TypeTyping          = "typing"
	TypeVoiceState      = "voice_state"
	TypeSpeakingState   = "speaking_state"
	TypeRTCOffer        = "rtc_offer"
	TypeRTCAnswer       = "rtc_answer"
	TypeRTCIceCandidate = "rtc_ice_candidate"
	TypePing            = "ping"
	TypePong            = "pong"
)

var (
	ErrMalformed      = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the frame shape on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeError carries the frame type next to the failure kind.
type DecodeError struct {
	Type string
	Kind error
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Type, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Encode wraps v in an envelope stamped with the current time.
func Encode(typ string, v any) ([]byte, error) {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", typ, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()})
}

func decodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &DecodeError{Kind: ErrMalformed, Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Kind: ErrMalformed, Err: errors.New("missing type")}
	}
	return env, nil
}

type validator interface {
	Validate() error
}

// decodeAs fills m from the envelope data and validates it.
func decodeAs[T validator](env Envelope, m T) (T, error) {
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &m); err != nil {
			var zero T
			return zero, &DecodeError{Type: env.Type, Kind: ErrInvalidPayload, Err: err}
		}
	}
	if err := m.Validate(); err != nil {
		var zero T
		return zero, &DecodeError{Type: env.Type, Kind: ErrInvalidPayload, Err: err}
	}
	return m, nil
}
