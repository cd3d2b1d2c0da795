// Package media describes the narrow boundary to the external media-forwarding service.
// The service itself lives elsewhere; this package holds only its call surface and wire types.
package media

import (
	"context"
	"errors"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

var ErrNotFound = errors.New("media: not found")

// Capabilities is what the forwarding service can route for a channel.
type Capabilities struct {
	Codecs           []webrtc.RTPCodecParameters          `json:"codecs"`
	HeaderExtensions []webrtc.RTPHeaderExtensionParameter `json:"headerExtensions,omitempty"`
}

type TransportInfo struct {
	ID             string                `json:"id"`
	Direction      Direction             `json:"direction"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type ProducerInfo struct {
	ProducerID  string           `json:"producerId"`
	OwnerUserID domain.UserID    `json:"ownerUserId"`
	Kind        domain.MediaKind `json:"kind"`
}

type ConsumerInfo struct {
	ConsumerID    string                         `json:"consumerId"`
	ProducerID    string                         `json:"producerId"`
	Kind          domain.MediaKind               `json:"kind"`
	RTPParameters webrtc.RTPParameters           `json:"rtpParameters"`
	Encodings     []webrtc.RTPDecodingParameters `json:"encodings"`
}

// Cleaner releases every media resource a user holds in a channel. It must be
// idempotent: calling it for an already cleaned user is not an error.
type Cleaner interface {
	Cleanup(ctx context.Context, ch domain.ChannelID, uid domain.UserID) error
}

// Service is the full call surface a client orchestrator drives. Every call is a
// fallible remote call; callers decide about retries.
type Service interface {
	Cleaner
	NegotiateCapabilities(ctx context.Context, ch domain.ChannelID) (Capabilities, error)
	CreateTransport(ctx context.Context, ch domain.ChannelID, uid domain.UserID, dir Direction) (TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtls webrtc.DTLSParameters) error
	CloseTransport(ctx context.Context, transportID string) error
	Produce(ctx context.Context, transportID string, kind domain.MediaKind, params webrtc.RTPSendParameters) (string, error)
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	CloseProducer(ctx context.Context, producerID string) error
	ListProducers(ctx context.Context, ch domain.ChannelID, uid domain.UserID) ([]ProducerInfo, error)
	Consume(ctx context.Context, transportID, producerID string, consumer domain.UserID) (ConsumerInfo, error)
	CloseConsumer(ctx context.Context, consumerID string) error
}
