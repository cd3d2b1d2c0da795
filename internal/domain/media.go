package domain

import "fmt"

type MediaKind string

const (
	KindAudio  MediaKind = "audio"
	KindVideo  MediaKind = "video"
	KindScreen MediaKind = "screen"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(s); k {
	case KindAudio, KindVideo, KindScreen:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

type ProducerRecord struct {
	ID   string    `json:"id"`
	Kind MediaKind `json:"kind"`
}

type ConsumerRecord struct {
	ID               string    `json:"id"`
	SourceProducerID string    `json:"sourceProducerId"`
	OwnerUserID      UserID    `json:"ownerUserId"`
	Kind             MediaKind `json:"kind"`
}
