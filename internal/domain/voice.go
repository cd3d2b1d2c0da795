package domain

import "time"

// VoiceState is per-user voice occupancy. An empty ChannelID means "not in voice".
type VoiceState struct {
	ChannelID    ChannelID `json:"channelId,omitempty"`
	SelfMuted    bool      `json:"selfMuted"`
	SelfDeafened bool      `json:"selfDeafened"`
}

// VoiceParticipant is the per-channel record peers render and consume from.
type VoiceParticipant struct {
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatar,omitempty"`
	ChannelID   ChannelID `json:"channelId"`
	Muted       bool      `json:"muted"`
	Deafened    bool      `json:"deafened"`
	Speaking    bool      `json:"speaking"`
	JoinedAt    time.Time `json:"joinedAt"`
}
