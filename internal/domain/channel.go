package domain

import (
	"errors"
	"time"
)

const MaxChannelIDLen = 64

var (
	ErrChannelIDEmpty   = errors.New("channel id empty")
	ErrChannelIDTooLong = errors.New("channel id too long")
)

type ChannelID string

func (c ChannelID) Validate() error {
	if c == "" {
		return ErrChannelIDEmpty
	}
	if len(c) > MaxChannelIDLen {
		return ErrChannelIDTooLong
	}
	return nil
}

type MessageID string

// Message is a persisted chat message in a text channel.
type Message struct {
	ID        MessageID `json:"id"`
	ChannelID ChannelID `json:"channelId"`
	Author    Identity  `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
