package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNoIdentity = errors.New("session has no identity")

// JoinChannel subscribes sid to ch and acknowledges to the sender only.
func (o *Orchestrator) JoinChannel(sid core.SessionID, ch domain.ChannelID) {
	o.Registry.JoinChannel(sid, ch)
	o.send(sid, protocol.ChannelAck{
		Kind:        protocol.TypeJoinChannel,
		ChannelID:   ch,
		MemberCount: o.Registry.MemberCount(ch),
	})
}

func (o *Orchestrator) LeaveChannel(sid core.SessionID, ch domain.ChannelID) {
	o.Registry.LeaveChannel(sid, ch)
	o.send(sid, protocol.ChannelAck{
		Kind:        protocol.TypeLeaveChannel,
		ChannelID:   ch,
		MemberCount: o.Registry.MemberCount(ch),
	})
}

// PostMessage persists a chat message and broadcasts it to every member of the
// channel, the sender included. Nothing is broadcast when persistence fails.
func (o *Orchestrator) PostMessage(ctx context.Context, sid core.SessionID, m protocol.NewMessage) error {
	id, ok := o.identity(sid, protocol.TypeNewMessage)
	if !ok {
		return ErrNoIdentity
	}
	msg := domain.Message{
		ID:        domain.MessageID(uuid.NewString()),
		ChannelID: m.ChannelID,
		Author:    id,
		Content:   m.Content,
		CreatedAt: o.now().UTC(),
	}
	if o.Store != nil {
		saved, err := o.Store.SaveMessage(ctx, msg)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("channel", string(m.ChannelID)).Str("user", string(id.UserID)).Msg("persist message")
			return fmt.Errorf("persist message: %w", err)
		}
		msg = saved
	}
	o.broadcast(m.ChannelID, protocol.NewMessageEvent(msg))
	return nil
}

// Typing notifies the other members of the channel.
func (o *Orchestrator) Typing(sid core.SessionID, ch domain.ChannelID) {
	id, ok := o.identity(sid, protocol.TypeTyping)
	if !ok {
		return
	}
	o.broadcast(ch, protocol.TypingEvent{
		ChannelID:   ch,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
	}, sid)
}
