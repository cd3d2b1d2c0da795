package signal

import (
	"context"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(sid core.SessionID) {
	ctl.Orch.Ping(sid)
}

func (ctl *SignalWSController) allow(sid core.SessionID, typ string) bool {
	if ctl.opts.Limiter == nil {
		return true
	}
	id, ok := ctl.Orch.Registry.Identity(sid)
	if !ok {
		// unidentified sessions are rejected further down
		return true
	}
	if !ctl.opts.Limiter.Allow(id.UserID) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("user", string(id.UserID)).Str("type", typ).Msg("rate limited")
		return false
	}
	return true
}

func (ctl *SignalWSController) handleNewMessage(ctx context.Context, sid core.SessionID, m protocol.NewMessage) {
	if !ctl.allow(sid, m.Type()) {
		return
	}
	if err := ctl.Orch.PostMessage(ctx, sid, m); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("channel", string(m.ChannelID)).Msg("message not delivered")
	}
}

func (ctl *SignalWSController) handleTyping(sid core.SessionID, m protocol.Typing) {
	if !ctl.allow(sid, m.Type()) {
		return
	}
	ctl.Orch.Typing(sid, m.ChannelID)
}
