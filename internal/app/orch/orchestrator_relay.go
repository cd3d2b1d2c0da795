package orch

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay forwards a directed rtc_* signal to the earliest session of its target user.
// The payload is passed through untouched.
func (o *Orchestrator) Relay(sid core.SessionID, m protocol.RTCSignal) {
	from, ok := o.identity(sid, m.Type())
	if !ok {
		return
	}
	to, ok := o.Registry.FindByUser(m.TargetUserID)
	if !ok {
		log.Warn().Str("module", "orch").Str("type", m.Type()).Str("from", string(from.UserID)).Str("to", string(m.TargetUserID)).Msg("relay target not connected")
		return
	}
	o.send(to, protocol.RTCRelay{
		Kind:       m.Type(),
		FromUserID: from.UserID,
		ToUserID:   m.TargetUserID,
		Payload:    m.Payload,
	})
}
