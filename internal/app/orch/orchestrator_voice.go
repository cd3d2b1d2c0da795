package orch

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// UpdateVoiceState applies a voice move. The vacated channel hears "left" before the
// target channel hears "joined"; "joined" goes to every member of the target, the
// sender included, even when the user stays in the same channel.
func (o *Orchestrator) UpdateVoiceState(sid core.SessionID, m protocol.VoiceState) {
	if id, ok := m.Identity(); ok {
		if _, known := o.Registry.Identity(sid); !known {
			o.Registry.AttachIdentity(sid, id)
		}
	}
	id, ok := o.identity(sid, protocol.TypeVoiceState)
	if !ok {
		return
	}
	target := m.Target()

	unlockUser := o.locks.Lock(userKey(id.UserID))
	defer unlockUser()

	prevOwner, prev, _ := o.Voice.Owner(id.UserID)
	unlockChannels := o.locks.Lock(channelKeys(prev, target)...)
	defer unlockChannels()

	tr := o.Voice.Update(sid, id, target, m.Muted, m.Deafened)

	// A reconnected session takes the occupancy over from the stale one.
	if prevOwner != "" && prevOwner != sid {
		o.Registry.ClearVoice(prevOwner, prev)
	}
	if tr.Previous != "" {
		o.Registry.ClearVoice(tr.PreviousOwner, tr.Previous)
		o.broadcast(tr.Previous, protocol.VoiceStateEvent{
			Action:       protocol.VoiceLeft,
			ChannelID:    tr.Previous,
			UserID:       id.UserID,
			Participants: o.Voice.Participants(tr.Previous),
		})
	}

	o.Registry.MoveVoice(sid, target)
	if target == "" {
		return
	}
	p := tr.Participant
	o.broadcast(target, protocol.VoiceStateEvent{
		Action:       protocol.VoiceJoined,
		ChannelID:    target,
		UserID:       id.UserID,
		Participant:  &p,
		Participants: tr.Participants,
	})
}

// UpdateSpeaking flips the speaking flag; users not in ch are ignored.
func (o *Orchestrator) UpdateSpeaking(sid core.SessionID, ch domain.ChannelID, speaking bool) {
	id, ok := o.identity(sid, protocol.TypeSpeakingState)
	if !ok {
		return
	}
	unlock := o.locks.Lock(append([]string{userKey(id.UserID)}, channelKeys(ch)...)...)
	defer unlock()

	if _, ok := o.Voice.UpdateSpeaking(id.UserID, ch, speaking); !ok {
		log.Debug().Str("module", "orch").Str("user", string(id.UserID)).Str("channel", string(ch)).Msg("speaking update for absent participant")
		return
	}
	o.broadcast(ch, protocol.SpeakingEvent{ChannelID: ch, UserID: id.UserID, Speaking: speaking})
}
