package orch

import (
	"context"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// OnDisconnect removes sid from the registry at once. If the session held a voice
// occupancy, media cleanup and the "left" broadcast run in the background; the
// returned channel closes when that work is done. Text channels get no notice.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) <-chan struct{} {
	done := make(chan struct{})
	res, ok := o.Registry.DropSession(sid)
	if ok {
		defer o.live.Done()
	}
	if !ok || res.VacatedVoiceChannel == "" || res.Identity.IsZero() {
		close(done)
		return done
	}
	uid, ch := res.Identity.UserID, res.VacatedVoiceChannel
	if owner, cur, held := o.Voice.Owner(uid); !held || owner != sid || cur != ch {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("voice occupancy owned elsewhere, skipping cleanup")
		close(done)
		return done
	}

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer close(done)
		o.cleanupVoice(sid, uid, ch)
	}()
	return done
}

func (o *Orchestrator) cleanupVoice(sid core.SessionID, uid domain.UserID, ch domain.ChannelID) {
	unlockUser := o.locks.Lock(userKey(uid))
	defer unlockUser()

	if owner, cur, held := o.Voice.Owner(uid); !held || owner != sid || cur != ch {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("occupancy taken over before cleanup, skipping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cleanupTimeout)
	err := o.Media.Cleanup(ctx, ch, uid)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", string(uid)).Str("channel", string(ch)).Msg("media cleanup failed, removing participant anyway")
	}

	unlockChannel := o.locks.Lock(channelKeys(ch)...)
	defer unlockChannel()
	if !o.Voice.LeaveIfOwner(uid, ch, sid) {
		log.Debug().Str("module", "orch").Str("user", string(uid)).Str("channel", string(ch)).Msg("participant already moved on")
		return
	}
	o.broadcast(ch, protocol.VoiceStateEvent{
		Action:       protocol.VoiceLeft,
		ChannelID:    ch,
		UserID:       uid,
		Participants: o.Voice.Participants(ch),
	})
	log.Info().Str("module", "orch").Str("user", string(uid)).Str("channel", string(ch)).Msg("voice cleanup finished")
}
