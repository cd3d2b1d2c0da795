package core

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type voiceEntry struct {
	state domain.VoiceState
	owner SessionID
}

// VoiceTransition describes one voice state update.
type VoiceTransition struct {
	// Previous is the vacated channel, empty when the user stayed or was not in voice.
	Previous domain.ChannelID
	// Current is the occupied channel after the update, empty when the user left voice.
	Current     domain.ChannelID
	Participant domain.VoiceParticipant
	// Participants is the full list of Current after the update.
	Participants []domain.VoiceParticipant
	// PreviousOwner is the session that held the vacated occupancy.
	PreviousOwner SessionID
}

// VoiceTable holds per-user voice state and per-channel ordered participant lists.
// A user occupies at most one channel and appears at most once in a channel's list.
type VoiceTable struct {
	mu       sync.RWMutex
	users    map[domain.UserID]*voiceEntry
	channels map[domain.ChannelID][]domain.VoiceParticipant
	now      func() time.Time
}

func NewVoiceTable() *VoiceTable {
	return &VoiceTable{
		users:    make(map[domain.UserID]*voiceEntry),
		channels: make(map[domain.ChannelID][]domain.VoiceParticipant),
		now:      time.Now,
	}
}

// Update moves the user to ch (empty ch leaves voice) and records sid as owner.
func (t *VoiceTable) Update(sid SessionID, id domain.Identity, ch domain.ChannelID, muted, deafened bool) VoiceTransition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tr VoiceTransition
	prev, had := t.users[id.UserID]
	if had && prev.state.ChannelID != ch {
		tr.Previous = prev.state.ChannelID
		tr.PreviousOwner = prev.owner
		t.removeLocked(prev.state.ChannelID, id.UserID)
	}

	if ch == "" {
		delete(t.users, id.UserID)
		log.Info().Str("module", "core.voice").Str("user", string(id.UserID)).Str("from", string(tr.Previous)).Msg("left voice")
		return tr
	}

	t.users[id.UserID] = &voiceEntry{
		state: domain.VoiceState{ChannelID: ch, SelfMuted: muted, SelfDeafened: deafened},
		owner: sid,
	}
	tr.Current = ch
	tr.Participant = t.upsertLocked(ch, id, muted, deafened)
	tr.Participants = slices.Clone(t.channels[ch])
	log.Info().Str("module", "core.voice").Str("user", string(id.UserID)).Str("channel", string(ch)).Str("from", string(tr.Previous)).Msg("voice state updated")
	return tr
}

func (t *VoiceTable) upsertLocked(ch domain.ChannelID, id domain.Identity, muted, deafened bool) domain.VoiceParticipant {
	list := t.channels[ch]
	for i := range list {
		if list[i].UserID != id.UserID {
			continue
		}
		list[i].DisplayName = id.DisplayName
		list[i].AvatarRef = id.AvatarRef
		list[i].Muted = muted
		list[i].Deafened = deafened
		if muted {
			list[i].Speaking = false
		}
		return list[i]
	}
	p := domain.VoiceParticipant{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		AvatarRef:   id.AvatarRef,
		ChannelID:   ch,
		Muted:       muted,
		Deafened:    deafened,
		JoinedAt:    t.now(),
	}
	t.channels[ch] = append(list, p)
	return p
}

func (t *VoiceTable) removeLocked(ch domain.ChannelID, uid domain.UserID) {
	list := t.channels[ch]
	list = slices.DeleteFunc(list, func(p domain.VoiceParticipant) bool { return p.UserID == uid })
	if len(list) == 0 {
		delete(t.channels, ch)
		return
	}
	t.channels[ch] = list
}

// LeaveIfOwner removes uid from ch only while sid still owns that occupancy.
func (t *VoiceTable) LeaveIfOwner(uid domain.UserID, ch domain.ChannelID, sid SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[uid]
	if !ok || e.state.ChannelID != ch || e.owner != sid {
		return false
	}
	delete(t.users, uid)
	t.removeLocked(ch, uid)
	log.Info().Str("module", "core.voice").Str("user", string(uid)).Str("channel", string(ch)).Msg("removed participant")
	return true
}

// UpdateSpeaking flips the speaking flag in place; false when uid is not in ch.
func (t *VoiceTable) UpdateSpeaking(uid domain.UserID, ch domain.ChannelID, speaking bool) (domain.VoiceParticipant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.channels[ch]
	for i := range list {
		if list[i].UserID == uid {
			list[i].Speaking = speaking
			return list[i], true
		}
	}
	return domain.VoiceParticipant{}, false
}

func (t *VoiceTable) State(uid domain.UserID) (domain.VoiceState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.users[uid]
	if !ok {
		return domain.VoiceState{}, false
	}
	return e.state, true
}

// Owner returns the session holding uid's voice occupancy.
func (t *VoiceTable) Owner(uid domain.UserID) (SessionID, domain.ChannelID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.users[uid]
	if !ok {
		return "", "", false
	}
	return e.owner, e.state.ChannelID, true
}

func (t *VoiceTable) Participants(ch domain.ChannelID) []domain.VoiceParticipant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.channels[ch])
}

// Snapshot copies every occupied channel.
func (t *VoiceTable) Snapshot() map[domain.ChannelID][]domain.VoiceParticipant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.ChannelID][]domain.VoiceParticipant, len(t.channels))
	for ch, list := range t.channels {
		out[ch] = slices.Clone(list)
	}
	return out
}
