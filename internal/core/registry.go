package core

import (
	"errors"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("unknown session")

type sessionEntry struct {
	seq         uint64
	conn        SignalConnection
	clientToken string
	identity    domain.Identity
	channels    map[domain.ChannelID]struct{}
	// joined holds the channels subscribed with join_channel; voice keeps its own.
	joined map[domain.ChannelID]struct{}
	voice  domain.ChannelID
}

// SessionInfo is a read-only copy of a session.
type SessionInfo struct {
	ID           SessionID
	ClientToken  string
	Identity     domain.Identity
	Channels     []domain.ChannelID
	VoiceChannel domain.ChannelID
}

// DropResult is what a torn-down session leaves behind for the caller to broadcast.
type DropResult struct {
	Identity            domain.Identity
	VacatedChannels     []domain.ChannelID
	VacatedVoiceChannel domain.ChannelID
}

// Registry tracks live connections and the channel membership index.
// A session id is in members[c] iff c is in that session's channel set.
// Unknown ids are no-ops everywhere.
type Registry struct {
	mu       sync.RWMutex
	seq      uint64
	sessions map[SessionID]*sessionEntry
	members  map[domain.ChannelID]map[SessionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[SessionID]*sessionEntry),
		members:  make(map[domain.ChannelID]map[SessionID]struct{}),
	}
}

func (r *Registry) Register(conn SignalConnection, clientToken string) SessionID {
	sid := SessionID(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.sessions[sid] = &sessionEntry{
		seq:         r.seq,
		conn:        conn,
		clientToken: clientToken,
		channels:    make(map[domain.ChannelID]struct{}),
		joined:      make(map[domain.ChannelID]struct{}),
	}
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Msg("registered session")
	return sid
}

func (r *Registry) AttachIdentity(sid SessionID, id domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.identity = id
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Str("user", string(id.UserID)).Msg("attached identity")
	return true
}

func (r *Registry) Identity(sid SessionID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.identity.IsZero() {
		return domain.Identity{}, false
	}
	return e.identity, true
}

func (r *Registry) Session(sid SessionID) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:           sid,
		ClientToken:  e.clientToken,
		Identity:     e.identity,
		Channels:     channelList(e.channels),
		VoiceChannel: e.voice,
	}, true
}

// JoinChannel reports whether the session was newly added.
func (r *Registry) JoinChannel(sid SessionID, ch domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.joined[ch] = struct{}{}
	return r.joinLocked(sid, ch)
}

func (r *Registry) joinLocked(sid SessionID, ch domain.ChannelID) bool {
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	if _, in := e.channels[ch]; in {
		return false
	}
	e.channels[ch] = struct{}{}
	set, ok := r.members[ch]
	if !ok {
		set = make(map[SessionID]struct{})
		r.members[ch] = set
	}
	set[sid] = struct{}{}
	log.Debug().Str("module", "core.registry").Str("sid", string(sid)).Str("channel", string(ch)).Msg("joined channel")
	return true
}

// LeaveChannel drops a join_channel subscription and reports whether the session
// was a member. The session stays subscribed to its voice channel.
func (r *Registry) LeaveChannel(sid SessionID, ch domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	_, had := e.joined[ch]
	delete(e.joined, ch)
	if e.voice == ch {
		return had
	}
	return r.leaveLocked(sid, ch)
}

// vacateVoiceLocked ends the voice subscription of e unless join_channel also holds it.
func (r *Registry) vacateVoiceLocked(sid SessionID, e *sessionEntry) {
	ch := e.voice
	e.voice = ""
	if _, held := e.joined[ch]; !held {
		r.leaveLocked(sid, ch)
	}
}

func (r *Registry) leaveLocked(sid SessionID, ch domain.ChannelID) bool {
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	if _, in := e.channels[ch]; !in {
		return false
	}
	delete(e.channels, ch)
	r.removeMemberLocked(ch, sid)
	log.Debug().Str("module", "core.registry").Str("sid", string(sid)).Str("channel", string(ch)).Msg("left channel")
	return true
}

func (r *Registry) removeMemberLocked(ch domain.ChannelID, sid SessionID) {
	set, ok := r.members[ch]
	if !ok {
		return
	}
	delete(set, sid)
	if len(set) == 0 {
		delete(r.members, ch)
	}
}

// MoveVoice records the session's voice occupancy and keeps it subscribed to the
// voice channel's membership set. The previous voice subscription is dropped
// unless the session also joined that channel explicitly.
func (r *Registry) MoveVoice(sid SessionID, to domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	if e.voice != "" && e.voice != to {
		r.vacateVoiceLocked(sid, e)
	}
	e.voice = to
	if to != "" {
		r.joinLocked(sid, to)
	}
}

// ClearVoice forgets the voice occupancy of sid only if it still points at ch.
func (r *Registry) ClearVoice(sid SessionID, ch domain.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.voice != ch || ch == "" {
		return
	}
	r.vacateVoiceLocked(sid, e)
}

// DropSession removes sid from every channel and forgets it.
func (r *Registry) DropSession(sid SessionID) (DropResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return DropResult{}, false
	}
	res := DropResult{
		Identity:            e.identity,
		VacatedChannels:     channelList(e.channels),
		VacatedVoiceChannel: e.voice,
	}
	for ch := range e.channels {
		r.removeMemberLocked(ch, sid)
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "core.registry").Str("sid", string(sid)).Int("channels", len(res.VacatedChannels)).Msg("dropped session")
	return res, true
}

func (r *Registry) Members(ch domain.ChannelID) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[ch]
	out := make([]SessionID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

func (r *Registry) MemberCount(ch domain.ChannelID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[ch])
}

func (r *Registry) ChannelsOf(sid SessionID) []domain.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	return channelList(e.channels)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindByUser returns the earliest registered session carrying uid.
func (r *Registry) FindByUser(uid domain.UserID) (SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found SessionID
		best  uint64
	)
	for sid, e := range r.sessions {
		if e.identity.UserID != uid {
			continue
		}
		if found == "" || e.seq < best {
			found, best = sid, e.seq
		}
	}
	return found, found != ""
}

func (r *Registry) SendTo(sid SessionID, f Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ErrUnknownSession
	}
	return e.conn.TrySend(f)
}

// Broadcast delivers f to every member of ch not in exclude. The recipient set is
// read under the same lock that guards membership mutations.
func (r *Registry) Broadcast(ch domain.ChannelID, f Frame, exclude ...SessionID) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid := range r.members[ch] {
		if isExcluded(sid, exclude) {
			continue
		}
		e, ok := r.sessions[sid]
		if !ok {
			continue
		}
		if err := e.conn.TrySend(f); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.registry").Str("channel", string(ch)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// CloseAll closes every live transport and returns how many there were.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]SignalConnection, 0, len(r.sessions))
	for _, e := range r.sessions {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Close closes the transport of sid; the adapter's read loop then reports the disconnect.
func (r *Registry) Close(sid SessionID) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if ok {
		e.conn.Close()
	}
}

func isExcluded(sid SessionID, exclude []SessionID) bool {
	for _, x := range exclude {
		if x == sid {
			return true
		}
	}
	return false
}

func channelList(set map[domain.ChannelID]struct{}) []domain.ChannelID {
	out := make([]domain.ChannelID, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}
