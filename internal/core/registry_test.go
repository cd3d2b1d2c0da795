package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// assertSymmetric checks s in members(c) iff c in channels(s).
func assertSymmetric(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, e := range r.sessions {
		for ch := range e.channels {
			_, ok := r.members[ch][sid]
			assert.Truef(t, ok, "session %s lists %s but is not a member", sid, ch)
		}
	}
	for ch, set := range r.members {
		assert.NotEmptyf(t, set, "empty member set kept for %s", ch)
		for sid := range set {
			e, ok := r.sessions[sid]
			require.Truef(t, ok, "member %s of %s is not registered", sid, ch)
			_, in := e.channels[ch]
			assert.Truef(t, in, "member %s does not list %s", sid, ch)
		}
	}
}

func TestRegistry_JoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry()
	a := r.Register(&fakeConn{}, "")

	assert.True(t, r.JoinChannel(a, "general"))
	assert.False(t, r.JoinChannel(a, "general"))
	assert.Equal(t, 1, r.MemberCount("general"))
	assertSymmetric(t, r)

	assert.True(t, r.LeaveChannel(a, "general"))
	assert.False(t, r.LeaveChannel(a, "general"))
	assert.Equal(t, 0, r.MemberCount("general"))
	assertSymmetric(t, r)

	r.mu.RLock()
	_, kept := r.members["general"]
	r.mu.RUnlock()
	assert.False(t, kept, "empty channel entry must be removed")
}

func TestRegistry_UnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.JoinChannel("ghost", "general"))
	assert.False(t, r.LeaveChannel("ghost", "general"))
	assert.False(t, r.AttachIdentity("ghost", domain.Identity{UserID: "u"}))
	_, ok := r.DropSession("ghost")
	assert.False(t, ok)
	r.MoveVoice("ghost", "v1")
	assert.Equal(t, 0, r.MemberCount("v1"))
	assert.ErrorIs(t, r.SendTo("ghost", Frame("x")), ErrUnknownSession)
}

func TestRegistry_DropSession(t *testing.T) {
	r := NewRegistry()
	a := r.Register(&fakeConn{}, "")
	b := r.Register(&fakeConn{}, "")
	r.AttachIdentity(a, domain.Identity{UserID: "u1", DisplayName: "U"})
	r.JoinChannel(a, "general")
	r.JoinChannel(a, "random")
	r.JoinChannel(b, "general")
	r.MoveVoice(a, "v1")

	res, ok := r.DropSession(a)
	require.True(t, ok)
	assert.ElementsMatch(t, []domain.ChannelID{"general", "random", "v1"}, res.VacatedChannels)
	assert.Equal(t, domain.ChannelID("v1"), res.VacatedVoiceChannel)
	assert.Equal(t, domain.UserID("u1"), res.Identity.UserID)

	assert.Equal(t, []SessionID{b}, r.Members("general"))
	assert.Equal(t, 0, r.MemberCount("random"))
	assert.Equal(t, 0, r.MemberCount("v1"))
	assert.Equal(t, 1, r.Len())
	assertSymmetric(t, r)
}

func TestRegistry_MoveVoiceSwapsSubscription(t *testing.T) {
	r := NewRegistry()
	a := r.Register(&fakeConn{}, "")
	r.MoveVoice(a, "v1")
	r.MoveVoice(a, "v2")

	info, ok := r.Session(a)
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("v2"), info.VoiceChannel)
	assert.Equal(t, []domain.ChannelID{"v2"}, info.Channels)

	r.ClearVoice(a, "v1")
	assert.Equal(t, 1, r.MemberCount("v2"), "stale clear must not touch the current channel")
	r.ClearVoice(a, "v2")
	assert.Equal(t, 0, r.MemberCount("v2"))
	assertSymmetric(t, r)
}

func TestRegistry_VoiceKeepsExplicitTextSubscription(t *testing.T) {
	r := NewRegistry()
	a := r.Register(&fakeConn{}, "")
	r.JoinChannel(a, "lobby")
	r.MoveVoice(a, "lobby")

	r.ClearVoice(a, "lobby")
	assert.Equal(t, []SessionID{a}, r.Members("lobby"))

	r.MoveVoice(a, "lobby")
	r.MoveVoice(a, "v2")
	assert.ElementsMatch(t, []domain.ChannelID{"lobby", "v2"}, r.ChannelsOf(a))

	r.MoveVoice(a, "lobby")
	assert.True(t, r.LeaveChannel(a, "lobby"))
	assert.Equal(t, 1, r.MemberCount("lobby"), "voice still holds the subscription")
	r.ClearVoice(a, "lobby")
	assert.Equal(t, 0, r.MemberCount("lobby"))
	assertSymmetric(t, r)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}
	r.Register(a, "")
	r.Register(b, "")

	assert.Equal(t, 2, r.CloseAll())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestRegistry_BroadcastCompleteness(t *testing.T) {
	r := NewRegistry()
	conns := map[SessionID]*fakeConn{}
	var ids []SessionID
	for i := 0; i < 5; i++ {
		c := &fakeConn{}
		sid := r.Register(c, "")
		conns[sid] = c
		ids = append(ids, sid)
	}
	for _, sid := range ids[:4] {
		r.JoinChannel(sid, "general")
	}

	res := r.Broadcast("general", Frame("hello"), ids[0], ids[1])
	assert.Equal(t, 2, res.SendTo)
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 0, conns[ids[0]].count())
	assert.Equal(t, 0, conns[ids[1]].count())
	assert.Equal(t, 1, conns[ids[2]].count())
	assert.Equal(t, 1, conns[ids[3]].count())
	assert.Equal(t, 0, conns[ids[4]].count(), "non-member must not receive")
}

func TestRegistry_BroadcastReportsDropped(t *testing.T) {
	r := NewRegistry()
	slow := &fakeConn{full: true}
	a := r.Register(&fakeConn{}, "")
	b := r.Register(slow, "")
	r.JoinChannel(a, "general")
	r.JoinChannel(b, "general")

	res := r.Broadcast("general", Frame("x"))
	assert.Equal(t, 1, res.SendTo)
	assert.Equal(t, []SessionID{b}, res.Dropped)

	empty := r.Broadcast("nowhere", Frame("x"))
	assert.Zero(t, empty.SendTo)
}

func TestRegistry_FindByUserPrefersFirst(t *testing.T) {
	r := NewRegistry()
	first := r.Register(&fakeConn{}, "")
	second := r.Register(&fakeConn{}, "")
	r.AttachIdentity(second, domain.Identity{UserID: "u1"})
	r.AttachIdentity(first, domain.Identity{UserID: "u1"})

	sid, ok := r.FindByUser("u1")
	require.True(t, ok)
	assert.Equal(t, first, sid)

	_, ok = r.FindByUser("nobody")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	var ids []SessionID
	for i := 0; i < 8; i++ {
		ids = append(ids, r.Register(&fakeConn{}, ""))
	}
	channels := []domain.ChannelID{"a", "b", "c"}

	var wg sync.WaitGroup
	for _, sid := range ids {
		wg.Add(1)
		go func(sid SessionID) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ch := channels[i%len(channels)]
				if i%3 == 0 {
					r.LeaveChannel(sid, ch)
				} else {
					r.JoinChannel(sid, ch)
				}
				r.Broadcast(ch, Frame("x"), sid)
			}
		}(sid)
	}
	wg.Wait()
	assertSymmetric(t, r)
}
