package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
	// onClose stands in for the read loop noticing the close.
	onClose func()
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	fn := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (c *recConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recConn) events(t *testing.T) []protocol.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, 0, len(c.frames))
	for _, f := range c.frames {
		ev, err := protocol.DecodeEvent(f)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func (c *recConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *recConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func voiceEvents(t *testing.T, c *recConn) []protocol.VoiceStateEvent {
	t.Helper()
	var out []protocol.VoiceStateEvent
	for _, ev := range c.events(t) {
		if vs, ok := ev.(protocol.VoiceStateEvent); ok {
			out = append(out, vs)
		}
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	msgs []domain.Message
	err  error
}

func (s *memStore) SaveMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Message{}, s.err
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

type cleanupCall struct {
	ch  domain.ChannelID
	uid domain.UserID
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls []cleanupCall
	err   error
	// hook runs inside Cleanup, before the participant is removed.
	hook func()
}

func (c *fakeCleaner) Cleanup(_ context.Context, ch domain.ChannelID, uid domain.UserID) error {
	c.mu.Lock()
	c.calls = append(c.calls, cleanupCall{ch, uid})
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c.err
}

type harness struct {
	o     *Orchestrator
	store *memStore
	media *fakeCleaner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: &memStore{}, media: &fakeCleaner{}}
	h.o = New(Deps{Store: h.store, Media: h.media})
	return h
}

func (h *harness) connect(t *testing.T, uid string) (core.SessionID, *recConn) {
	t.Helper()
	c := &recConn{}
	sid := h.o.Connect(c, "token-"+uid)
	id, err := domain.NewIdentity(uid, uid, "")
	require.NoError(t, err)
	h.o.Identify(sid, id)
	return sid, c
}

func joinVoice(h *harness, sid core.SessionID, ch domain.ChannelID) {
	h.o.UpdateVoiceState(sid, protocol.VoiceState{ChannelID: &ch})
}

func TestIdentify_SendsWelcomeWithSnapshot(t *testing.T) {
	h := newHarness(t)
	u, _ := h.connect(t, "u")
	joinVoice(h, u, "v1")

	_, cw := h.connect(t, "w")
	evs := cw.events(t)
	require.Len(t, evs, 1)
	w, ok := evs[0].(protocol.Welcome)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("w"), w.User.UserID)
	require.Len(t, w.VoiceChannels["v1"], 1)
	assert.Equal(t, domain.UserID("u"), w.VoiceChannels["v1"][0].UserID)
}

func TestPostMessage_ReachesEveryMember(t *testing.T) {
	h := newHarness(t)
	a, ca := h.connect(t, "a")
	b, cb := h.connect(t, "b")
	_, cc := h.connect(t, "c")
	h.o.JoinChannel(a, "general")
	h.o.JoinChannel(b, "general")
	ca.reset()
	cb.reset()
	cc.reset()

	require.NoError(t, h.o.PostMessage(context.Background(), a, protocol.NewMessage{ChannelID: "general", Content: "hi"}))

	for _, c := range []*recConn{ca, cb} {
		evs := c.events(t)
		require.Len(t, evs, 1)
		m, ok := evs[0].(protocol.MessageEvent)
		require.True(t, ok)
		assert.Equal(t, domain.ChannelID("general"), m.ChannelID)
		assert.Equal(t, "hi", m.Content)
		assert.Equal(t, domain.UserID("a"), m.UserID)
	}
	assert.Empty(t, cc.events(t))
	require.Len(t, h.store.msgs, 1)
	assert.NotEmpty(t, h.store.msgs[0].ID)
}

func TestPostMessage_PersistFailureSkipsBroadcast(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("disk full")
	a, ca := h.connect(t, "a")
	h.o.JoinChannel(a, "general")
	ca.reset()

	err := h.o.PostMessage(context.Background(), a, protocol.NewMessage{ChannelID: "general", Content: "hi"})
	require.Error(t, err)
	assert.Empty(t, ca.events(t))
}

func TestPostMessage_RequiresIdentity(t *testing.T) {
	h := newHarness(t)
	sid := h.o.Connect(&recConn{}, "")
	err := h.o.PostMessage(context.Background(), sid, protocol.NewMessage{ChannelID: "general", Content: "hi"})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestJoinChannel_AckToSenderOnly(t *testing.T) {
	h := newHarness(t)
	a, ca := h.connect(t, "a")
	b, cb := h.connect(t, "b")
	h.o.JoinChannel(b, "general")
	ca.reset()
	cb.reset()

	h.o.JoinChannel(a, "general")
	h.o.JoinChannel(a, "general")

	evs := ca.events(t)
	require.Len(t, evs, 2)
	ack := evs[1].(protocol.ChannelAck)
	assert.Equal(t, protocol.TypeJoinChannel, ack.Type())
	assert.Equal(t, 2, ack.MemberCount)
	assert.Empty(t, cb.events(t))
}

func TestTyping_ExcludesSender(t *testing.T) {
	h := newHarness(t)
	a, ca := h.connect(t, "a")
	b, cb := h.connect(t, "b")
	h.o.JoinChannel(a, "general")
	h.o.JoinChannel(b, "general")
	ca.reset()
	cb.reset()

	h.o.Typing(a, "general")

	assert.Empty(t, ca.events(t))
	evs := cb.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.UserID("a"), evs[0].(protocol.TypingEvent).UserID)
}

func TestVoice_FirstJoinAndPeerJoin(t *testing.T) {
	h := newHarness(t)
	u, cu := h.connect(t, "u")
	w, cw := h.connect(t, "w")

	joinVoice(h, u, "v1")
	evs := voiceEvents(t, cu)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.VoiceJoined, evs[0].Action)
	require.Len(t, evs[0].Participants, 1)
	assert.Equal(t, domain.UserID("u"), evs[0].Participants[0].UserID)

	cu.reset()
	joinVoice(h, w, "v1")
	for _, c := range []*recConn{cu, cw} {
		evs := voiceEvents(t, c)
		require.Len(t, evs, 1)
		assert.Equal(t, domain.UserID("w"), evs[0].UserID)
		assert.Len(t, evs[0].Participants, 2)
	}
}

func TestVoice_RejoinBroadcastsAgainWithoutDuplicating(t *testing.T) {
	h := newHarness(t)
	u, cu := h.connect(t, "u")
	joinVoice(h, u, "v1")
	cu.reset()

	joinVoice(h, u, "v1")

	evs := voiceEvents(t, cu)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.VoiceJoined, evs[0].Action)
	assert.Len(t, h.o.Voice.Participants("v1"), 1)
}

func TestVoice_MoveEmitsLeftBeforeJoined(t *testing.T) {
	h := newHarness(t)
	u, cu := h.connect(t, "u")
	w, cw := h.connect(t, "w")
	x, cx := h.connect(t, "x")
	joinVoice(h, u, "v1")
	joinVoice(h, w, "v1")
	joinVoice(h, x, "v2")
	cu.reset()
	cw.reset()
	cx.reset()

	joinVoice(h, u, "v2")

	wEvs := voiceEvents(t, cw)
	require.Len(t, wEvs, 1)
	assert.Equal(t, protocol.VoiceLeft, wEvs[0].Action)
	assert.Equal(t, domain.ChannelID("v1"), wEvs[0].ChannelID)
	assert.Equal(t, domain.UserID("u"), wEvs[0].UserID)

	xEvs := voiceEvents(t, cx)
	require.Len(t, xEvs, 1)
	assert.Equal(t, protocol.VoiceJoined, xEvs[0].Action)
	assert.Equal(t, domain.ChannelID("v2"), xEvs[0].ChannelID)

	// u had left v1's membership before v1 was notified.
	uEvs := voiceEvents(t, cu)
	require.Len(t, uEvs, 1)
	assert.Equal(t, protocol.VoiceJoined, uEvs[0].Action)

	assert.Len(t, h.o.Voice.Participants("v1"), 1)
	assert.Len(t, h.o.Voice.Participants("v2"), 2)
	assert.NotContains(t, h.o.Registry.Members("v1"), u)
}

func TestVoice_LeaveWithNull(t *testing.T) {
	h := newHarness(t)
	u, _ := h.connect(t, "u")
	w, cw := h.connect(t, "w")
	joinVoice(h, u, "v1")
	joinVoice(h, w, "v1")
	cw.reset()

	h.o.UpdateVoiceState(u, protocol.VoiceState{})

	evs := voiceEvents(t, cw)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.VoiceLeft, evs[0].Action)
	_, ok := h.o.Voice.State("u")
	assert.False(t, ok)
	assert.Empty(t, h.o.Registry.ChannelsOf(u))
}

func TestVoice_AttachesIdentityFromFrame(t *testing.T) {
	h := newHarness(t)
	c := &recConn{}
	sid := h.o.Connect(c, "")
	ch := domain.ChannelID("v1")

	h.o.UpdateVoiceState(sid, protocol.VoiceState{ChannelID: &ch, UserID: "u", DisplayName: "U"})

	ps := h.o.Voice.Participants("v1")
	require.Len(t, ps, 1)
	assert.Equal(t, "U", ps[0].DisplayName)
}

func TestSpeaking(t *testing.T) {
	h := newHarness(t)
	u, cu := h.connect(t, "u")
	joinVoice(h, u, "v1")
	cu.reset()

	h.o.UpdateSpeaking(u, "v1", true)
	evs := cu.events(t)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].(protocol.SpeakingEvent).Speaking)
	assert.True(t, h.o.Voice.Participants("v1")[0].Speaking)

	cu.reset()
	h.o.UpdateSpeaking(u, "v9", true)
	assert.Empty(t, cu.events(t))
}

func TestRelay(t *testing.T) {
	h := newHarness(t)
	u, cu := h.connect(t, "u")
	_, cw := h.connect(t, "w")
	_, cw2 := h.connect(t, "w")
	cu.reset()
	cw.reset()
	cw2.reset()

	h.o.Relay(u, protocol.RTCSignal{Kind: protocol.TypeRTCOffer, TargetUserID: "w", Payload: json.RawMessage(`{"sdp":"x"}`)})

	evs := cw.events(t)
	require.Len(t, evs, 1)
	r := evs[0].(protocol.RTCRelay)
	assert.Equal(t, protocol.TypeRTCOffer, r.Type())
	assert.Equal(t, domain.UserID("u"), r.FromUserID)
	assert.JSONEq(t, `{"sdp":"x"}`, string(r.Payload))
	assert.Empty(t, cw2.events(t))

	h.o.Relay(u, protocol.RTCSignal{Kind: protocol.TypeRTCAnswer, TargetUserID: "ghost", Payload: json.RawMessage(`{}`)})
	assert.Empty(t, cu.events(t))
}

func TestOnDisconnect_CleansUpBeforeLeft(t *testing.T) {
	h := newHarness(t)
	u, _ := h.connect(t, "u")
	w, cw := h.connect(t, "w")
	joinVoice(h, u, "v1")
	joinVoice(h, w, "v1")
	h.o.JoinChannel(u, "general")
	cw.reset()

	var leftSeenDuringCleanup bool
	h.media.hook = func() { leftSeenDuringCleanup = cw.count() > 0 }

	<-h.o.OnDisconnect(u)

	assert.False(t, leftSeenDuringCleanup)
	assert.Equal(t, []cleanupCall{{"v1", "u"}}, h.media.calls)
	evs := voiceEvents(t, cw)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.VoiceLeft, evs[0].Action)
	assert.Equal(t, domain.UserID("u"), evs[0].UserID)
	ps := h.o.Voice.Participants("v1")
	require.Len(t, ps, 1)
	assert.Equal(t, domain.UserID("w"), ps[0].UserID)
	assert.Zero(t, h.o.Registry.MemberCount("general"))
}

func TestOnDisconnect_CleanupFailureStillBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.media.err = errors.New("sfu unreachable")
	u, _ := h.connect(t, "u")
	w, cw := h.connect(t, "w")
	joinVoice(h, u, "v1")
	joinVoice(h, w, "v1")
	cw.reset()

	<-h.o.OnDisconnect(u)

	require.Len(t, voiceEvents(t, cw), 1)
	assert.Len(t, h.o.Voice.Participants("v1"), 1)
}

func TestOnDisconnect_TextOnlyAndUnknown(t *testing.T) {
	h := newHarness(t)
	a, _ := h.connect(t, "a")
	b, cb := h.connect(t, "b")
	h.o.JoinChannel(a, "general")
	h.o.JoinChannel(b, "general")
	cb.reset()

	<-h.o.OnDisconnect(a)
	<-h.o.OnDisconnect(a)
	<-h.o.OnDisconnect("nope")

	assert.Empty(t, cb.events(t))
	assert.Empty(t, h.media.calls)
	assert.Equal(t, 1, h.o.Registry.MemberCount("general"))
}

func TestOnDisconnect_ReconnectedSessionKeepsOccupancy(t *testing.T) {
	h := newHarness(t)
	old, _ := h.connect(t, "u")
	joinVoice(h, old, "v1")
	fresh, _ := h.connect(t, "u")
	joinVoice(h, fresh, "v1")
	assert.NotContains(t, h.o.Registry.Members("v1"), old)

	<-h.o.OnDisconnect(old)

	assert.Empty(t, h.media.calls)
	assert.Len(t, h.o.Voice.Participants("v1"), 1)
	assert.Contains(t, h.o.Registry.Members("v1"), fresh)
}

func TestOnDisconnect_TakeoverWhileCleanupQueuedSkipsMediaCleanup(t *testing.T) {
	h := newHarness(t)
	old, _ := h.connect(t, "u")
	joinVoice(h, old, "v1")
	fresh, _ := h.connect(t, "u")
	id, err := domain.NewIdentity("u", "u", "")
	require.NoError(t, err)

	unlock := h.o.locks.Lock(userKey("u"))
	done := h.o.OnDisconnect(old)
	h.o.Voice.Update(fresh, id, "v1", false, false)
	h.o.Registry.MoveVoice(fresh, "v1")
	unlock()
	<-done

	assert.Empty(t, h.media.calls)
	owner, ch, held := h.o.Voice.Owner("u")
	assert.True(t, held)
	assert.Equal(t, fresh, owner)
	assert.Equal(t, domain.ChannelID("v1"), ch)
	assert.Len(t, h.o.Voice.Participants("v1"), 1)
}

func TestShutdown_DrainsSessionsAndVoiceCleanup(t *testing.T) {
	h := newHarness(t)
	u, uc := h.connect(t, "u")
	joinVoice(h, u, "v1")
	w, wc := h.connect(t, "w")
	uc.onClose = func() { h.o.OnDisconnect(u) }
	wc.onClose = func() { h.o.OnDisconnect(w) }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	assert.Equal(t, 0, h.o.Registry.Len())
	assert.Equal(t, []cleanupCall{{"v1", "u"}}, h.media.calls)
	assert.Empty(t, h.o.Voice.Participants("v1"))

	late := &recConn{}
	assert.Empty(t, h.o.Connect(late, "late"))
	assert.True(t, late.isClosed())
}

func TestShutdown_GivesUpOnStuckSession(t *testing.T) {
	h := newHarness(t)
	u, _ := h.connect(t, "u")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.o.Shutdown(ctx), context.DeadlineExceeded)
	<-h.o.OnDisconnect(u)
}

func TestBroadcast_KickPolicyClosesSlowSession(t *testing.T) {
	h := newHarness(t)
	h.o.Policy = app.KickPolicy{}
	a, _ := h.connect(t, "a")
	b, cb := h.connect(t, "b")
	h.o.JoinChannel(a, "general")
	h.o.JoinChannel(b, "general")
	cb.full = true

	require.NoError(t, h.o.PostMessage(context.Background(), a, protocol.NewMessage{ChannelID: "general", Content: "hi"}))
	assert.True(t, cb.closed)
}

func TestConcurrentVoiceMovesKeepSingleOccupancy(t *testing.T) {
	h := newHarness(t)
	u, _ := h.connect(t, "u")
	chans := []domain.ChannelID{"v1", "v2", "v3"}

	var wg sync.WaitGroup
	for i := range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			joinVoice(h, u, chans[i%len(chans)])
		}()
	}
	wg.Wait()

	total := 0
	for _, ch := range chans {
		total += len(h.o.Voice.Participants(ch))
	}
	assert.Equal(t, 1, total)
	st, ok := h.o.Voice.State("u")
	require.True(t, ok)
	assert.Contains(t, h.o.Registry.ChannelsOf(u), st.ChannelID)
	assert.Len(t, h.o.Registry.ChannelsOf(u), 1)
}
