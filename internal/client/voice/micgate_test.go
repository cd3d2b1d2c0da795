package voice

import (
	"context"
	"testing"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) micTrack(t *testing.T) *GatedTrack {
	t.Helper()
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	p := h.o.producers[domain.KindAudio]
	require.NotNil(t, p)
	return p.track
}

func TestParseMicMode(t *testing.T) {
	for in, want := range map[string]MicMode{"": MicDisabled, "off": MicDisabled, "VAD": MicVAD, " ptt ": MicPTT} {
		got, err := ParseMicMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMicMode("always")
	assert.Error(t, err)
}

func TestMicGate_VAD(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	track := h.micTrack(t)
	assert.False(t, track.Enabled())

	require.NoError(t, h.o.VADSignal(true))
	assert.True(t, track.Enabled())
	assert.True(t, h.svc.has("resume p-audio"))

	require.NoError(t, h.o.PushToTalk(false), "ptt is ignored in vad mode")
	assert.True(t, h.o.Gate().Active)

	require.NoError(t, h.o.VADSignal(false))
	assert.False(t, track.Enabled())
	assert.Equal(t, []bool{true, false}, h.sig.speakingLog())
	assert.Equal(t, 2, h.svc.count("pause p-audio"))
}

func TestMicGate_RepeatedSignalIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	require.NoError(t, h.o.VADSignal(true))
	require.NoError(t, h.o.VADSignal(true))
	assert.Equal(t, 1, h.svc.count("resume"))
	assert.Equal(t, []bool{true}, h.sig.speakingLog())
}

func TestMicGate_PTTAndModeSwitch(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	require.NoError(t, h.o.SetMicMode(MicPTT))
	require.NoError(t, h.o.VADSignal(true))
	assert.False(t, h.o.Gate().Active, "vad is ignored in ptt mode")

	require.NoError(t, h.o.PushToTalk(true))
	assert.True(t, h.micTrack(t).Enabled())

	require.NoError(t, h.o.SetMicMode(MicVAD))
	assert.False(t, h.o.Gate().Active, "switching modes closes the gate")
	assert.False(t, h.micTrack(t).Enabled())
	assert.Equal(t, []bool{true, false}, h.sig.speakingLog())
}

func TestMicGate_DisabledNeverOpens(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MicMode = MicDisabled })
	h.join(t)
	require.NoError(t, h.o.VADSignal(true))
	require.NoError(t, h.o.PushToTalk(true))
	assert.False(t, h.o.Gate().Active)
	assert.Zero(t, h.svc.count("resume"))
}

func TestMicGate_SelfMuteForcesClosedAndAnnounces(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	require.NoError(t, h.o.VADSignal(true))

	require.NoError(t, h.o.SetSelfMute(true))
	g := h.o.Gate()
	assert.False(t, g.Active)
	assert.True(t, g.SelfMuted)
	assert.False(t, h.micTrack(t).Enabled())
	last := h.sig.lastState()
	assert.True(t, last.Muted)
	require.NotNil(t, last.Channel)

	require.NoError(t, h.o.VADSignal(true))
	assert.False(t, h.o.Gate().Active, "muted gate stays closed")

	require.NoError(t, h.o.SetSelfMute(false))
	require.NoError(t, h.o.SetSelfDeafen(true))
	assert.True(t, h.sig.lastState().Deafened)
	require.NoError(t, h.o.VADSignal(true))
	assert.False(t, h.o.Gate().Active, "deafened gate stays closed")
}

func TestMicGate_OutsideSessionOnlyRecords(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.SetSelfMute(true))
	assert.True(t, h.o.Gate().SelfMuted)
	assert.Empty(t, h.sig.speakingLog())
	assert.Empty(t, h.svc.Calls())

	h.join(t)
	assert.True(t, h.sig.lastState().Muted, "join carries the mute flag")
}

func TestMicGate_DropsPacketsWhileClosed(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	track := h.micTrack(t)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}, Payload: []byte{1, 2, 3}}

	require.NoError(t, track.WriteRTP(pkt))
	assert.EqualValues(t, 1, track.Dropped())

	require.NoError(t, h.o.VADSignal(true))
	require.NoError(t, track.WriteRTP(pkt))
	assert.EqualValues(t, 1, track.Dropped())

	require.NoError(t, h.o.Leave(context.Background()))
	assert.False(t, track.Enabled())
}

func TestWriteMic_FollowsSession(t *testing.T) {
	h := newHarness(t)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0}}
	require.NoError(t, h.o.WriteMic(pkt), "no session, nothing to write")

	h.join(t)
	require.NoError(t, h.o.WriteMic(pkt))
	assert.EqualValues(t, 1, h.micTrack(t).Dropped())
}
