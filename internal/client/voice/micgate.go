package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type MicMode int

const (
	MicDisabled MicMode = iota
	MicVAD
	MicPTT
)

func (m MicMode) String() string {
	switch m {
	case MicVAD:
		return "vad"
	case MicPTT:
		return "ptt"
	}
	return "disabled"
}

func ParseMicMode(s string) (MicMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "off":
		return MicDisabled, nil
	case "vad":
		return MicVAD, nil
	case "ptt":
		return MicPTT, nil
	}
	return MicDisabled, fmt.Errorf("unknown mic mode %q", s)
}

// MicGate is the single value behind the local track, the audio producer and the
// speaking indicator.
type MicGate struct {
	Mode         MicMode
	Active       bool
	SelfMuted    bool
	SelfDeafened bool
}

func (g MicGate) canActivate() bool {
	return g.Mode != MicDisabled && !g.SelfMuted && !g.SelfDeafened
}

const gateCallTimeout = 3 * time.Second

// SetMicMode switches the gating mode; the gate always closes on a switch.
func (o *Orchestrator) SetMicMode(m MicMode) error {
	return o.updateGate(func(g *MicGate) {
		g.Mode = m
		g.Active = false
	})
}

// VADSignal feeds the speech detector; ignored outside VAD mode.
func (o *Orchestrator) VADSignal(speaking bool) error {
	return o.updateGate(func(g *MicGate) {
		if g.Mode == MicVAD {
			g.Active = speaking
		}
	})
}

// PushToTalk reports the PTT key; ignored outside PTT mode.
func (o *Orchestrator) PushToTalk(down bool) error {
	return o.updateGate(func(g *MicGate) {
		if g.Mode == MicPTT {
			g.Active = down
		}
	})
}

func (o *Orchestrator) SetSelfMute(muted bool) error {
	err := o.updateGate(func(g *MicGate) { g.SelfMuted = muted })
	return errors.Join(err, o.announceVoiceState())
}

func (o *Orchestrator) SetSelfDeafen(deafened bool) error {
	err := o.updateGate(func(g *MicGate) { g.SelfDeafened = deafened })
	return errors.Join(err, o.announceVoiceState())
}

func (o *Orchestrator) Gate() MicGate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gate
}

// updateGate applies fn and, on an active transition, moves the track, the
// producer and the speaking indicator together.
func (o *Orchestrator) updateGate(fn func(*MicGate)) error {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()

	o.mu.Lock()
	prev := o.gate
	next := prev
	fn(&next)
	if !next.canActivate() {
		next.Active = false
	}
	o.gate = next
	p := o.producers[domain.KindAudio]
	ch := o.channel
	live := o.state == Active
	if p != nil && next.Active != prev.Active {
		p.track.SetEnabled(next.Active)
	}
	o.mu.Unlock()

	if next != prev {
		o.bus.publish(GateChanged{Gate: next})
	}
	if next.Active == prev.Active || p == nil || !live {
		return nil
	}
	return o.syncProducer(p, ch, next.Active, true)
}

// refreshGate pushes the current gate onto a freshly created audio producer.
func (o *Orchestrator) refreshGate() error {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()

	o.mu.Lock()
	g := o.gate
	p := o.producers[domain.KindAudio]
	ch := o.channel
	if p != nil {
		p.track.SetEnabled(g.Active)
	}
	o.mu.Unlock()

	if p == nil {
		return nil
	}
	return o.syncProducer(p, ch, g.Active, g.Active)
}

func (o *Orchestrator) syncProducer(p *producer, ch domain.ChannelID, on, announce bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), gateCallTimeout)
	defer cancel()

	var err error
	if on {
		err = o.svc.ResumeProducer(ctx, p.id)
	} else {
		err = o.svc.PauseProducer(ctx, p.id)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "client.voice").Str("producer", p.id).Bool("active", on).Msg("producer pause/resume failed")
	}
	if !announce {
		return err
	}
	if sErr := o.sig.SendSpeaking(ch, on); sErr != nil {
		log.Warn().Err(sErr).Str("module", "client.voice").Str("channel", string(ch)).Msg("speaking_state not sent")
		err = errors.Join(err, sErr)
	}
	return err
}

// announceVoiceState re-sends voice_state with the current mute flags while in a channel.
func (o *Orchestrator) announceVoiceState() error {
	o.mu.Lock()
	ch := o.channel
	g := o.gate
	live := o.state == Active
	o.mu.Unlock()
	if !live {
		return nil
	}
	return o.sig.SendVoiceState(&ch, g.SelfMuted, g.SelfDeafened)
}
