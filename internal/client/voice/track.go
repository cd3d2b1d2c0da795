package voice

import (
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// GatedTrack is a local RTP track that silently drops packets while disabled.
// It starts disabled.
type GatedTrack struct {
	*webrtc.TrackLocalStaticRTP
	kind    domain.MediaKind
	enabled atomic.Bool
	dropped atomic.Uint64
}

func NewGatedTrack(codec webrtc.RTPCodecCapability, kind domain.MediaKind, streamID string) (*GatedTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	return &GatedTrack{TrackLocalStaticRTP: t, kind: kind}, nil
}

func (t *GatedTrack) MediaKind() domain.MediaKind { return t.kind }

func (t *GatedTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *GatedTrack) Enabled() bool { return t.enabled.Load() }

// Dropped counts packets discarded while the gate was closed.
func (t *GatedTrack) Dropped() uint64 { return t.dropped.Load() }

func (t *GatedTrack) WriteRTP(p *rtp.Packet) error {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}
	return t.TrackLocalStaticRTP.WriteRTP(p)
}

func (t *GatedTrack) Write(b []byte) (int, error) {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return len(b), nil
	}
	return t.TrackLocalStaticRTP.Write(b)
}

// WriteMic feeds one captured packet to the current microphone producer. Packets
// outside a session are discarded.
func (o *Orchestrator) WriteMic(p *rtp.Packet) error {
	o.mu.Lock()
	pr := o.producers[domain.KindAudio]
	o.mu.Unlock()
	if pr == nil {
		return nil
	}
	return pr.track.WriteRTP(p)
}
