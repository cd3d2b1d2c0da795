package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/rs/zerolog/log"
)

type held struct {
	channel   domain.ChannelID
	sendT     Transport
	recvT     Transport
	producers []*producer
	consumers []*consumer
}

// detachLocked ends the occupancy: in-flight steps see a new epoch and every
// resource moves out of the orchestrator for release.
func (o *Orchestrator) detachLocked() held {
	if o.cancelOcc != nil {
		o.cancelOcc()
	}
	o.epoch++
	h := held{channel: o.channel, sendT: o.sendT, recvT: o.recvT}
	for _, p := range o.producers {
		h.producers = append(h.producers, p)
	}
	for _, byKind := range o.consumers {
		for _, c := range byKind {
			h.consumers = append(h.consumers, c)
		}
	}
	o.sendT, o.recvT = nil, nil
	o.producers = make(map[domain.MediaKind]*producer)
	o.consumers = make(map[domain.UserID]map[domain.MediaKind]*consumer)
	for _, pe := range o.peers {
		pe.cancel()
	}
	o.peers = make(map[domain.UserID]*peer)
	o.gate.Active = false
	return h
}

// Leave releases everything the session holds and announces voice exit. It is a
// no-op when idle and aborts a Join in flight.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.mu.Lock()
	if o.state == Idle || o.state == Leaving {
		o.mu.Unlock()
		return nil
	}
	g := o.gate
	h := o.detachLocked()
	o.setStateLocked(Leaving)
	o.mu.Unlock()

	err := o.release(ctx, h)
	if sErr := o.sig.SendVoiceState(nil, g.SelfMuted, g.SelfDeafened); sErr != nil {
		err = errors.Join(err, fmt.Errorf("announce leave: %w", sErr))
	}

	o.mu.Lock()
	o.channel = ""
	o.setStateLocked(Idle)
	o.mu.Unlock()
	o.bus.publish(GateChanged{Gate: o.Gate()})

	if err != nil {
		log.Warn().Err(err).Str("module", "client.voice").Str("channel", string(h.channel)).Msg("left with errors")
	} else {
		log.Info().Str("module", "client.voice").Str("channel", string(h.channel)).Msg("left voice")
	}
	return err
}

// abort unwinds a failed Join unless a Leave already took the session over.
func (o *Orchestrator) abort(epoch uint64) {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	h := o.detachLocked()
	o.setStateLocked(Leaving)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.ReleaseTimeout)
	defer cancel()
	_ = o.release(ctx, h)

	o.mu.Lock()
	o.channel = ""
	o.setStateLocked(Idle)
	o.mu.Unlock()
}

// release closes consumers, producers and transports, then asks the media
// service to drop anything left for this user in the channel.
func (o *Orchestrator) release(ctx context.Context, h held) error {
	var errs []error
	for _, c := range h.consumers {
		_ = c.recv.Stop()
		if err := o.svc.CloseConsumer(ctx, c.id); err != nil && !errors.Is(err, media.ErrNotFound) {
			errs = append(errs, fmt.Errorf("close consumer %s: %w", c.id, err))
		}
		o.bus.publish(ConsumerRemoved{UserID: c.owner, Kind: c.kind, ConsumerID: c.id})
	}
	for _, p := range h.producers {
		p.track.SetEnabled(false)
		_ = p.sender.Stop()
		if err := o.svc.CloseProducer(ctx, p.id); err != nil && !errors.Is(err, media.ErrNotFound) {
			errs = append(errs, fmt.Errorf("close producer %s: %w", p.id, err))
		}
		o.bus.publish(ProducerRemoved{Kind: p.kind, ProducerID: p.id})
	}
	for _, t := range []Transport{h.sendT, h.recvT} {
		if t == nil {
			continue
		}
		_ = t.Close()
		if err := o.svc.CloseTransport(ctx, t.ID()); err != nil && !errors.Is(err, media.ErrNotFound) {
			errs = append(errs, fmt.Errorf("close transport %s: %w", t.ID(), err))
		}
	}
	if h.channel != "" {
		if err := o.svc.Cleanup(ctx, h.channel, o.self.UserID); err != nil {
			errs = append(errs, fmt.Errorf("cleanup: %w", err))
		}
	}
	return errors.Join(errs...)
}
