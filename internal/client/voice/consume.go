package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/rs/zerolog/log"
)

type ConsumeOutcome int

const (
	ConsumeOK ConsumeOutcome = iota
	// ConsumeExhausted means the participant never published within the retry budget.
	ConsumeExhausted
	ConsumeCancelled
	ConsumeFailed
)

func (c ConsumeOutcome) String() string {
	switch c {
	case ConsumeOK:
		return "ok"
	case ConsumeExhausted:
		return "exhausted"
	case ConsumeCancelled:
		return "cancelled"
	}
	return "failed"
}

type ConsumeResult struct {
	UserID   domain.UserID
	Outcome  ConsumeOutcome
	Consumed int
	Attempts int
	Err      error
}

// ConsumeParticipant consumes every producer uid has in the current channel,
// retrying while uid has none yet.
func (o *Orchestrator) ConsumeParticipant(ctx context.Context, uid domain.UserID) ConsumeResult {
	o.mu.Lock()
	if o.state != Active {
		o.mu.Unlock()
		return ConsumeResult{UserID: uid, Outcome: ConsumeFailed, Err: ErrNotActive}
	}
	epoch, pe := o.epoch, o.peerLocked(uid)
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(pe.ctx, cancel)
	defer stop()
	return o.consume(ctx, epoch, pe, uid)
}

func (o *Orchestrator) consume(ctx context.Context, epoch uint64, pe *peer, uid domain.UserID) ConsumeResult {
	logger := log.With().Str("module", "client.voice").Str("peer", string(uid)).Logger()
	res := ConsumeResult{UserID: uid}
	cancelled := func() ConsumeResult {
		res.Outcome = ConsumeCancelled
		logger.Debug().Int("attempts", res.Attempts).Msg("consume cancelled")
		return res
	}

	for attempt := 0; ; attempt++ {
		ch, recvT, ok := o.occupancy(epoch, uid, pe)
		if !ok || ctx.Err() != nil {
			return cancelled()
		}
		res.Attempts = attempt + 1

		list, err := o.svc.ListProducers(ctx, ch, uid)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			res.Outcome, res.Err = ConsumeFailed, fmt.Errorf("list producers: %w", err)
			logger.Error().Err(err).Msg("list producers failed")
			return res
		}
		if len(list) == 0 {
			if attempt >= o.opts.MaxConsumeRetries {
				res.Outcome = ConsumeExhausted
				logger.Warn().Int("attempts", res.Attempts).Msg("participant has no producers, giving up")
				return res
			}
			t := time.NewTimer(o.opts.ConsumeBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return cancelled()
			case <-t.C:
			}
			continue
		}

		for _, p := range list {
			err := o.consumeProducer(ctx, epoch, pe, recvT, uid, p)
			if errors.Is(err, ErrCancelled) {
				return cancelled()
			}
			if err != nil {
				logger.Error().Err(err).Str("producer", p.ProducerID).Msg("consume failed")
				res.Err = errors.Join(res.Err, err)
				continue
			}
			res.Consumed++
		}
		if res.Consumed == 0 {
			res.Outcome = ConsumeFailed
		}
		logger.Info().Int("consumed", res.Consumed).Int("attempts", res.Attempts).Msg("participant consumed")
		return res
	}
}

func (o *Orchestrator) occupancy(epoch uint64, uid domain.UserID, pe *peer) (domain.ChannelID, Transport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ok := o.epoch == epoch && o.state == Active && o.recvT != nil && o.peers[uid] == pe
	return o.channel, o.recvT, ok
}

// consumeProducer attaches one remote producer. A second consumer of the same
// user and kind replaces the first, so repeated "joined" events never stack. A
// consumer that arrives after uid left is closed again.
func (o *Orchestrator) consumeProducer(ctx context.Context, epoch uint64, pe *peer, recvT Transport, uid domain.UserID, p media.ProducerInfo) error {
	info, err := o.svc.Consume(ctx, recvT.ID(), p.ProducerID, o.self.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return err
	}
	if info.Kind == "" {
		info.Kind = p.Kind
	}
	recv, err := recvT.Receive(info)
	if err != nil {
		o.closeRemote(func(ctx context.Context) error { return o.svc.CloseConsumer(ctx, info.ConsumerID) })
		return fmt.Errorf("receive %s: %w", info.ConsumerID, err)
	}
	c := &consumer{id: info.ConsumerID, producerID: p.ProducerID, owner: uid, kind: info.Kind, recv: recv}

	var old *consumer
	if !o.adoptPeer(epoch, uid, pe, func() {
		byKind := o.consumers[uid]
		if byKind == nil {
			byKind = make(map[domain.MediaKind]*consumer)
			o.consumers[uid] = byKind
		}
		old = byKind[c.kind]
		byKind[c.kind] = c
	}) {
		_ = recv.Stop()
		o.closeRemote(func(ctx context.Context) error { return o.svc.CloseConsumer(ctx, c.id) })
		return ErrCancelled
	}
	if old != nil {
		o.releaseConsumer(old)
	}
	o.bus.publish(ConsumerAdded{UserID: uid, Kind: c.kind, ConsumerID: c.id})
	return nil
}
