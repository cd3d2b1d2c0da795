// Package voice drives one user's media session: it negotiates with the media
// service, produces the gated microphone and consumes the other participants of
// the current voice channel.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Idle State = iota
	Negotiating
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	}
	return "idle"
}

var (
	ErrBusy           = errors.New("voice: session busy")
	ErrNotActive      = errors.New("voice: not in a voice channel")
	ErrCancelled      = errors.New("voice: superseded by leave")
	ErrProducerExists = errors.New("voice: kind already produced")
	ErrBadKind        = errors.New("voice: kind not allowed here")
)

// Signaler is the part of the signaling client the orchestrator talks through.
type Signaler interface {
	SendVoiceState(ch *domain.ChannelID, muted, deafened bool) error
	SendSpeaking(ch domain.ChannelID, speaking bool) error
}

type Options struct {
	MaxConsumeRetries int
	ConsumeBackoff    time.Duration
	MicMode           MicMode
	// ReleaseTimeout bounds the remote calls made while tearing a session down.
	ReleaseTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxConsumeRetries: 3,
		ConsumeBackoff:    time.Second,
		MicMode:           MicVAD,
		ReleaseTimeout:    5 * time.Second,
	}
}

type producer struct {
	id     string
	kind   domain.MediaKind
	track  *GatedTrack
	sender Sender
}

type consumer struct {
	id         string
	producerID string
	owner      domain.UserID
	kind       domain.MediaKind
	recv       Receiver
}

// peer scopes the consume work for one remote user; "left" cancels it.
type peer struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type Orchestrator struct {
	svc  media.Service
	dev  Device
	sig  Signaler
	self domain.Identity
	opts Options

	// gateMu orders gate transitions together with their remote calls.
	gateMu sync.Mutex

	mu        sync.Mutex
	state     State
	channel   domain.ChannelID
	epoch     uint64
	cancelOcc context.CancelFunc
	occ       context.Context
	sendT     Transport
	recvT     Transport
	producers map[domain.MediaKind]*producer
	consumers map[domain.UserID]map[domain.MediaKind]*consumer
	peers     map[domain.UserID]*peer
	gate      MicGate

	bus   *bus
	tasks sync.WaitGroup
}

func New(svc media.Service, dev Device, sig Signaler, self domain.Identity, opts Options) *Orchestrator {
	if opts.MaxConsumeRetries < 0 {
		opts.MaxConsumeRetries = 0
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = DefaultOptions().ReleaseTimeout
	}
	return &Orchestrator{
		svc:       svc,
		dev:       dev,
		sig:       sig,
		self:      self,
		opts:      opts,
		producers: make(map[domain.MediaKind]*producer),
		consumers: make(map[domain.UserID]map[domain.MediaKind]*consumer),
		peers:     make(map[domain.UserID]*peer),
		gate:      MicGate{Mode: opts.MicMode},
		bus:       newBus(),
	}
}

func (o *Orchestrator) Subscribe() (<-chan Event, func(), error) {
	return o.bus.subscribe()
}

func (o *Orchestrator) State() (State, domain.ChannelID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.channel
}

// Wait blocks until every spawned consume task has returned.
func (o *Orchestrator) Wait() { o.tasks.Wait() }

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	o.bus.publish(StateChanged{State: s, ChannelID: o.channel})
}

// adopt runs fn under the lock if the occupancy that started a step is still current.
func (o *Orchestrator) adopt(epoch uint64, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return false
	}
	fn()
	return true
}

// peerLocked returns the live consume scope for uid, opening one under the
// current occupancy if there is none.
func (o *Orchestrator) peerLocked(uid domain.UserID) *peer {
	if pe := o.peers[uid]; pe != nil {
		return pe
	}
	ctx, cancel := context.WithCancel(o.occ)
	pe := &peer{ctx: ctx, cancel: cancel}
	o.peers[uid] = pe
	return pe
}

// adoptPeer is adopt that also requires pe to still be uid's scope.
func (o *Orchestrator) adoptPeer(epoch uint64, uid domain.UserID, pe *peer, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch || o.peers[uid] != pe {
		return false
	}
	fn()
	return true
}

// Join negotiates transports, produces the microphone and announces the channel.
// Only an idle session can join; a concurrent Leave aborts it with ErrCancelled.
func (o *Orchestrator) Join(ctx context.Context, ch domain.ChannelID) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.state != Idle {
		s := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, s)
	}
	o.epoch++
	epoch := o.epoch
	o.occ, o.cancelOcc = context.WithCancel(context.Background())
	occ := o.occ
	o.channel = ch
	o.setStateLocked(Negotiating)
	o.mu.Unlock()

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(occ, cancel)
	defer stop()

	logger := log.With().Str("module", "client.voice").Str("channel", string(ch)).Str("user", string(o.self.UserID)).Logger()

	if err := o.negotiate(jctx, epoch, ch); err != nil {
		if occ.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		logger.Warn().Err(err).Msg("join failed")
		o.abort(epoch)
		return fmt.Errorf("join %s: %w", ch, err)
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return fmt.Errorf("join %s: %w", ch, ErrCancelled)
	}
	o.setStateLocked(Active)
	g := o.gate
	o.mu.Unlock()

	if err := o.refreshGate(); err != nil {
		logger.Warn().Err(err).Msg("initial gate not applied")
	}
	if err := o.sig.SendVoiceState(&ch, g.SelfMuted, g.SelfDeafened); err != nil {
		logger.Error().Err(err).Msg("voice_state not sent")
		o.abort(epoch)
		return fmt.Errorf("join %s: announce: %w", ch, err)
	}
	logger.Info().Msg("voice session active")
	return nil
}

func (o *Orchestrator) negotiate(ctx context.Context, epoch uint64, ch domain.ChannelID) error {
	caps, err := o.svc.NegotiateCapabilities(ctx, ch)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	if err := o.dev.Load(caps); err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if err := o.openTransport(ctx, epoch, ch, media.DirectionSend); err != nil {
		return err
	}
	if err := o.openTransport(ctx, epoch, ch, media.DirectionRecv); err != nil {
		return err
	}
	if _, err := o.publish(ctx, epoch, domain.KindAudio, nil); err != nil {
		return fmt.Errorf("produce audio: %w", err)
	}
	return nil
}

// openTransport stores the transport before connecting it, so a failure past that
// point is released by the abort path.
func (o *Orchestrator) openTransport(ctx context.Context, epoch uint64, ch domain.ChannelID, dir media.Direction) error {
	info, err := o.svc.CreateTransport(ctx, ch, o.self.UserID, dir)
	if err != nil {
		return fmt.Errorf("create %s transport: %w", dir, err)
	}
	t, err := o.dev.CreateTransport(info)
	if err != nil {
		o.closeRemote(func(ctx context.Context) error { return o.svc.CloseTransport(ctx, info.ID) })
		return fmt.Errorf("local %s transport: %w", dir, err)
	}
	if !o.adopt(epoch, func() {
		if dir == media.DirectionSend {
			o.sendT = t
		} else {
			o.recvT = t
		}
	}) {
		_ = t.Close()
		o.closeRemote(func(ctx context.Context) error { return o.svc.CloseTransport(ctx, info.ID) })
		return ErrCancelled
	}

	dtls, err := t.LocalDTLS()
	if err != nil {
		return fmt.Errorf("%s dtls parameters: %w", dir, err)
	}
	if err := o.svc.ConnectTransport(ctx, t.ID(), dtls); err != nil {
		return fmt.Errorf("connect %s transport: %w", dir, err)
	}
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("start %s transport: %w", dir, err)
	}
	return nil
}

// publish produces track, or a freshly opened device track when track is nil.
func (o *Orchestrator) publish(ctx context.Context, epoch uint64, kind domain.MediaKind, track *GatedTrack) (string, error) {
	o.mu.Lock()
	sendT := o.sendT
	_, exists := o.producers[kind]
	o.mu.Unlock()
	if sendT == nil {
		return "", ErrNotActive
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrProducerExists, kind)
	}
	if track == nil {
		var err error
		if track, err = o.dev.OpenTrack(kind); err != nil {
			return "", err
		}
	}
	sender, err := sendT.Send(track)
	if err != nil {
		return "", err
	}
	pid, err := o.svc.Produce(ctx, sendT.ID(), kind, sender.Parameters())
	if err != nil {
		_ = sender.Stop()
		return "", err
	}
	p := &producer{id: pid, kind: kind, track: track, sender: sender}
	var dup bool
	ok := o.adopt(epoch, func() {
		if _, dup = o.producers[kind]; !dup {
			o.producers[kind] = p
		}
	})
	if !ok || dup {
		_ = sender.Stop()
		o.closeRemote(func(ctx context.Context) error { return o.svc.CloseProducer(ctx, pid) })
		if dup {
			return "", fmt.Errorf("%w: %s", ErrProducerExists, kind)
		}
		return "", ErrCancelled
	}
	o.bus.publish(ProducerAdded{Kind: kind, ProducerID: pid})
	return pid, nil
}

// PublishVideo produces a camera or screen track in the current channel.
func (o *Orchestrator) PublishVideo(ctx context.Context, kind domain.MediaKind, track *GatedTrack) (string, error) {
	if kind == domain.KindAudio {
		return "", ErrBadKind
	}
	o.mu.Lock()
	state, epoch := o.state, o.epoch
	o.mu.Unlock()
	if state != Active {
		return "", ErrNotActive
	}
	if track != nil {
		track.SetEnabled(true)
	}
	pid, err := o.publish(ctx, epoch, kind, track)
	if err != nil {
		return "", err
	}
	if track == nil {
		o.mu.Lock()
		if p := o.producers[kind]; p != nil {
			p.track.SetEnabled(true)
		}
		o.mu.Unlock()
	}
	return pid, nil
}

// Unpublish stops a camera or screen producer.
func (o *Orchestrator) Unpublish(ctx context.Context, kind domain.MediaKind) error {
	if kind == domain.KindAudio {
		return ErrBadKind
	}
	o.mu.Lock()
	p := o.producers[kind]
	delete(o.producers, kind)
	o.mu.Unlock()
	if p == nil {
		return nil
	}
	p.track.SetEnabled(false)
	err := errors.Join(p.sender.Stop(), o.svc.CloseProducer(ctx, p.id))
	o.bus.publish(ProducerRemoved{Kind: kind, ProducerID: p.id})
	return err
}

// HandleEvent feeds server events into the session; only voice_state matters here.
func (o *Orchestrator) HandleEvent(e protocol.Event) {
	if ev, ok := e.(protocol.VoiceStateEvent); ok {
		o.HandleVoiceEvent(ev)
	}
}

// HandleVoiceEvent consumes new participants of the current channel and drops
// the consumers of those who left. Our own "joined" carries the full list, so it
// consumes everyone already there.
func (o *Orchestrator) HandleVoiceEvent(ev protocol.VoiceStateEvent) {
	var targets []domain.UserID
	if ev.Action == protocol.VoiceJoined {
		if ev.UserID == o.self.UserID {
			for _, p := range ev.Participants {
				if p.UserID != o.self.UserID {
					targets = append(targets, p.UserID)
				}
			}
		} else {
			targets = append(targets, ev.UserID)
		}
	}

	o.mu.Lock()
	if o.state != Active || ev.ChannelID != o.channel {
		o.mu.Unlock()
		log.Debug().Str("module", "client.voice").Str("channel", string(ev.ChannelID)).Str("action", ev.Action).Msg("voice event outside session")
		return
	}
	epoch := o.epoch
	scopes := make([]*peer, len(targets))
	for i, uid := range targets {
		scopes[i] = o.peerLocked(uid)
	}
	o.mu.Unlock()

	switch ev.Action {
	case protocol.VoiceJoined:
		for i, uid := range targets {
			pe := scopes[i]
			o.tasks.Add(1)
			go func() {
				defer o.tasks.Done()
				o.consume(pe.ctx, epoch, pe, uid)
			}()
		}
	case protocol.VoiceLeft:
		if ev.UserID != o.self.UserID {
			o.dropConsumers(ev.UserID)
		}
	}
}

// dropConsumers closes uid's consumers and cancels any consume still running
// for uid.
func (o *Orchestrator) dropConsumers(uid domain.UserID) {
	o.mu.Lock()
	if pe := o.peers[uid]; pe != nil {
		pe.cancel()
		delete(o.peers, uid)
	}
	byKind := o.consumers[uid]
	delete(o.consumers, uid)
	o.mu.Unlock()
	for _, c := range byKind {
		o.releaseConsumer(c)
	}
}

func (o *Orchestrator) releaseConsumer(c *consumer) {
	if err := c.recv.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "client.voice").Str("consumer", c.id).Msg("receiver stop")
	}
	o.closeRemote(func(ctx context.Context) error { return o.svc.CloseConsumer(ctx, c.id) })
	o.bus.publish(ConsumerRemoved{UserID: c.owner, Kind: c.kind, ConsumerID: c.id})
}

// closeRemote runs a best-effort release call and logs its failure.
func (o *Orchestrator) closeRemote(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.ReleaseTimeout)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, media.ErrNotFound) {
		log.Warn().Err(err).Str("module", "client.voice").Msg("release failed")
	}
}
