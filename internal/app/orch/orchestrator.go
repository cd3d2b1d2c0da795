package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultCleanupTimeout = 5 * time.Second

// MessageStore is the persistence collaborator for chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error)
}

type Deps struct {
	Registry       *core.Registry
	Voice          *core.VoiceTable
	Store          MessageStore
	Media          media.Cleaner
	Policy         app.Policy
	CleanupTimeout time.Duration
}

// Orchestrator applies inbound protocol messages to the registries and emits the
// resulting broadcasts.
type Orchestrator struct {
	Registry *core.Registry
	Voice    *core.VoiceTable
	Store    MessageStore
	Media    media.Cleaner
	Policy   app.Policy

	cleanupTimeout time.Duration
	locks          *core.KeyedMutex
	tasks          sync.WaitGroup
	now            func() time.Time

	// live counts sessions not yet passed to OnDisconnect.
	lifeMu  sync.Mutex
	closing bool
	live    sync.WaitGroup
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		Registry:       d.Registry,
		Voice:          d.Voice,
		Store:          d.Store,
		Media:          d.Media,
		Policy:         d.Policy,
		cleanupTimeout: d.CleanupTimeout,
		locks:          core.NewKeyedMutex(),
		now:            time.Now,
	}
	if o.Registry == nil {
		o.Registry = core.NewRegistry()
	}
	if o.Voice == nil {
		o.Voice = core.NewVoiceTable()
	}
	if o.Media == nil {
		log.Warn().Str("module", "orch").Msg("no media cleaner injected, voice cleanup is a no-op")
		o.Media = media.NopCleaner{}
	}
	if o.Policy == nil {
		o.Policy = app.DropPolicy{}
	}
	if o.cleanupTimeout <= 0 {
		o.cleanupTimeout = DefaultCleanupTimeout
	}
	return o
}

func userKey(uid domain.UserID) string { return "user:" + string(uid) }

// channel keys sort after user keys, so every path locks its user first.
func channelKeys(chs ...domain.ChannelID) []string {
	keys := make([]string, 0, len(chs))
	for _, ch := range chs {
		if ch != "" {
			keys = append(keys, "voice:"+string(ch))
		}
	}
	return keys
}

// Connect registers a new transport and returns its session id. After Shutdown
// the transport is closed and the id is empty.
func (o *Orchestrator) Connect(conn core.SignalConnection, clientToken string) core.SessionID {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.closing {
		conn.Close()
		return ""
	}
	o.live.Add(1)
	return o.Registry.Register(conn, clientToken)
}

// Identify attaches the identity and answers with the welcome snapshot.
func (o *Orchestrator) Identify(sid core.SessionID, id domain.Identity) {
	if !o.Registry.AttachIdentity(sid, id) {
		return
	}
	o.send(sid, protocol.Welcome{
		SessionID:     string(sid),
		User:          id,
		VoiceChannels: o.Voice.Snapshot(),
	})
}

func (o *Orchestrator) Ping(sid core.SessionID) {
	o.send(sid, protocol.Pong{})
}

// Wait blocks until every background cleanup task has finished.
func (o *Orchestrator) Wait() {
	o.tasks.Wait()
}

// Shutdown refuses new sessions, closes the live ones and waits until each has
// been through OnDisconnect and its voice cleanup is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifeMu.Lock()
	o.closing = true
	o.lifeMu.Unlock()

	n := o.Registry.CloseAll()
	log.Info().Str("module", "orch").Int("sessions", n).Msg("closing sessions")

	done := make(chan struct{})
	go func() {
		o.live.Wait()
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) send(sid core.SessionID, ev protocol.Event) {
	b, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", ev.Type()).Msg("encode event")
		return
	}
	if err := o.Registry.SendTo(sid, b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("type", ev.Type()).Msg("send dropped")
	}
}

func (o *Orchestrator) broadcast(ch domain.ChannelID, ev protocol.Event, exclude ...core.SessionID) core.PublishResult {
	b, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", ev.Type()).Msg("encode event")
		return core.PublishResult{}
	}
	res := o.Registry.Broadcast(ch, b, exclude...)
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(slow)).Str("channel", string(ch)).Msg("kicking slow session")
			o.Registry.Close(slow)
		case app.NoAction:
			log.Debug().Str("module", "orch").Str("sid", string(slow)).Str("channel", string(ch)).Msg("frame dropped for slow session")
		}
	}
	return res
}

// identity returns the attached identity; misses are logged and reported as false.
func (o *Orchestrator) identity(sid core.SessionID, op string) (domain.Identity, bool) {
	id, ok := o.Registry.Identity(sid)
	if !ok {
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("op", op).Msg("session has no identity yet")
	}
	return id, ok
}
