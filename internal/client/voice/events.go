package voice

import (
	"errors"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	MaxListeners   = 16
	listenerBuffer = 32
)

var ErrTooManyListeners = errors.New("voice: too many listeners")

// Event is a typed state change delivered to subscribers.
type Event interface {
	event()
}

type StateChanged struct {
	State     State
	ChannelID domain.ChannelID
}

type GateChanged struct {
	Gate MicGate
}

type ProducerAdded struct {
	Kind       domain.MediaKind
	ProducerID string
}

type ProducerRemoved struct {
	Kind       domain.MediaKind
	ProducerID string
}

type ConsumerAdded struct {
	UserID     domain.UserID
	Kind       domain.MediaKind
	ConsumerID string
}

type ConsumerRemoved struct {
	UserID     domain.UserID
	Kind       domain.MediaKind
	ConsumerID string
}

func (StateChanged) event()    {}
func (GateChanged) event()     {}
func (ProducerAdded) event()   {}
func (ProducerRemoved) event() {}
func (ConsumerAdded) event()   {}
func (ConsumerRemoved) event() {}

type bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe() (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= MaxListeners {
		return nil, func() {}, ErrTooManyListeners
	}
	id := b.next
	b.next++
	ch := make(chan Event, listenerBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel, nil
}

// publish never blocks; a full listener misses the event.
func (b *bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Debug().Str("module", "client.voice").Int("listener", id).Msg("listener full, event dropped")
		}
	}
}
