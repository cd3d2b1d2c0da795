package voice

import (
	"slices"
	"strings"

	"github.com/dkeye/Huddle/internal/domain"
)

// Snapshot is a point-in-time copy of the session for UI layers.
type Snapshot struct {
	State     State
	ChannelID domain.ChannelID
	Gate      MicGate
	Producers []domain.ProducerRecord
	Consumers []domain.ConsumerRecord
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{State: o.state, ChannelID: o.channel, Gate: o.gate}
	for _, p := range o.producers {
		s.Producers = append(s.Producers, domain.ProducerRecord{ID: p.id, Kind: p.kind})
	}
	for _, byKind := range o.consumers {
		for _, c := range byKind {
			s.Consumers = append(s.Consumers, domain.ConsumerRecord{
				ID:               c.id,
				SourceProducerID: c.producerID,
				OwnerUserID:      c.owner,
				Kind:             c.kind,
			})
		}
	}
	o.mu.Unlock()

	slices.SortFunc(s.Producers, func(a, b domain.ProducerRecord) int { return strings.Compare(string(a.Kind), string(b.Kind)) })
	slices.SortFunc(s.Consumers, func(a, b domain.ConsumerRecord) int {
		if c := strings.Compare(string(a.OwnerUserID), string(b.OwnerUserID)); c != 0 {
			return c
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
	return s
}
