package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/pion/webrtc/v4"
)

type fakeService struct {
	mu        sync.Mutex
	next      int
	calls     []string
	producers map[domain.UserID][]media.ProducerInfo
	lists     map[domain.UserID]int
	// appearAfter publishes a user's producers only from that list call on.
	appearAfter map[domain.UserID]int
	connectErr  map[string]error
	// onCreate runs inside CreateTransport; used to hold a join mid-flight.
	onCreate func(ctx context.Context, dir media.Direction) error
	// onConsume runs inside Consume, before the consumer is returned.
	onConsume func()
	cleanups  int
}

func newFakeService() *fakeService {
	return &fakeService{
		producers:   make(map[domain.UserID][]media.ProducerInfo),
		lists:       make(map[domain.UserID]int),
		appearAfter: make(map[domain.UserID]int),
		connectErr:  make(map[string]error),
	}
}

func (s *fakeService) record(format string, args ...any) {
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *fakeService) id(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s%d", prefix, s.next)
}

func (s *fakeService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeService) has(call string) bool {
	for _, c := range s.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (s *fakeService) count(prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (s *fakeService) publish(uid domain.UserID, kinds ...domain.MediaKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		s.producers[uid] = append(s.producers[uid], media.ProducerInfo{
			ProducerID:  fmt.Sprintf("%s-%s", uid, k),
			OwnerUserID: uid,
			Kind:        k,
		})
	}
}

func (s *fakeService) Cleanup(_ context.Context, ch domain.ChannelID, uid domain.UserID) error {
	s.record("cleanup %s %s", ch, uid)
	s.mu.Lock()
	s.cleanups++
	s.mu.Unlock()
	return nil
}

func (s *fakeService) NegotiateCapabilities(_ context.Context, ch domain.ChannelID) (media.Capabilities, error) {
	s.record("caps %s", ch)
	return media.Capabilities{Codecs: []webrtc.RTPCodecParameters{opusCodec()}}, nil
}

func (s *fakeService) CreateTransport(ctx context.Context, _ domain.ChannelID, _ domain.UserID, dir media.Direction) (media.TransportInfo, error) {
	s.record("create %s", dir)
	if s.onCreate != nil {
		if err := s.onCreate(ctx, dir); err != nil {
			return media.TransportInfo{}, err
		}
	}
	return media.TransportInfo{ID: string(dir) + "-t", Direction: dir}, nil
}

func (s *fakeService) ConnectTransport(_ context.Context, id string, _ webrtc.DTLSParameters) error {
	s.record("connect %s", id)
	return s.connectErr[id]
}

func (s *fakeService) CloseTransport(_ context.Context, id string) error {
	s.record("close-transport %s", id)
	return nil
}

func (s *fakeService) Produce(_ context.Context, _ string, kind domain.MediaKind, _ webrtc.RTPSendParameters) (string, error) {
	s.record("produce %s", kind)
	return "p-" + string(kind), nil
}

func (s *fakeService) PauseProducer(_ context.Context, id string) error {
	s.record("pause %s", id)
	return nil
}

func (s *fakeService) ResumeProducer(_ context.Context, id string) error {
	s.record("resume %s", id)
	return nil
}

func (s *fakeService) CloseProducer(_ context.Context, id string) error {
	s.record("close-producer %s", id)
	return nil
}

func (s *fakeService) ListProducers(_ context.Context, _ domain.ChannelID, uid domain.UserID) ([]media.ProducerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[uid]++
	if s.lists[uid] < s.appearAfter[uid] {
		return nil, nil
	}
	return append([]media.ProducerInfo(nil), s.producers[uid]...), nil
}

func (s *fakeService) Consume(_ context.Context, _ string, producerID string, _ domain.UserID) (media.ConsumerInfo, error) {
	id := s.id("c")
	s.record("consume %s", producerID)
	if s.onConsume != nil {
		s.onConsume()
	}
	return media.ConsumerInfo{ConsumerID: id, ProducerID: producerID}, nil
}

func (s *fakeService) CloseConsumer(_ context.Context, id string) error {
	s.record("close-consumer %s", id)
	return nil
}

func (s *fakeService) listCalls(uid domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists[uid]
}

func opusCodec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
}

type fakeDevice struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDevice) Load(media.Capabilities) error { return nil }

func (d *fakeDevice) OpenTrack(kind domain.MediaKind) (*GatedTrack, error) {
	return NewGatedTrack(opusCodec().RTPCodecCapability, kind, "test")
}

func (d *fakeDevice) CreateTransport(info media.TransportInfo) (Transport, error) {
	t := &fakeTransport{id: info.ID}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDevice) closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.transports {
		if t.isClosed() {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) LocalDTLS() (webrtc.DTLSParameters, error) {
	return webrtc.DTLSParameters{Role: webrtc.DTLSRoleClient}, nil
}

func (t *fakeTransport) Start(context.Context) error { return nil }

func (t *fakeTransport) Send(*GatedTrack) (Sender, error) { return &fakeStopper{}, nil }

func (t *fakeTransport) Receive(media.ConsumerInfo) (Receiver, error) { return &fakeStopper{}, nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeStopper struct{}

func (*fakeStopper) Parameters() webrtc.RTPSendParameters { return webrtc.RTPSendParameters{} }
func (*fakeStopper) Stop() error                          { return nil }

type sentState struct {
	Channel  *domain.ChannelID
	Muted    bool
	Deafened bool
}

type fakeSignaler struct {
	mu       sync.Mutex
	states   []sentState
	speaking []bool
	err      error
}

func (s *fakeSignaler) SendVoiceState(ch *domain.ChannelID, muted, deafened bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, sentState{Channel: ch, Muted: muted, Deafened: deafened})
	return s.err
}

func (s *fakeSignaler) SendSpeaking(_ domain.ChannelID, speaking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = append(s.speaking, speaking)
	return nil
}

func (s *fakeSignaler) lastState() sentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[len(s.states)-1]
}

func (s *fakeSignaler) speakingLog() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.speaking...)
}
