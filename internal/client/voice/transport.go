package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type pionTransport struct {
	info     media.TransportInfo
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sink     TrackSink

	closeOnce sync.Once
	closeErr  error
}

func (t *pionTransport) ID() string { return t.info.ID }

func (t *pionTransport) LocalDTLS() (webrtc.DTLSParameters, error) {
	return t.dtls.GetLocalParameters()
}

func (t *pionTransport) Start(ctx context.Context) error {
	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}

	if err := t.ice.SetRemoteCandidates(t.info.ICECandidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	t.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		log.Info().Str("module", "client.voice").Str("transport", t.info.ID).Str("ice_state", s.String()).Msg("ICE state")
	})
	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		log.Info().Str("module", "client.voice").Str("transport", t.info.ID).Str("dtls_state", s.String()).Msg("DTLS state")
	})

	done := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlling
		if err := t.ice.Start(nil, t.info.ICEParameters, &role); err != nil {
			done <- fmt.Errorf("ice start: %w", err)
			return
		}
		if err := t.dtls.Start(t.info.DTLSParameters); err != nil {
			done <- fmt.Errorf("dtls start: %w", err)
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

func (t *pionTransport) Send(track *GatedTrack) (Sender, error) {
	s, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	params := s.GetParameters()
	if err := s.Send(params); err != nil {
		_ = s.Stop()
		return nil, err
	}
	go func() {
		for {
			if _, _, err := s.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	return &pionSender{s: s, params: params}, nil
}

func (t *pionTransport) Receive(info media.ConsumerInfo) (Receiver, error) {
	r, err := t.api.NewRTPReceiver(kindCodecType(info.Kind), t.dtls)
	if err != nil {
		return nil, err
	}
	if err := r.Receive(webrtc.RTPReceiveParameters{Encodings: info.Encodings}); err != nil {
		_ = r.Stop()
		return nil, err
	}
	track := r.Track()
	log.Info().
		Str("module", "client.voice").
		Str("transport", t.info.ID).
		Str("consumer", info.ConsumerID).
		Str("kind", string(info.Kind)).
		Msg("remote track attached")
	go func() {
		if t.sink != nil {
			t.sink(info, track)
			return
		}
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
	return r, nil
}

func (t *pionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
		if t.closeErr != nil {
			log.Error().Err(t.closeErr).Str("module", "client.voice").Str("transport", t.info.ID).Msg("close error")
		} else {
			log.Info().Str("module", "client.voice").Str("transport", t.info.ID).Msg("closed")
		}
	})
	return t.closeErr
}

type pionSender struct {
	s      *webrtc.RTPSender
	params webrtc.RTPSendParameters
}

func (s *pionSender) Parameters() webrtc.RTPSendParameters { return s.params }

func (s *pionSender) Stop() error { return s.s.Stop() }
