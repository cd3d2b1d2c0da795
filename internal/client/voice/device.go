package voice

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNotLoaded = errors.New("voice: device not loaded")
	ErrNoCodec   = errors.New("voice: no usable codec")
)

// Device turns the media service's descriptions into local transports and tracks.
type Device interface {
	Load(caps media.Capabilities) error
	OpenTrack(kind domain.MediaKind) (*GatedTrack, error)
	CreateTransport(info media.TransportInfo) (Transport, error)
}

type Transport interface {
	ID() string
	LocalDTLS() (webrtc.DTLSParameters, error)
	// Start gathers, connects ICE and completes the DTLS handshake.
	Start(ctx context.Context) error
	Send(track *GatedTrack) (Sender, error)
	Receive(info media.ConsumerInfo) (Receiver, error)
	Close() error
}

type Sender interface {
	Parameters() webrtc.RTPSendParameters
	Stop() error
}

type Receiver interface {
	Stop() error
}

// TrackSink takes over a remote track; without one the track is drained.
type TrackSink func(info media.ConsumerInfo, track *webrtc.TrackRemote)

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// PionDevice is a Device built on pion's ORTC objects, one ICE/DTLS pair per transport.
type PionDevice struct {
	iceServers []webrtc.ICEServer
	cert       webrtc.Certificate

	mu     sync.Mutex
	api    *webrtc.API
	codecs []webrtc.RTPCodecParameters
	sink   TrackSink
}

func NewPionDevice(iceServers []webrtc.ICEServer) (*PionDevice, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, err
	}
	return &PionDevice{iceServers: iceServers, cert: *cert}, nil
}

func (d *PionDevice) OnRemoteTrack(fn TrackSink) {
	d.mu.Lock()
	d.sink = fn
	d.mu.Unlock()
}

// Load registers the service's codecs and header extensions. At least one audio
// codec is required.
func (d *PionDevice) Load(caps media.Capabilities) error {
	m := &webrtc.MediaEngine{}
	var codecs []webrtc.RTPCodecParameters
	hasAudio := false
	for _, c := range caps.Codecs {
		typ := codecType(c.MimeType)
		if typ == 0 {
			continue
		}
		if err := m.RegisterCodec(c, typ); err != nil {
			return fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
		codecs = append(codecs, c)
		hasAudio = hasAudio || typ == webrtc.RTPCodecTypeAudio
	}
	if !hasAudio {
		return fmt.Errorf("%w: no audio codec offered", ErrNoCodec)
	}
	for _, e := range caps.HeaderExtensions {
		ext := webrtc.RTPHeaderExtensionCapability{URI: e.URI}
		for _, typ := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if err := m.RegisterHeaderExtension(ext, typ); err != nil {
				return fmt.Errorf("register header extension %s: %w", e.URI, err)
			}
		}
	}

	d.mu.Lock()
	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	d.codecs = codecs
	d.mu.Unlock()
	return nil
}

// OpenTrack returns a disabled track in the first negotiated codec of kind.
func (d *PionDevice) OpenTrack(kind domain.MediaKind) (*GatedTrack, error) {
	d.mu.Lock()
	codecs := d.codecs
	d.mu.Unlock()
	if codecs == nil {
		return nil, ErrNotLoaded
	}
	want := kindCodecType(kind)
	for _, c := range codecs {
		if codecType(c.MimeType) != want || strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx") {
			continue
		}
		return NewGatedTrack(c.RTPCodecCapability, kind, "huddle")
	}
	return nil, fmt.Errorf("%w for %s", ErrNoCodec, kind)
}

func (d *PionDevice) CreateTransport(info media.TransportInfo) (Transport, error) {
	d.mu.Lock()
	api, sink := d.api, d.sink
	d.mu.Unlock()
	if api == nil {
		return nil, ErrNotLoaded
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: d.iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, []webrtc.Certificate{d.cert})
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	return &pionTransport{
		info:     info,
		api:      api,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		sink:     sink,
	}, nil
}

func codecType(mime string) webrtc.RTPCodecType {
	switch mime = strings.ToLower(mime); {
	case strings.HasPrefix(mime, "audio/"):
		return webrtc.RTPCodecTypeAudio
	case strings.HasPrefix(mime, "video/"):
		return webrtc.RTPCodecTypeVideo
	}
	return 0
}

func kindCodecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}
