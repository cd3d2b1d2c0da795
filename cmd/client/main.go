package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Huddle/internal/adapters/mediaclient"
	"github.com/dkeye/Huddle/internal/client/signaling"
	"github.com/dkeye/Huddle/internal/client/voice"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

func main() {
	rtpAddr := flag.String("rtp", "", "UDP address to read microphone RTP from, e.g. 127.0.0.1:5004")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(ctx, *rtpAddr); err != nil {
		log.Fatal().Err(err).Msg("client stopped")
	}
}

func run(ctx context.Context, rtpAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.ApplyLogLevel(cfg)
	if cfg.Media.Endpoint == "" {
		return errors.New("media.endpoint is required for the client")
	}
	self, err := domain.NewIdentity(cfg.Client.UserID, cfg.Client.DisplayName, "")
	if err != nil {
		return fmt.Errorf("client identity: %w", err)
	}
	mode, err := voice.ParseMicMode(cfg.Client.MicMode)
	if err != nil {
		return err
	}

	dev, err := voice.NewPionDevice(voice.DefaultICEServers())
	if err != nil {
		return err
	}
	sig, err := signaling.Dial(ctx, cfg.Client.ServerURL, self, signaling.Options{DialTimeout: cfg.Client.DialTimeout})
	if err != nil {
		return err
	}
	o := voice.New(mediaclient.New(cfg.Media.Endpoint, cfg.Media.Timeout), dev, sig, self, voice.Options{
		MaxConsumeRetries: cfg.Client.MaxConsumeRetries,
		ConsumeBackoff:    cfg.Client.ConsumeBackoff,
		MicMode:           mode,
		ReleaseTimeout:    cfg.Media.Timeout,
	})
	sig.OnEvent(o.HandleEvent)
	sig.OnEvent(printEvent)

	events, unsubscribe, err := o.Subscribe()
	if err != nil {
		return err
	}
	defer unsubscribe()

	ctx, quit := context.WithCancel(ctx)
	defer quit()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sig.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return nil
				}
				log.Debug().Str("module", "client").Str("event", fmt.Sprintf("%T", e)).Interface("data", e).Msg("session event")
			case <-ctx.Done():
				return nil
			}
		}
	})
	if rtpAddr != "" {
		g.Go(func() error { return readRTP(ctx, rtpAddr, o) })
	}
	g.Go(func() error {
		err := commands(ctx, os.Stdin, o, sig, cfg.Client.EnableVideoProduce)
		if lerr := o.Leave(context.Background()); lerr != nil {
			log.Warn().Err(lerr).Str("module", "client").Msg("leave on exit")
		}
		quit()
		return err
	})
	err = g.Wait()
	o.Wait()
	return err
}

func readRTP(ctx context.Context, addr string, o *voice.Orchestrator) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("rtp listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	log.Info().Str("module", "client").Str("addr", addr).Msg("reading microphone RTP")

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rtp read: %w", err)
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("skipping non-RTP datagram")
			continue
		}
		if err := o.WriteMic(pkt); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("mic write")
		}
	}
}

func commands(ctx context.Context, in io.Reader, o *voice.Orchestrator, sig *signaling.Client, video bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" {
			return nil
		}
		if err := command(ctx, o, sig, video, fields); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func command(ctx context.Context, o *voice.Orchestrator, sig *signaling.Client, video bool, f []string) error {
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	on := arg(1) == "on" || arg(1) == "down"
	switch f[0] {
	case "join":
		return o.Join(ctx, domain.ChannelID(arg(1)))
	case "leave":
		return o.Leave(ctx)
	case "mode":
		m, err := voice.ParseMicMode(arg(1))
		if err != nil {
			return err
		}
		return o.SetMicMode(m)
	case "ptt":
		return o.PushToTalk(on)
	case "vad":
		return o.VADSignal(on)
	case "mute":
		return o.SetSelfMute(on)
	case "deafen":
		return o.SetSelfDeafen(on)
	case "video":
		if !video {
			return errors.New("video is disabled by client.enable_video")
		}
		if !on {
			return o.Unpublish(ctx, domain.KindVideo)
		}
		id, err := o.PublishVideo(ctx, domain.KindVideo, nil)
		if err == nil {
			fmt.Println("video producer", id)
		}
		return err
	case "consume":
		res := o.ConsumeParticipant(ctx, domain.UserID(arg(1)))
		fmt.Printf("%s: %s after %d attempt(s), %d consumer(s)\n", res.UserID, res.Outcome, res.Attempts, res.Consumed)
		return res.Err
	case "text":
		return sig.JoinChannel(domain.ChannelID(arg(1)))
	case "say":
		return sig.PostMessage(domain.ChannelID(arg(1)), strings.Join(f[min(2, len(f)):], " "))
	case "status":
		s := o.Snapshot()
		fmt.Printf("state=%s channel=%s mic=%s active=%t muted=%t deafened=%t producers=%d consumers=%d\n",
			s.State, s.ChannelID, s.Gate.Mode, s.Gate.Active, s.Gate.SelfMuted, s.Gate.SelfDeafened, len(s.Producers), len(s.Consumers))
		return nil
	}
	return fmt.Errorf("unknown command %q", f[0])
}

func printEvent(e protocol.Event) {
	switch e := e.(type) {
	case protocol.MessageEvent:
		fmt.Printf("[%s] %s: %s\n", e.ChannelID, e.DisplayName, e.Content)
	case protocol.VoiceStateEvent:
		fmt.Printf("voice %s: %s %s (%d present)\n", e.ChannelID, e.UserID, e.Action, len(e.Participants))
	case protocol.SpeakingEvent:
		if e.Speaking {
			fmt.Printf("voice %s: %s speaking\n", e.ChannelID, e.UserID)
		}
	}
}
