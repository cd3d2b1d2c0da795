// Package signaling is the client end of the Huddle WebSocket protocol.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed         = errors.New("signaling: connection closed")
	ErrSendBufferFull = errors.New("signaling: send buffer full")
)

const writeWait = 5 * time.Second

type Options struct {
	SendBuffer  int
	PingPeriod  time.Duration
	DialTimeout time.Duration
	Header      http.Header
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	return o
}

// Handler receives every decoded server event on the read goroutine.
type Handler func(protocol.Event)

type Client struct {
	conn *websocket.Conn
	self domain.Identity
	opts Options
	send chan []byte

	mu       sync.RWMutex
	closed   bool
	handlers []Handler

	welcomed chan protocol.Welcome
}

// Dial connects to url; nothing is sent until Run.
func Dial(ctx context.Context, url string, self domain.Identity, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	conn, resp, err := d.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	log.Info().Str("module", "client.signaling").Str("url", url).Str("user", string(self.UserID)).Msg("connected")
	return &Client{
		conn:     conn,
		self:     self,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		welcomed: make(chan protocol.Welcome, 1),
	}, nil
}

// OnEvent registers h; call before Run.
func (c *Client) OnEvent(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Run identifies and pumps frames until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Identify(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(c.readLoop)
	g.Go(c.writeLoop)
	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Welcome waits for the server's answer to user_joined.
func (c *Client) Welcome(ctx context.Context) (protocol.Welcome, error) {
	select {
	case w := <-c.welcomed:
		return w, nil
	case <-ctx.Done():
		return protocol.Welcome{}, ctx.Err()
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Client) readLoop() error {
	defer c.Close()
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				return ErrClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.signaling").Msg("dropping undecodable event")
			continue
		}
		if w, ok := ev.(protocol.Welcome); ok {
			select {
			case c.welcomed <- w:
			default:
			}
		}
		c.mu.RLock()
		handlers := c.handlers
		c.mu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (c *Client) writeLoop() error {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return ErrClosed
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := c.Ping(); err != nil && !errors.Is(err, ErrSendBufferFull) {
				return err
			}
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send queues m without blocking.
func (c *Client) Send(m protocol.Message) error {
	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		log.Warn().Str("module", "client.signaling").Str("type", m.Type()).Msg("send buffer full")
		return ErrSendBufferFull
	}
}

func (c *Client) Identify() error {
	return c.Send(protocol.UserJoined{
		UserID:      string(c.self.UserID),
		DisplayName: c.self.DisplayName,
		Avatar:      c.self.AvatarRef,
	})
}

func (c *Client) Ping() error { return c.Send(protocol.Ping{}) }

func (c *Client) JoinChannel(ch domain.ChannelID) error {
	return c.Send(protocol.JoinChannel{ChannelID: ch})
}

func (c *Client) LeaveChannel(ch domain.ChannelID) error {
	return c.Send(protocol.LeaveChannel{ChannelID: ch})
}

func (c *Client) PostMessage(ch domain.ChannelID, content string) error {
	return c.Send(protocol.NewMessage{ChannelID: ch, Content: content})
}

func (c *Client) Typing(ch domain.ChannelID) error {
	return c.Send(protocol.Typing{ChannelID: ch})
}

// SendVoiceState carries the identity so a server that lost it can re-attach it.
func (c *Client) SendVoiceState(ch *domain.ChannelID, muted, deafened bool) error {
	return c.Send(protocol.VoiceState{
		ChannelID:   ch,
		Muted:       muted,
		Deafened:    deafened,
		UserID:      string(c.self.UserID),
		DisplayName: c.self.DisplayName,
		Avatar:      c.self.AvatarRef,
	})
}

func (c *Client) SendSpeaking(ch domain.ChannelID, speaking bool) error {
	return c.Send(protocol.SpeakingState{ChannelID: ch, Speaking: speaking})
}
