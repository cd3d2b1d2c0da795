package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.OnDisconnect(sid)
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, sid, data)
		}
	}
}

// handleSignal decodes one frame and dispatches it. Bad frames are logged and
// dropped; the connection stays open.
func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		ev := log.Warn()
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			ev = ev.Str("type", de.Type)
		}
		ev.Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("dropping frame")
		return
	}

	switch m := msg.(type) {
	case protocol.UserJoined:
		ctl.handleUserJoined(sid, m)
	case protocol.JoinChannel:
		ctl.Orch.JoinChannel(sid, m.ChannelID)
	case protocol.LeaveChannel:
		ctl.Orch.LeaveChannel(sid, m.ChannelID)
	case protocol.NewMessage:
		ctl.handleNewMessage(ctx, sid, m)
	case protocol.Typing:
		ctl.handleTyping(sid, m)
	case protocol.VoiceState:
		ctl.Orch.UpdateVoiceState(sid, m)
	case protocol.SpeakingState:
		ctl.Orch.UpdateSpeaking(sid, m.ChannelID, m.Speaking)
	case protocol.RTCSignal:
		ctl.Orch.Relay(sid, m)
	case protocol.Ping:
		ctl.handlePing(sid)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type()).Msg("unhandled message")
	}
}
