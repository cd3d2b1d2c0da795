package signal

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleUserJoined(sid core.SessionID, m protocol.UserJoined) {
	id, err := m.Identity()
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad identity")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(id.UserID)).Str("name", id.DisplayName).Msg("identify")
	ctl.Orch.Identify(sid, id)
}
