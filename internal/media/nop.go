package media

import (
	"context"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// NopCleaner is injected when no forwarding service is configured.
type NopCleaner struct{}

func (NopCleaner) Cleanup(_ context.Context, ch domain.ChannelID, uid domain.UserID) error {
	log.Debug().Str("module", "media").Str("channel", string(ch)).Str("user", string(uid)).Msg("no media service configured, skipping cleanup")
	return nil
}
