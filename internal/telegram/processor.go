package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"polychat/internal/metrics"
)

type UpdateDedupe interface {
	MarkFirst(ctx context.Context, updateID int64) (bool, error)
}

// Processor drops updates from users outside the allow list and updates
// telegram delivered more than once before handing the rest to the
// dispatcher.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  UpdateDedupe
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// AllowedUserID restricts the bot to one user when > 0.
	AllowedUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.admit(ctx) {
		return nil
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) admit(ctx *ext.Context) bool {
	if p.AllowedUserID > 0 && (ctx.EffectiveUser == nil || ctx.EffectiveUser.Id != p.AllowedUserID) {
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("update from user outside allow list dropped")
		return false
	}
	if p.Dedupe == nil {
		return true
	}
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := p.Dedupe.MarkFirst(c, ctx.UpdateId)
	if err != nil {
		// Fail open while redis is unavailable.
		p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		return true
	}
	return first
}
