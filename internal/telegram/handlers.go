package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"polychat/internal/queue"
	"polychat/internal/storage"
)

var errUsage = errors.New("usage: /ask [Model1,Model2] <text>")

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Commands:",
		"/ask [Model1,Model2] <text> - ask one or more models",
		"/models - list available models",
		"/balance - show your remaining tokens",
		"/help",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	models, prompt, err := parseAsk(commandRemainder(msg.GetText()), s.known(), s.defaultModels)
	if err != nil {
		return s.reply(ctx, b, err.Error())
	}

	c, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	principal := PrincipalForUser(ctx.EffectiveUser.Id)
	convID := ConversationForChat(ctx.EffectiveChat.Id)
	if err := s.conversations.EnsureConversation(c, convID, principal, chatTitle(ctx.EffectiveChat)); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("ensure conversation failed")
		return s.reply(ctx, b, "Storage is unavailable right now.")
	}
	if s.defaultAllocation > 0 {
		if err := s.ledger.EnsurePrincipal(c, principal, s.defaultAllocation); err != nil {
			s.logger.Error().Err(err).Str("principal", principal).Msg("ensure principal failed")
		}
	}

	job := queue.AskJob{
		ChatID:         ctx.EffectiveChat.Id,
		UserID:         ctx.EffectiveUser.Id,
		MessageID:      msg.MessageId,
		ConversationID: convID,
		PrincipalID:    principal,
		Prompt:         prompt,
		Models:         models,
	}
	if _, err := s.queue.Enqueue(c, job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue /ask job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	return s.reply(ctx, b, "Accepted. Asking "+strings.Join(models, ", ")+".")
}

func (s *Service) listModels(b *gotgbot.Bot, ctx *ext.Context) error {
	names := s.models.Names()
	if len(names) == 0 {
		return s.reply(ctx, b, "No models configured.")
	}
	return s.reply(ctx, b, "Available models:\n"+strings.Join(names, "\n"))
}

func (s *Service) balance(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	c, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	principal := PrincipalForUser(ctx.EffectiveUser.Id)
	bal, err := s.ledger.Balance(c, principal)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reply(ctx, b, "You have no token allocation yet.")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("balance lookup failed")
		return s.reply(ctx, b, "Balance is unavailable right now.")
	}
	text := fmt.Sprintf("Tokens available: %d of %d", bal.Available, bal.Allocated)
	if s.allowance != nil {
		left, resetAt, err := s.allowance.Remaining(c, principal, time.Now())
		if err != nil {
			s.logger.Warn().Err(err).Msg("rate window lookup failed")
		} else if left >= 0 {
			text += fmt.Sprintf("\nAsks left this hour: %d (resets %s)", left, resetAt.Format("15:04 UTC"))
		}
	}
	return s.reply(ctx, b, text)
}

func (s *Service) known() map[string]bool {
	names := s.models.Names()
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

// parseAsk reads "[Model1,Model2] text". The leading word is a model list only
// when every comma-separated part names a known model; otherwise the whole
// input is the prompt and the defaults apply.
func parseAsk(rest string, known map[string]bool, defaults []string) (models []string, prompt string, err error) {
	first, tail := splitFirstWord(rest)
	if first == "" {
		return nil, "", errUsage
	}
	if list := splitModels(first); len(list) > 0 && allKnown(list, known) {
		if tail == "" {
			return nil, "", errUsage
		}
		return list, tail, nil
	}
	if len(defaults) == 0 {
		return nil, "", errUsage
	}
	return append([]string(nil), defaults...), strings.TrimSpace(rest), nil
}

func splitModels(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func allKnown(list []string, known map[string]bool) bool {
	for _, m := range list {
		if !known[m] {
			return false
		}
	}
	return true
}

func chatTitle(c *gotgbot.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return "Telegram chat"
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
