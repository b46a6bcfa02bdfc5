package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// maxMessageRunes stays under the 4096 character limit of a telegram message.
const maxMessageRunes = 4000

type Notifier struct {
	Bot *gotgbot.Bot
}

func (n Notifier) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	for i, chunk := range splitMessage(text, maxMessageRunes) {
		opts := &gotgbot.SendMessageOpts{}
		if i == 0 && replyTo > 0 {
			opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
		}
		if _, err := n.Bot.SendMessageWithContext(ctx, chatID, chunk, opts); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks.
func splitMessage(text string, limit int) []string {
	r := []rune(strings.TrimSpace(text))
	if len(r) == 0 {
		return []string{"(empty)"}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if r[i] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(r[:cut])))
		r = r[cut:]
	}
	if rest := strings.TrimSpace(string(r)); rest != "" {
		out = append(out, rest)
	}
	return out
}
