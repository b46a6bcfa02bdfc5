// Package history turns stored prompts and responses into the role-tagged
// message list adapters consume.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/providers"
	"polychat/internal/storage"
)

type Source interface {
	ListPrompts(ctx context.Context, conversationID string) ([]storage.Prompt, error)
	ListResponses(ctx context.Context, conversationID string) ([]storage.Response, error)
}

type Config struct {
	Source Source
	Logger zerolog.Logger
	// MaxMessages keeps only the most recent N messages when > 0.
	MaxMessages int
}

type Assembler struct {
	source      Source
	logger      zerolog.Logger
	maxMessages int
}

func New(cfg Config) *Assembler {
	return &Assembler{
		source:      cfg.Source,
		logger:      cfg.Logger.With().Str("component", "history").Logger(),
		maxMessages: cfg.MaxMessages,
	}
}

// Result is a tagged outcome: Err is set (and Messages empty) when the read
// failed.
type Result struct {
	Messages []providers.Message
	Err      error
}

func (r Result) OK() bool {
	return r.Err == nil
}

func (a *Assembler) Load(ctx context.Context, conversationID string) Result {
	return a.LoadExcluding(ctx, conversationID, "")
}

// LoadExcluding is Load without the prompt with the given id, so a prompt
// stored just before contacting models is not sent twice.
func (a *Assembler) LoadExcluding(ctx context.Context, conversationID, promptID string) Result {
	prompts, err := a.source.ListPrompts(ctx, conversationID)
	if err != nil {
		return a.fail(conversationID, apperr.Persistence("load prompts", err))
	}
	responses, err := a.source.ListResponses(ctx, conversationID)
	if err != nil {
		return a.fail(conversationID, apperr.Persistence("load responses", err))
	}
	if promptID != "" {
		kept := prompts[:0:0]
		for _, p := range prompts {
			if p.ID != promptID {
				kept = append(kept, p)
			}
		}
		prompts = kept
	}

	msgs := Merge(prompts, responses)
	if a.maxMessages > 0 && len(msgs) > a.maxMessages {
		msgs = msgs[len(msgs)-a.maxMessages:]
	}
	return Result{Messages: msgs}
}

func (a *Assembler) fail(conversationID string, err error) Result {
	a.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("history load failed, continuing without context")
	return Result{Messages: []providers.Message{}, Err: err}
}

type entry struct {
	at       time.Time
	isPrompt bool
	id       string
	msg      providers.Message
}

// Merge orders prompts (user) and responses (assistant) by creation time.
// Ties put the prompt first, then compare ids.
func Merge(prompts []storage.Prompt, responses []storage.Response) []providers.Message {
	entries := make([]entry, 0, len(prompts)+len(responses))
	for _, p := range prompts {
		entries = append(entries, entry{
			at: p.CreatedAt, isPrompt: true, id: p.ID,
			msg: providers.Message{Role: providers.RoleUser, Content: p.Content},
		})
	}
	for _, r := range responses {
		entries = append(entries, entry{
			at: r.CreatedAt, id: r.ID,
			msg: providers.Message{Role: providers.RoleAssistant, Content: r.Content},
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.isPrompt != b.isPrompt {
			return a.isPrompt
		}
		return a.id < b.id
	})

	out := make([]providers.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out
}
