// Package conversation stores prompts and responses and rebuilds threads from
// them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/storage"
)

var ErrNotOwner = errors.New("conversation belongs to another principal")

type Store interface {
	CreateConversation(ctx context.Context, ownerID, title string) (storage.Conversation, error)
	EnsureConversation(ctx context.Context, id, ownerID, title string) error
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]storage.Conversation, error)
	TouchConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
	InsertPrompt(ctx context.Context, conversationID, content string, models []string) (storage.Prompt, error)
	ListPrompts(ctx context.Context, conversationID string) ([]storage.Prompt, error)
	InsertResponse(ctx context.Context, conversationID string, promptID *string, model, content string, tokens int64) (storage.Response, error)
	ListResponses(ctx context.Context, conversationID string) ([]storage.Response, error)
}

type Config struct {
	Store  Store
	Logger zerolog.Logger
}

type Gateway struct {
	store  Store
	logger zerolog.Logger
}

func New(cfg Config) *Gateway {
	return &Gateway{
		store:  cfg.Store,
		logger: cfg.Logger.With().Str("component", "conversation").Logger(),
	}
}

func (g *Gateway) CreateConversation(ctx context.Context, owner, title string) (storage.Conversation, error) {
	if strings.TrimSpace(owner) == "" {
		return storage.Conversation{}, apperr.Validation("owner", "empty")
	}
	c, err := g.store.CreateConversation(ctx, owner, strings.TrimSpace(title))
	if err != nil {
		return storage.Conversation{}, apperr.Persistence("create conversation", err)
	}
	return c, nil
}

// EnsureConversation creates a conversation under a caller-chosen id, used by
// transports that map their own chat ids onto conversations.
func (g *Gateway) EnsureConversation(ctx context.Context, id, owner, title string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(owner) == "" {
		return apperr.Validation("conversation", "id and owner are required")
	}
	if err := g.store.EnsureConversation(ctx, id, owner, title); err != nil {
		return apperr.Persistence("ensure conversation", err)
	}
	return nil
}

func (g *Gateway) ListConversations(ctx context.Context, owner string) ([]storage.Conversation, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperr.Validation("owner", "empty")
	}
	out, err := g.store.ListConversations(ctx, owner)
	if err != nil {
		return nil, apperr.Persistence("list conversations", err)
	}
	return out, nil
}

func (g *Gateway) DeleteConversation(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("conversation_id", "empty")
	}
	if err := g.store.DeleteConversation(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("conversation %s: %w", id, err)
		}
		return apperr.Persistence("delete conversation", err)
	}
	return nil
}

// CheckOwner returns ErrNotOwner when the conversation exists under another
// owner and storage.ErrNotFound when it does not exist.
func (g *Gateway) CheckOwner(ctx context.Context, id, owner string) error {
	c, err := g.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("conversation %s: %w", id, err)
		}
		return apperr.Persistence("get conversation", err)
	}
	if c.OwnerID != owner {
		return ErrNotOwner
	}
	return nil
}

func (g *Gateway) StorePrompt(ctx context.Context, conversationID, content string, models []string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", apperr.Validation("conversation_id", "empty")
	}
	if strings.TrimSpace(content) == "" {
		return "", apperr.Validation("content", "empty")
	}
	if err := g.store.TouchConversation(ctx, conversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		return "", apperr.Persistence("touch conversation", err)
	}
	p, err := g.store.InsertPrompt(ctx, conversationID, content, models)
	if err != nil {
		return "", apperr.Persistence("store prompt", err)
	}
	return p.ID, nil
}

type StoreResponsesInput struct {
	ConversationID string
	// PromptID may be empty; such responses are paired by timestamp on read.
	PromptID   string
	Models     []string
	Responses  []string
	TokensUsed []int
}

type ResponseOutcome struct {
	Model      string
	Success    bool
	ResponseID string
	Err        error
}

type StoreResult struct {
	Outcomes      []ResponseOutcome
	AllSuccessful bool
}

// StoreResponses writes one row per model. Inserts are independent; a failed
// one is reported in its outcome and does not stop the rest.
func (g *Gateway) StoreResponses(ctx context.Context, in StoreResponsesInput) (StoreResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return StoreResult{}, apperr.Validation("conversation_id", "empty")
	}
	if len(in.Models) != len(in.Responses) || len(in.Models) != len(in.TokensUsed) {
		return StoreResult{}, apperr.Validation("responses",
			fmt.Sprintf("length mismatch: %d models, %d responses, %d token counts", len(in.Models), len(in.Responses), len(in.TokensUsed)))
	}

	var promptID *string
	if in.PromptID != "" {
		id := in.PromptID
		promptID = &id
	}

	res := StoreResult{Outcomes: make([]ResponseOutcome, 0, len(in.Models)), AllSuccessful: true}
	for i, model := range in.Models {
		r, err := g.store.InsertResponse(ctx, in.ConversationID, promptID, model, in.Responses[i], int64(in.TokensUsed[i]))
		if err != nil {
			err = apperr.Persistence("store response", err)
			g.logger.Error().Err(err).Str("conversation_id", in.ConversationID).Str("model", model).Msg("response insert failed")
			res.Outcomes = append(res.Outcomes, ResponseOutcome{Model: model, Err: err})
			res.AllSuccessful = false
			continue
		}
		res.Outcomes = append(res.Outcomes, ResponseOutcome{Model: model, Success: true, ResponseID: r.ID})
	}
	if len(in.Models) > 0 {
		if err := g.store.TouchConversation(ctx, in.ConversationID); err != nil {
			g.logger.Warn().Err(err).Str("conversation_id", in.ConversationID).Msg("touch conversation failed")
		}
	}
	return res, nil
}

func (g *Gateway) GetThread(ctx context.Context, conversationID string) (Thread, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Thread{}, apperr.Validation("conversation_id", "empty")
	}
	prompts, err := g.store.ListPrompts(ctx, conversationID)
	if err != nil {
		return Thread{}, apperr.Persistence("load prompts", err)
	}
	responses, err := g.store.ListResponses(ctx, conversationID)
	if err != nil {
		return Thread{}, apperr.Persistence("load responses", err)
	}
	t := BuildThread(prompts, responses)
	if len(t.Unpaired) > 0 {
		g.logger.Warn().Str("conversation_id", conversationID).Int("responses", len(t.Unpaired)).Msg("responses without any prompt")
	}
	return t, nil
}
